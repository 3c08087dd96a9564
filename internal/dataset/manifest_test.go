package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestParseListNames(t *testing.T) {
	m, err := Parse([]byte(`
train: /data/Pothole_Dataset/images/train
val: /data/Pothole_Dataset/images/train
nc: 1
names: ['pothole']
`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Train, test.ShouldEqual, "/data/Pothole_Dataset/images/train")
	test.That(t, m.Val, test.ShouldEqual, m.Train)
	test.That(t, m.NC, test.ShouldEqual, 1)
	test.That(t, []string(m.Names), test.ShouldResemble, []string{"pothole"})
	test.That(t, m.HasClass("pothole"), test.ShouldBeTrue)
	test.That(t, m.HasClass("crack"), test.ShouldBeFalse)
}

func TestParseMapNames(t *testing.T) {
	m, err := Parse([]byte(`
names:
  1: crack
  0: pothole
`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.NC, test.ShouldEqual, 2)
	name, err := m.ClassName(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "crack")

	_, err = m.ClassName(2)
	test.That(t, errors.Is(err, ErrUnknownClass), test.ShouldBeTrue)
	_, err = m.ClassName(-1)
	test.That(t, errors.Is(err, ErrUnknownClass), test.ShouldBeTrue)
}

func TestParseInvalid(t *testing.T) {
	cases := map[string]string{
		"nc mismatch":  "nc: 2\nnames: [pothole]\n",
		"no names":     "train: x\n",
		"gap in ids":   "names:\n  0: pothole\n  2: crack\n",
		"empty name":   "names: ['']\n",
		"duplicate":    "names: [pothole, pothole]\n",
		"scalar names": "names: pothole\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			test.That(t, errors.Is(err, ErrInvalidManifest), test.ShouldBeTrue)
		})
	}

	_, err := Parse([]byte("names: [unclosed"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadAndMarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yaml")
	test.That(t, os.WriteFile(path, []byte("nc: 1\nnames: {0: pothole}\n"), 0o644), test.ShouldBeNil)

	m, err := Load(path)
	test.That(t, err, test.ShouldBeNil)

	data, err := m.Marshal()
	test.That(t, err, test.ShouldBeNil)
	again, err := Parse(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldResemble, m)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}
