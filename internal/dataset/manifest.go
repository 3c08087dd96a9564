package dataset

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownClass класс отсутствует в манифесте
	ErrUnknownClass = errors.New("unknown class")
	// ErrInvalidManifest манифест не согласован
	ErrInvalidManifest = errors.New("invalid manifest")
)

// Manifest описание датасета YOLO (data.yaml), на котором обучены веса детектора
type Manifest struct {
	Train string `yaml:"train"`
	Val   string `yaml:"val"`
	NC    int    `yaml:"nc"`
	Names Names  `yaml:"names"`
}

// Names имена классов по индексу. В data.yaml задаются списком или словарем {id: name}.
type Names []string

// UnmarshalYAML принимает обе формы записи names
func (n *Names) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	case yaml.MappingNode:
		var m map[int]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		ids := make([]int, 0, len(m))
		for id := range m {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		names := make([]string, len(ids))
		for i, id := range ids {
			if id != i {
				return fmt.Errorf("%w: class ids must be 0..%d, got %d", ErrInvalidManifest, len(ids)-1, id)
			}
			names[i] = m[id]
		}
		*n = names
		return nil
	default:
		return fmt.Errorf("%w: names must be a list or a map", ErrInvalidManifest)
	}
}

// Load читает и проверяет манифест
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse разбирает содержимое data.yaml
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.NC == 0 {
		m.NC = len(m.Names)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate проверяет, что nc совпадает с количеством имен и имена не пустые
func (m *Manifest) Validate() error {
	if len(m.Names) == 0 {
		return fmt.Errorf("%w: no class names", ErrInvalidManifest)
	}
	if m.NC != len(m.Names) {
		return fmt.Errorf("%w: nc=%d but %d names", ErrInvalidManifest, m.NC, len(m.Names))
	}
	seen := make(map[string]bool, len(m.Names))
	for i, name := range m.Names {
		if name == "" {
			return fmt.Errorf("%w: empty name for class %d", ErrInvalidManifest, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate class %q", ErrInvalidManifest, name)
		}
		seen[name] = true
	}
	return nil
}

// ClassName имя класса по индексу модели
func (m *Manifest) ClassName(id int) (string, error) {
	if id < 0 || id >= len(m.Names) {
		return "", fmt.Errorf("%w: id %d", ErrUnknownClass, id)
	}
	return m.Names[id], nil
}

// HasClass сообщает, обучен ли детектор на классе name
func (m *Manifest) HasClass(name string) bool {
	for _, n := range m.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Marshal сериализует манифест в формате data.yaml, names всегда списком
func (m *Manifest) Marshal() ([]byte, error) {
	out := struct {
		Train string   `yaml:"train"`
		Val   string   `yaml:"val"`
		NC    int      `yaml:"nc"`
		Names []string `yaml:"names"`
	}{m.Train, m.Val, m.NC, m.Names}
	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}
