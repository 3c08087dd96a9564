package client

import (
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/pkg/models"
)

type fakePythonAPI struct {
	health     models.HealthResponse
	detections []models.DetectionDTO
	status     int
	modelPaths []string
}

func (f *fakePythonAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		json.NewEncoder(w).Encode(f.health)
	case "/detect":
		if f.status != 0 {
			http.Error(w, "model crashed", f.status)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		if _, err := jpeg.Decode(file); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.modelPaths = append(f.modelPaths, r.FormValue("model_path")+"|"+header.Filename)
		json.NewEncoder(w).Encode(models.DetectResponse{Status: "success", Detections: f.detections})
	default:
		http.NotFound(w, r)
	}
}

func newFakePythonAPI(t *testing.T) (*fakePythonAPI, *PythonAPIClient) {
	t.Helper()
	api := &fakePythonAPI{
		health: models.HealthResponse{Status: "healthy", ModelLoaded: true, Version: "1.0.0"},
		detections: []models.DetectionDTO{
			{Class: "pothole", Confidence: 0.87, Box: [4]float64{4, 4, 20, 16}},
		},
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, NewPythonAPIClient(srv.URL, 5*time.Second, quietLogger())
}

func TestPythonAPIClientInfer(t *testing.T) {
	api, c := newFakePythonAPI(t)
	path := artifact(t)

	det, err := c.Load(context.Background(), path)
	test.That(t, err, test.ShouldBeNil)
	defer det.Close()

	dets, err := det.Infer(context.Background(), testFrame(7))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldResemble, []pipeline.Detection{
		{ClassName: "pothole", Confidence: 0.87, Box: pipeline.Box{X1: 4, Y1: 4, X2: 20, Y2: 16}},
	})
	test.That(t, api.modelPaths, test.ShouldResemble, []string{path + "|frame_000007.jpg"})
}

func TestPythonAPIClientLoad(t *testing.T) {
	t.Run("missing artifact", func(t *testing.T) {
		_, c := newFakePythonAPI(t)
		_, err := c.Load(context.Background(), filepath.Join(t.TempDir(), "nope.pt"))
		test.That(t, errors.Is(err, pipeline.ErrArtifactUnavailable), test.ShouldBeTrue)
	})

	t.Run("unhealthy service", func(t *testing.T) {
		api, c := newFakePythonAPI(t)
		api.health.Status = "unhealthy"
		_, err := c.Load(context.Background(), artifact(t))
		test.That(t, errors.Is(err, pipeline.ErrArtifactUnavailable), test.ShouldBeTrue)
	})

	t.Run("service down", func(t *testing.T) {
		c := NewPythonAPIClient("http://127.0.0.1:1", time.Second, quietLogger())
		_, err := c.Load(context.Background(), artifact(t))
		test.That(t, errors.Is(err, pipeline.ErrArtifactUnavailable), test.ShouldBeTrue)
	})
}

func TestPythonAPIClientInferError(t *testing.T) {
	api, c := newFakePythonAPI(t)
	det, err := c.Load(context.Background(), artifact(t))
	test.That(t, err, test.ShouldBeNil)

	api.status = http.StatusInternalServerError
	_, err = det.Infer(context.Background(), testFrame(0))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "500")
}

func TestPythonAPIClientCheckHealth(t *testing.T) {
	_, c := newFakePythonAPI(t)
	h, err := c.CheckHealth(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Healthy(), test.ShouldBeTrue)
	test.That(t, h.Version, test.ShouldEqual, "1.0.0")
}
