package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.viam.com/test"
	"gorm.io/gorm"

	"pothole-detector-go/internal/database"
	"pothole-detector-go/internal/model"
	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/internal/repository"
	"pothole-detector-go/internal/service"
	"pothole-detector-go/pkg/models"
)

// countingSource отдает n кадров с шагом 500 мс
type countingSource struct {
	n   int
	pos int
}

func (s *countingSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if s.pos >= s.n {
		return nil, io.EOF
	}
	f := &pipeline.Frame{
		Image:     image.NewRGBA(image.Rect(0, 0, 32, 24)),
		Timestamp: time.Duration(s.pos) * 500 * time.Millisecond,
		Index:     s.pos,
	}
	s.pos++
	return f, nil
}

func (s *countingSource) Close() error { return nil }

type oddDetector struct{}

func (oddDetector) Infer(ctx context.Context, f *pipeline.Frame) ([]pipeline.Detection, error) {
	if f.Index%2 == 0 {
		return nil, nil
	}
	return []pipeline.Detection{{ClassName: "pothole", Confidence: 0.9, Box: pipeline.Box{X1: 2, Y1: 2, X2: 10, Y2: 10}}}, nil
}

func (oddDetector) Close() error { return nil }

type oddLoader struct{}

func (oddLoader) Load(ctx context.Context, path string) (pipeline.Detector, error) {
	return oddDetector{}, nil
}

type fakeHealth struct {
	resp *models.HealthResponse
	err  error
}

func (f fakeHealth) CheckHealth(ctx context.Context) (*models.HealthResponse, error) {
	return f.resp, f.err
}

type testEnv struct {
	router *gin.Engine
	svc    *service.RunService
	db     *gorm.DB
	static string
}

func newTestEnv(t *testing.T, detector HealthChecker) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	db, err := database.Connect(database.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db")}, log)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, database.Migrate(db), test.ShouldBeNil)
	t.Cleanup(func() { database.Close(db) })

	static := t.TempDir()
	svc := service.NewRunService(repository.NewRunRepository(db), oddLoader{}, func(string) pipeline.FrameSource {
		return &countingSource{n: 6}
	}, log, service.Options{TargetClass: "pothole", SnapshotThrottle: time.Second, StaticDir: static})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	router := gin.New()
	NewRunHandler(svc, detector, db, log).RegisterRoutes(router)
	return &testEnv{router: router, svc: svc, db: db, static: static}
}

func (e *testEnv) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) startJSON(t *testing.T, body string) service.RunResponse {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/runs", strings.NewReader(body), "application/json")
	test.That(t, w.Code, test.ShouldEqual, http.StatusAccepted)
	var run service.RunResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &run), test.ShouldBeNil)
	return run
}

// streamEvents читает SSE поток запуска до закрытия сервером
func streamEvents(t *testing.T, router *gin.Engine, runID string) string {
	t.Helper()
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/runs/"+runID+"/events", nil)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldStartWith, "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	return string(body)
}

func TestStartRunAndStreamEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.startJSON(t, `{"video_path":"road.mp4","route":{"start":{"lat":55,"lon":37},"end":{"lat":56,"lon":38}}}`)
	test.That(t, run.State, test.ShouldEqual, model.RunStateRunning)
	test.That(t, run.Route, test.ShouldNotBeNil)

	body := streamEvents(t, env.router, run.ID)
	test.That(t, body, test.ShouldContainSubstring, "event:completed")
	test.That(t, strings.TrimSpace(body), test.ShouldEndWith, "}")
	test.That(t, strings.LastIndex(body, "event:completed") > strings.LastIndex(body, "event:status"), test.ShouldBeTrue)

	w := env.do(http.MethodGet, "/api/v1/runs/"+run.ID, nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	var got service.RunResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &got), test.ShouldBeNil)
	test.That(t, got.State, test.ShouldEqual, model.RunStateCompleted)
	test.That(t, got.FramesProcessed, test.ShouldEqual, 6)
	test.That(t, got.SnapshotsCount, test.ShouldEqual, 3)
	test.That(t, got.Alerts, test.ShouldHaveLength, 3)

	// Снимки раздаются из каталога static
	test.That(t, got.Snapshots[0].URL, test.ShouldStartWith, "/static/snapshots/"+run.ID+"/")

	// Повторная подписка на завершенный запуск отдает итоговое событие
	body = streamEvents(t, env.router, run.ID)
	test.That(t, strings.Count(body, "event:"), test.ShouldEqual, 1)
	test.That(t, body, test.ShouldContainSubstring, "event:completed")

	w = env.do(http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusConflict)

	w = env.do(http.MethodGet, "/api/v1/alerts/area?ne_lat=57&ne_lon=39&sw_lat=54&sw_lon=36", nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	var area service.AlertsByAreaResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &area), test.ShouldBeNil)
	test.That(t, area.Total, test.ShouldEqual, 3)

	w = env.do(http.MethodDelete, "/api/v1/runs/"+run.ID, nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	w = env.do(http.MethodGet, "/api/v1/runs/"+run.ID, nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusNotFound)
}

func TestStartRunTimestampOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.startJSON(t, `{"video_path":"road.mp4","snapshot_throttle_ms":0}`)
	test.That(t, run.TimestampOnly, test.ShouldBeTrue)

	body := streamEvents(t, env.router, run.ID)
	test.That(t, body, test.ShouldNotContainSubstring, "event:snapshot")
	test.That(t, body, test.ShouldContainSubstring, `"summary":["0.50","1.50","2.50"]`)
}

func TestStartRunUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	test.That(t, mw.WriteField("startLat", "55.1"), test.ShouldBeNil)
	test.That(t, mw.WriteField("startLon", "37.1"), test.ShouldBeNil)
	test.That(t, mw.WriteField("end_lat", "55.2"), test.ShouldBeNil)
	test.That(t, mw.WriteField("end_lon", "37.2"), test.ShouldBeNil)
	test.That(t, mw.WriteField("snapshot_throttle_ms", "500"), test.ShouldBeNil)
	part, err := mw.CreateFormFile("video", "drive.avi")
	test.That(t, err, test.ShouldBeNil)
	_, err = part.Write([]byte("not really a video"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mw.Close(), test.ShouldBeNil)

	w := env.do(http.MethodPost, "/api/v1/runs", &buf, mw.FormDataContentType())
	test.That(t, w.Code, test.ShouldEqual, http.StatusAccepted)
	var run service.RunResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &run), test.ShouldBeNil)
	test.That(t, run.VideoPath, test.ShouldStartWith, filepath.Join(env.static, "videos"))
	test.That(t, run.VideoPath, test.ShouldEndWith, ".avi")
	test.That(t, run.SnapshotThrottleMs, test.ShouldEqual, 500)
	test.That(t, run.Route.Start, test.ShouldResemble, models.Coordinates{Lat: 55.1, Lon: 37.1})

	streamEvents(t, env.router, run.ID)
}

func TestStartRunBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	for name, body := range map[string]string{
		"malformed json":    `{"video_path":`,
		"missing video":     `{"target_class":"pothole"}`,
		"negative throttle": `{"video_path":"a.mp4","snapshot_throttle_ms":-5}`,
		"latitude range":    `{"video_path":"a.mp4","route":{"start":{"lat":91,"lon":0},"end":{"lat":0,"lon":0}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/runs", strings.NewReader(body), "application/json")
			test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)
			test.That(t, w.Body.String(), test.ShouldContainSubstring, `"error"`)
		})
	}

	t.Run("partial route in form", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("start_lat", "55")
		part, _ := mw.CreateFormFile("video", "a.mp4")
		part.Write([]byte("x"))
		mw.Close()
		w := env.do(http.MethodPost, "/api/v1/runs", &buf, mw.FormDataContentType())
		test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)
		test.That(t, w.Body.String(), test.ShouldContainSubstring, "start_lon")
	})

	t.Run("form without video", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("target_class", "pothole")
		mw.Close()
		w := env.do(http.MethodPost, "/api/v1/runs", &buf, mw.FormDataContentType())
		test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)
	})
}

func TestUnknownRunRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/missing"},
		{http.MethodDelete, "/api/v1/runs/missing"},
		{http.MethodPost, "/api/v1/runs/missing/cancel"},
		{http.MethodGet, "/api/v1/runs/missing/events"},
		{http.MethodGet, "/api/v1/runs/missing/frame.jpg"},
	} {
		w := env.do(tc.method, tc.path, nil, "")
		test.That(t, w.Code, test.ShouldEqual, http.StatusNotFound)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		run := env.startJSON(t, `{"video_path":"`+path+`"}`)
		streamEvents(t, env.router, run.ID)
	}

	w := env.do(http.MethodGet, "/api/v1/runs?page=1&size=2", nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	var list service.ListRunsResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &list), test.ShouldBeNil)
	test.That(t, list.Total, test.ShouldEqual, int64(3))
	test.That(t, list.Runs, test.ShouldHaveLength, 2)
	test.That(t, list.Size, test.ShouldEqual, 2)

	w = env.do(http.MethodGet, "/api/v1/runs?page=zero&size=1000", nil, "")
	test.That(t, json.Unmarshal(w.Body.Bytes(), &list), test.ShouldBeNil)
	test.That(t, list.Page, test.ShouldEqual, 1)
	test.That(t, list.Size, test.ShouldEqual, 10)
	test.That(t, list.Runs, test.ShouldHaveLength, 3)
}

func TestAlertsByAreaParams(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(http.MethodGet, "/api/v1/alerts/area?ne_lat=1&ne_lon=1&sw_lat=0", nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, w.Body.String(), test.ShouldContainSubstring, "sw_lon")

	w = env.do(http.MethodGet, "/api/v1/alerts/area?ne_lat=north&ne_lon=1&sw_lat=0&sw_lon=0", nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)

	w = env.do(http.MethodGet, "/api/v1/alerts/area?ne_lat=1&ne_lon=1&sw_lat=0&sw_lon=0", nil, "")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	var area service.AlertsByAreaResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &area), test.ShouldBeNil)
	test.That(t, area.Total, test.ShouldEqual, 0)
	test.That(t, area.Alerts, test.ShouldBeEmpty)
}

func TestCheckHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		env := newTestEnv(t, fakeHealth{resp: &models.HealthResponse{Status: "healthy", ModelLoaded: true, Version: "1.0.0"}})
		w := env.do(http.MethodGet, "/api/v1/health", nil, "")
		test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
		var body map[string]interface{}
		test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
		test.That(t, body["status"], test.ShouldEqual, "healthy")
		test.That(t, body["database"], test.ShouldEqual, "ok")
	})

	t.Run("detector down", func(t *testing.T) {
		env := newTestEnv(t, fakeHealth{err: errors.New("connection refused")})
		w := env.do(http.MethodGet, "/api/v1/health", nil, "")
		test.That(t, w.Code, test.ShouldEqual, http.StatusServiceUnavailable)
		test.That(t, w.Body.String(), test.ShouldContainSubstring, "connection refused")
	})

	t.Run("model not loaded", func(t *testing.T) {
		env := newTestEnv(t, fakeHealth{resp: &models.HealthResponse{Status: "unhealthy"}})
		w := env.do(http.MethodGet, "/api/v1/health", nil, "")
		test.That(t, w.Code, test.ShouldEqual, http.StatusServiceUnavailable)
	})

	t.Run("database closed", func(t *testing.T) {
		env := newTestEnv(t, nil)
		test.That(t, database.Close(env.db), test.ShouldBeNil)
		w := env.do(http.MethodGet, "/api/v1/health", nil, "")
		test.That(t, w.Code, test.ShouldEqual, http.StatusServiceUnavailable)
	})
}
