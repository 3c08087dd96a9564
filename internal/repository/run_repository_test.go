package repository

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.viam.com/test"
	"gorm.io/gorm"

	"pothole-detector-go/internal/database"
	"pothole-detector-go/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	db, err := database.Connect(database.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db")}, log)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, database.Migrate(db), test.ShouldBeNil)
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newRun(id string) *model.Run {
	return &model.Run{
		ID:                 id,
		VideoPath:          "/videos/" + id + ".mp4",
		TargetClass:        "pothole",
		SnapshotThrottleMs: 2000,
		State:              model.RunStateRunning,
		StartedAt:          time.Now(),
	}
}

func TestRunRepositoryLifecycle(t *testing.T) {
	repo := NewRunRepository(newTestDB(t))

	run := newRun("run-1")
	test.That(t, repo.Create(run), test.ShouldBeNil)

	test.That(t, repo.AddSnapshot(&model.Snapshot{RunID: run.ID, TimestampMs: 500, ImagePath: "a.jpg", Detections: 1, MaxConfidence: 0.9}), test.ShouldBeNil)
	test.That(t, repo.AddSnapshot(&model.Snapshot{RunID: run.ID, TimestampMs: 2500, ImagePath: "b.jpg", Detections: 2, MaxConfidence: 0.7}), test.ShouldBeNil)

	finished := time.Now()
	run.State = model.RunStateCompleted
	run.FramesProcessed = 50
	run.AlertFrames = 7
	run.DurationMs = 4900
	run.FinishedAt = &finished
	alerts := []model.Alert{
		{Kind: model.AlertKindSnapshot, TimestampMs: 2500, Label: "2.50"},
		{Kind: model.AlertKindSnapshot, TimestampMs: 500, Label: "0.50"},
	}
	test.That(t, repo.Finish(run, alerts), test.ShouldBeNil)

	got, err := repo.GetByID(run.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.State, test.ShouldEqual, model.RunStateCompleted)
	test.That(t, got.FramesProcessed, test.ShouldEqual, 50)
	test.That(t, got.AlertFrames, test.ShouldEqual, 7)
	test.That(t, got.SnapshotsCount, test.ShouldEqual, 2)
	test.That(t, got.FinishedAt, test.ShouldNotBeNil)
	test.That(t, got.Alerts, test.ShouldHaveLength, 2)
	test.That(t, got.Alerts[0].TimestampMs, test.ShouldEqual, int64(500))
	test.That(t, got.Snapshots, test.ShouldHaveLength, 2)
	test.That(t, got.Snapshots[1].ImagePath, test.ShouldEqual, "b.jpg")

	test.That(t, repo.Delete(run.ID), test.ShouldBeNil)
	_, err = repo.GetByID(run.ID)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
	test.That(t, errors.Is(repo.Delete(run.ID), ErrNotFound), test.ShouldBeTrue)
}

func TestRunRepositoryList(t *testing.T) {
	repo := NewRunRepository(newTestDB(t))
	for _, id := range []string{"a", "b", "c"} {
		test.That(t, repo.Create(newRun(id)), test.ShouldBeNil)
		time.Sleep(5 * time.Millisecond)
	}

	runs, total, err := repo.List(1, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, total, test.ShouldEqual, int64(3))
	test.That(t, runs, test.ShouldHaveLength, 2)
	test.That(t, runs[0].ID, test.ShouldEqual, "c")

	runs, _, err = repo.List(2, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, runs, test.ShouldHaveLength, 1)
	test.That(t, runs[0].ID, test.ShouldEqual, "a")
}

func TestGetAlertsByArea(t *testing.T) {
	repo := NewRunRepository(newTestDB(t))
	run := newRun("geo")
	test.That(t, repo.Create(run), test.ShouldBeNil)

	run.State = model.RunStateCompleted
	test.That(t, repo.Finish(run, []model.Alert{
		{Kind: model.AlertKindTimestamp, TimestampMs: 1000, Label: "1.00", HasLocation: true, Lat: 55.75, Lon: 37.61},
		{Kind: model.AlertKindTimestamp, TimestampMs: 2000, Label: "2.00", HasLocation: true, Lat: 59.93, Lon: 30.33},
		{Kind: model.AlertKindTimestamp, TimestampMs: 3000, Label: "3.00"},
	}), test.ShouldBeNil)

	alerts, err := repo.GetAlertsByArea(Coordinates{Lat: 56, Lon: 38}, Coordinates{Lat: 55, Lon: 37})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, alerts, test.ShouldHaveLength, 1)
	test.That(t, alerts[0].Label, test.ShouldEqual, "1.00")

	test.That(t, repo.Delete(run.ID), test.ShouldBeNil)
	alerts, err = repo.GetAlertsByArea(Coordinates{Lat: 90, Lon: 180}, Coordinates{Lat: -90, Lon: -180})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, alerts, test.ShouldBeEmpty)
}

func TestMarkInterrupted(t *testing.T) {
	repo := NewRunRepository(newTestDB(t))
	test.That(t, repo.Create(newRun("stale")), test.ShouldBeNil)
	done := newRun("done")
	done.State = model.RunStateCompleted
	test.That(t, repo.Create(done), test.ShouldBeNil)

	n, err := repo.MarkInterrupted(model.ReasonInterrupted)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, int64(1))

	got, err := repo.GetByID("stale")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.State, test.ShouldEqual, model.RunStateFailed)
	test.That(t, got.FailureReason, test.ShouldEqual, "service restarted")
}
