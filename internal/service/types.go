package service

import (
	"errors"
	"time"

	"pothole-detector-go/pkg/models"
)

var (
	// ErrRunNotFound запуск с таким ID не существует
	ErrRunNotFound = errors.New("run not found")
	// ErrRunInProgress по этому видео уже идет обработка, или запуск еще не завершен
	ErrRunInProgress = errors.New("run in progress")
	// ErrRunFinished запуск уже завершен
	ErrRunFinished = errors.New("run already finished")
	// ErrInvalidRequest некорректные параметры запуска
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoFrame кадр еще не получен
	ErrNoFrame = errors.New("no frame available")
)

// Типы сообщений потока событий
const (
	MessageFrame     = "frame"
	MessageStatus    = "status"
	MessageSnapshot  = "snapshot"
	MessageCompleted = "completed"
	MessageFailed    = "failed"
	MessageCancelled = "cancelled"
)

// RouteRequest отрезок дороги, вдоль которого снято видео
type RouteRequest struct {
	Start models.Coordinates `json:"start"`
	End   models.Coordinates `json:"end"`
}

// StartRunRequest запрос на запуск детекции
type StartRunRequest struct {
	VideoPath          string        `json:"video_path"`
	TargetClass        string        `json:"target_class,omitempty"`
	SnapshotThrottleMs *int          `json:"snapshot_throttle_ms,omitempty"` // nil - значение по умолчанию, 0 - только метки времени
	Route              *RouteRequest `json:"route,omitempty"`
}

// DetectionResponse найденный объект на снимке
type DetectionResponse struct {
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// EventMessage событие запуска для подписчиков (SSE, MQTT)
type EventMessage struct {
	RunID       string `json:"run_id"`
	Type        string `json:"type"`
	Index       int    `json:"index,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
	Seconds     string `json:"seconds,omitempty"`

	Label    string `json:"label,omitempty"`
	Severity string `json:"severity,omitempty"`

	SnapshotURL string              `json:"snapshot_url,omitempty"`
	Detections  []DetectionResponse `json:"detections,omitempty"`

	TimestampOnly bool     `json:"timestamp_only,omitempty"`
	Summary       []string `json:"summary,omitempty"`

	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Terminal сообщение завершает поток
func (m EventMessage) Terminal() bool {
	switch m.Type {
	case MessageCompleted, MessageFailed, MessageCancelled:
		return true
	}
	return false
}

// AlertResponse тревога в ответе API
type AlertResponse struct {
	RunID       string              `json:"run_id"`
	Kind        string              `json:"kind"`
	TimestampMs int64               `json:"timestamp_ms"`
	Seconds     string              `json:"seconds"`
	Location    *models.Coordinates `json:"location,omitempty"`
}

// SnapshotResponse снимок в ответе API
type SnapshotResponse struct {
	TimestampMs   int64   `json:"timestamp_ms"`
	URL           string  `json:"url"`
	Detections    int     `json:"detections"`
	MaxConfidence float64 `json:"max_confidence"`
}

// RunResponse ответ с информацией о запуске
type RunResponse struct {
	ID                 string             `json:"id"`
	VideoPath          string             `json:"video_path"`
	TargetClass        string             `json:"target_class"`
	SnapshotThrottleMs int                `json:"snapshot_throttle_ms"`
	TimestampOnly      bool               `json:"timestamp_only"`
	State              string             `json:"state"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	Route              *RouteRequest      `json:"route,omitempty"`
	RouteLengthM       float64            `json:"route_length_m,omitempty"`
	FramesProcessed    int                `json:"frames_processed"`
	AlertFrames        int                `json:"alert_frames"`
	SnapshotsCount     int                `json:"snapshots_count"`
	DroppedFrames      int64              `json:"dropped_frames"`
	DurationMs         int64              `json:"duration_ms"`
	Alerts             []AlertResponse    `json:"alerts"`
	Snapshots          []SnapshotResponse `json:"snapshots"`
	StartedAt          time.Time          `json:"started_at"`
	FinishedAt         *time.Time         `json:"finished_at,omitempty"`
}

// ListRunsResponse ответ со списком запусков
type ListRunsResponse struct {
	Runs  []RunResponse `json:"runs"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

// AlertsByAreaResponse ответ со списком тревог в области
type AlertsByAreaResponse struct {
	Alerts []AlertResponse `json:"alerts"`
	Total  int             `json:"total"`
}
