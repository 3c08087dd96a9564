package model

import (
	"time"

	"gorm.io/gorm"
)

// Состояния запуска в базе данных
const (
	RunStateRunning   = "running"
	RunStateCompleted = "completed"
	RunStateFailed    = "failed"
	RunStateCancelled = "cancelled"
)

// ReasonInterrupted причина для запусков, прерванных остановкой процесса
const ReasonInterrupted = "service restarted"

// Источники тревоги
const (
	AlertKindSnapshot  = "snapshot"
	AlertKindTimestamp = "timestamp"
)

// Run представляет один запуск детекции по видео
type Run struct {
	ID                 string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	VideoPath          string `gorm:"type:varchar(500);not null;index" json:"video_path"`
	TargetClass        string `gorm:"type:varchar(100);not null" json:"target_class"`
	SnapshotThrottleMs int    `gorm:"not null" json:"snapshot_throttle_ms"`
	TimestampOnly      bool   `gorm:"not null" json:"timestamp_only"`
	State              string `gorm:"type:varchar(20);not null;index" json:"state"`
	FailureReason      string `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`

	// Маршрут съемки, если видео снято вдоль известного отрезка
	HasRoute bool    `gorm:"not null;default:false" json:"has_route"`
	StartLat float64 `json:"start_lat"`
	StartLon float64 `json:"start_lon"`
	EndLat   float64 `json:"end_lat"`
	EndLon   float64 `json:"end_lon"`

	// Статистика
	FramesProcessed int   `gorm:"not null;default:0" json:"frames_processed"`
	AlertFrames     int   `gorm:"not null;default:0" json:"alert_frames"`
	SnapshotsCount  int   `gorm:"not null;default:0" json:"snapshots_count"`
	DroppedFrames   int64 `gorm:"not null;default:0" json:"dropped_frames"`
	DurationMs      int64 `gorm:"not null;default:0" json:"duration_ms"`

	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Alerts    []Alert    `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"alerts"`
	Snapshots []Snapshot `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"snapshots"`
}

// Alert момент видео, где найден целевой объект
type Alert struct {
	ID          uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string  `gorm:"type:varchar(36);not null;index" json:"run_id"`
	Kind        string  `gorm:"type:varchar(20);not null" json:"kind"`
	TimestampMs int64   `gorm:"not null" json:"timestamp_ms"`
	Label       string  `gorm:"type:varchar(20);not null" json:"label"` // секунды, "12.40"
	HasLocation bool    `gorm:"not null;default:false" json:"has_location"`
	Lat         float64 `gorm:"index" json:"lat"`
	Lon         float64 `gorm:"index" json:"lon"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Snapshot сохраненный кадр с отмеченными объектами
type Snapshot struct {
	ID            uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID         string  `gorm:"type:varchar(36);not null;index" json:"run_id"`
	TimestampMs   int64   `gorm:"not null" json:"timestamp_ms"`
	ImagePath     string  `gorm:"type:varchar(500);not null" json:"image_path"`
	Detections    int     `gorm:"not null" json:"detections"`
	MaxConfidence float64 `gorm:"not null" json:"max_confidence"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName указывает имя таблицы для Run
func (Run) TableName() string {
	return "runs"
}

// TableName указывает имя таблицы для Alert
func (Alert) TableName() string {
	return "alerts"
}

// TableName указывает имя таблицы для Snapshot
func (Snapshot) TableName() string {
	return "snapshots"
}
