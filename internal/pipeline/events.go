package pipeline

import (
	"image"
	"time"
)

// EventKind тип события конвейера
type EventKind int

const (
	KindFrameUpdate EventKind = iota + 1
	KindStatusChange
	KindSnapshot
	KindCompleted
	KindFailed
	KindCancelled
)

func (k EventKind) String() string {
	switch k {
	case KindFrameUpdate:
		return "frame"
	case KindStatusChange:
		return "status"
	case KindSnapshot:
		return "snapshot"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Severity важность статуса
type Severity int

const (
	SeverityNeutral Severity = iota
	SeverityAlert
)

func (s Severity) String() string {
	if s == SeverityAlert {
		return "alert"
	}
	return "neutral"
}

// Event событие конвейера. Реализации: FrameUpdate, StatusChange, Snapshot,
// Completed, Failed, Cancelled.
type Event interface {
	Kind() EventKind
	event()
}

// FrameUpdate последний кадр для отображения, без разметки
type FrameUpdate struct {
	Frame *Frame
	// Display уменьшенная копия кадра, если задан размер отображения; иначе nil
	Display image.Image
}

// StatusChange текущий статус кадра, отправляется на каждом кадре
type StatusChange struct {
	Label     string
	Severity  Severity
	Timestamp time.Duration
	Index     int
}

// Snapshot копия кадра с нарисованными детекциями
type Snapshot struct {
	Image      image.Image
	Timestamp  time.Duration
	Detections []Detection
}

// Completed завершение потока. Summary заполнен только в режиме меток времени.
type Completed struct {
	Summary       []time.Duration
	TimestampOnly bool
}

// Failed неустранимая ошибка запуска
type Failed struct {
	Reason string
	Err    error
}

// Cancelled запуск остановлен по запросу
type Cancelled struct{}

func (FrameUpdate) Kind() EventKind  { return KindFrameUpdate }
func (StatusChange) Kind() EventKind { return KindStatusChange }
func (Snapshot) Kind() EventKind     { return KindSnapshot }
func (Completed) Kind() EventKind    { return KindCompleted }
func (Failed) Kind() EventKind       { return KindFailed }
func (Cancelled) Kind() EventKind    { return KindCancelled }

func (FrameUpdate) event()  {}
func (StatusChange) event() {}
func (Snapshot) event()     {}
func (Completed) event()    {}
func (Failed) event()       {}
func (Cancelled) event()    {}

// IsTerminal сообщает, что после события других событий не будет
func IsTerminal(ev Event) bool {
	switch ev.Kind() {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	}
	return false
}

// State состояние запуска
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Finished сообщает, что состояние терминальное
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
