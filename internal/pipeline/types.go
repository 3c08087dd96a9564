package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrArtifactUnavailable возвращается загрузчиком, если файл весов детектора недоступен
var ErrArtifactUnavailable = errors.New("artifact unavailable")

// DefaultSnapshotThrottle минимальный интервал между снимками по умолчанию
const DefaultSnapshotThrottle = 2000 * time.Millisecond

// DefaultQueueSize емкость очереди событий по умолчанию
const DefaultQueueSize = 64

// Frame кадр видео с меткой времени от начала потока
type Frame struct {
	Image     image.Image
	Timestamp time.Duration
	Index     int
}

// Box прямоугольник детекции в пикселях кадра
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Valid проверяет, что X1<X2 и Y1<Y2
func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Rect возвращает целочисленный прямоугольник
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Detection найденный на кадре объект
type Detection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// FrameSource последовательно отдает кадры. В конце потока Next возвращает io.EOF.
type FrameSource interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Starter реализуют источники, которым нужно захватить ресурс до первого кадра
// (например, запустить процесс декодера).
type Starter interface {
	Start(ctx context.Context) error
}

// Detector выполняет инференс на одном кадре
type Detector interface {
	Infer(ctx context.Context, frame *Frame) ([]Detection, error)
	Close() error
}

// DetectorLoader загружает детектор по пути к артефакту
type DetectorLoader interface {
	Load(ctx context.Context, artifactPath string) (Detector, error)
}

// Config параметры одного запуска конвейера
type Config struct {
	// TargetClass класс, который считается тревогой (например, "pothole")
	TargetClass string
	// SnapshotThrottle минимальный интервал между снимками; 0 включает режим только меток времени
	SnapshotThrottle time.Duration
	// DisplayWidth и DisplayHeight подсказка для уменьшенной копии кадра, 0 = без изменения
	DisplayWidth  int
	DisplayHeight int
	ArtifactPath  string
	QueueSize     int
	Logger        logrus.FieldLogger
}

// TimestampOnly сообщает, что снимки отключены
func (c Config) TimestampOnly() bool {
	return c.SnapshotThrottle <= 0
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		c.Logger = l
	}
	return c
}
