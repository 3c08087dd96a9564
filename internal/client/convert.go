package client

import (
	"fmt"
	"image"

	"pothole-detector-go/internal/annotate"
	"pothole-detector-go/internal/dataset"
	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/pkg/models"
)

const frameJPEGQuality = 90

// ClassNames разрешает индекс класса модели в имя
type ClassNames interface {
	ClassName(id int) (string, error)
}

var _ ClassNames = (*dataset.Manifest)(nil)

func encodeFrame(frame *pipeline.Frame) ([]byte, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("frame has no image")
	}
	return annotate.EncodeJPEG(frame.Image, frameJPEGQuality)
}

// toDetections переводит ответ сервиса в детекции конвейера.
// Рамки с нулевой площадью отбрасываются, класс по индексу берется из манифеста.
func toDetections(dtos []models.DetectionDTO, names ClassNames, bounds image.Rectangle) ([]pipeline.Detection, error) {
	out := make([]pipeline.Detection, 0, len(dtos))
	for _, d := range dtos {
		class := d.Class
		if class == "" && d.ClassID != nil {
			if names == nil {
				return nil, fmt.Errorf("detection with class_id %d but no manifest", *d.ClassID)
			}
			name, err := names.ClassName(*d.ClassID)
			if err != nil {
				return nil, err
			}
			class = name
		}
		det := pipeline.Detection{
			ClassName:  class,
			Confidence: clamp01(d.Confidence),
			Box:        clipBox(pipeline.Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]}, bounds),
		}
		if !det.Box.Valid() {
			continue
		}
		out = append(out, det)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clipBox(b pipeline.Box, bounds image.Rectangle) pipeline.Box {
	if bounds.Empty() {
		return b
	}
	clip := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	minX, minY := float64(bounds.Min.X), float64(bounds.Min.Y)
	maxX, maxY := float64(bounds.Max.X), float64(bounds.Max.Y)
	return pipeline.Box{
		X1: clip(b.X1, minX, maxX),
		Y1: clip(b.Y1, minY, maxY),
		X2: clip(b.X2, minX, maxX),
		Y2: clip(b.Y2, minY, maxY),
	}
}
