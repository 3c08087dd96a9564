package client

import (
	"context"

	"pothole-detector-go/internal/pipeline"
)

// WithScoreFilter отбрасывает детекции с уверенностью ниже min
func WithScoreFilter(loader pipeline.DetectorLoader, min float64) pipeline.DetectorLoader {
	if min <= 0 {
		return loader
	}
	return &scoreFilterLoader{loader: loader, min: min}
}

type scoreFilterLoader struct {
	loader pipeline.DetectorLoader
	min    float64
}

func (l *scoreFilterLoader) Load(ctx context.Context, artifactPath string) (pipeline.Detector, error) {
	det, err := l.loader.Load(ctx, artifactPath)
	if err != nil || det == nil {
		return det, err
	}
	return &scoreFilter{Detector: det, min: l.min}, nil
}

type scoreFilter struct {
	pipeline.Detector
	min float64
}

func (f *scoreFilter) Infer(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	dets, err := f.Detector.Infer(ctx, frame)
	if err != nil {
		return nil, err
	}
	kept := dets[:0]
	for _, d := range dets {
		if d.Confidence >= f.min {
			kept = append(kept, d)
		}
	}
	return kept, nil
}
