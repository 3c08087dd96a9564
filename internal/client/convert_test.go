package client

import (
	"image"
	"testing"

	"go.viam.com/test"

	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/pkg/models"
)

func intPtr(v int) *int { return &v }

func TestToDetections(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)
	dtos := []models.DetectionDTO{
		{Class: "pothole", Confidence: 0.87, Box: [4]float64{10, 10, 40, 30}},
		{ClassID: intPtr(1), Confidence: 1.4, Box: [4]float64{-5, 20, 120, 70}},
		{Class: "pothole", Confidence: 0.5, Box: [4]float64{30, 30, 30, 40}},
	}

	dets, err := toDetections(dtos, names{"pothole", "crack"}, bounds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].ClassName, test.ShouldEqual, "pothole")
	test.That(t, dets[1].ClassName, test.ShouldEqual, "crack")
	test.That(t, dets[1].Confidence, test.ShouldEqual, 1.0)
	test.That(t, dets[1].Box, test.ShouldResemble, pipeline.Box{X1: 0, Y1: 20, X2: 100, Y2: 50})

	t.Run("class id without manifest", func(t *testing.T) {
		_, err := toDetections(dtos[1:2], nil, bounds)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("class id out of range", func(t *testing.T) {
		_, err := toDetections([]models.DetectionDTO{{ClassID: intPtr(7), Box: [4]float64{0, 0, 1, 1}}}, names{"pothole"}, bounds)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestEncodeFrameWithoutImage(t *testing.T) {
	_, err := encodeFrame(&pipeline.Frame{})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = encodeFrame(nil)
	test.That(t, err, test.ShouldNotBeNil)
}
