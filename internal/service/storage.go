package service

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"pothole-detector-go/internal/annotate"
	"pothole-detector-go/internal/model"
	"pothole-detector-go/internal/pipeline"
)

const snapshotJPEGQuality = 90

// persistSnapshot сохраняет снимок в static/snapshots/<run>/ и возвращает его URL
func (s *RunService) persistSnapshot(runID string, snap pipeline.Snapshot) (string, error) {
	if snap.Image == nil {
		return "", fmt.Errorf("snapshot at %v has no image", snap.Timestamp)
	}
	data, err := annotate.EncodeJPEG(snap.Image, snapshotJPEGQuality)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.opts.StaticDir, "snapshots", runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshots directory: %w", err)
	}
	filename := fmt.Sprintf("%08d.jpg", snap.Timestamp.Milliseconds())
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	rel := path.Join("snapshots", runID, filename)
	maxConf := 0.0
	for _, d := range snap.Detections {
		if d.Confidence > maxConf {
			maxConf = d.Confidence
		}
	}
	err = s.repo.AddSnapshot(&model.Snapshot{
		RunID:         runID,
		TimestampMs:   snap.Timestamp.Milliseconds(),
		ImagePath:     rel,
		Detections:    len(snap.Detections),
		MaxConfidence: maxConf,
	})
	if err != nil {
		return "", err
	}
	return staticURL(rel), nil
}

func (s *RunService) removeSnapshots(runID string) {
	dir := filepath.Join(s.opts.StaticDir, "snapshots", runID)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warnf("Не удалось удалить снимки %s: %v", dir, err)
	}
}

// SaveVideo сохраняет загруженное видео в static/videos/<id>/ и возвращает путь к файлу
func (s *RunService) SaveVideo(originalFilename string, videoData io.Reader) (string, error) {
	id := uuid.New().String()
	videoDir := filepath.Join(s.opts.StaticDir, "videos", id)
	if err := os.MkdirAll(videoDir, 0755); err != nil {
		s.logger.Errorf("Ошибка создания директории %s: %v", videoDir, err)
		return "", fmt.Errorf("failed to create video directory: %w", err)
	}

	// Определяем расширение файла
	ext := filepath.Ext(originalFilename)
	if ext == "" {
		ext = ".mp4"
		s.logger.Warnf("Расширение файла не найдено, используем .mp4")
	}

	filePath := filepath.Join(videoDir, id+ext)
	file, err := os.Create(filePath)
	if err != nil {
		s.logger.Errorf("Ошибка создания файла %s: %v", filePath, err)
		return "", fmt.Errorf("failed to create video file: %w", err)
	}
	defer file.Close()

	bytesWritten, err := io.Copy(file, videoData)
	if err != nil {
		s.logger.Errorf("Ошибка записи данных в файл %s: %v", filePath, err)
		os.Remove(filePath)
		return "", fmt.Errorf("failed to write video data: %w", err)
	}

	s.logger.Infof("Видео файл сохранен: %s (записано %d байт)", filePath, bytesWritten)
	return filePath, nil
}

func staticURL(rel string) string {
	return "/static/" + rel
}
