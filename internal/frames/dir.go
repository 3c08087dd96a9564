package frames

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"pothole-detector-go/internal/pipeline"
)

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// DirSource отдает изображения из каталога в порядке имен файлов как кадры с фиксированной частотой
type DirSource struct {
	dir   string
	fps   int
	files []string
	index int
}

// NewDirSource создает источник; каталог читается в Start
func NewDirSource(dir string, fps int) *DirSource {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &DirSource{dir: dir, fps: fps}
}

// Start читает список изображений
func (s *DirSource) Start(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read frames dir: %w", err)
	}
	s.files = s.files[:0]
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		s.files = append(s.files, filepath.Join(s.dir, e.Name()))
	}
	if len(s.files) == 0 {
		return fmt.Errorf("no images in %s", s.dir)
	}
	sort.Strings(s.files)
	return nil
}

// Next декодирует следующий файл
func (s *DirSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.index >= len(s.files) {
		return nil, io.EOF
	}
	img, err := imaging.Open(s.files[s.index])
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(s.files[s.index]), err)
	}
	frame := &pipeline.Frame{
		Image:     img,
		Timestamp: frameRate{num: int64(s.fps), den: 1}.timestamp(s.index),
		Index:     s.index,
	}
	s.index++
	return frame, nil
}

// Close ничего не удерживает
func (s *DirSource) Close() error {
	return nil
}
