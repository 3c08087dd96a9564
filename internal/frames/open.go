package frames

import (
	"os"

	"github.com/sirupsen/logrus"

	"pothole-detector-go/internal/pipeline"
)

// Open выбирает источник по пути: каталог с изображениями или видеофайл.
// Недоступный путь не является ошибкой здесь: источник сообщит о ней в Start.
func Open(path string, fps int, log logrus.FieldLogger) pipeline.FrameSource {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return NewDirSource(path, fps)
	}
	return NewFFmpegSource(path, fps, log)
}
