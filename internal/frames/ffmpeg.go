package frames

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"pothole-detector-go/internal/pipeline"
)

// DefaultFPS частота кадров для последовательности изображений и видео,
// у которого ffprobe не сообщил частоту
const DefaultFPS = 10

const (
	maxFrameSize = 32 << 20
	jpegQuality  = 3
)

// FFmpegSource декодирует видеофайл процессом ffmpeg в поток MJPEG через pipe.
// При fps 0 отдается каждый кадр с родной частотой видео, иначе ffmpeg
// пересэмплирует поток. Метка времени кадра равна index/частота.
type FFmpegSource struct {
	path string
	fps  int
	rate frameRate
	log  logrus.FieldLogger

	cancel  context.CancelFunc
	reader  *io.PipeReader
	scanner *bufio.Scanner
	stderr  bytes.Buffer
	done    chan struct{}
	runErr  error

	index     int
	closeOnce sync.Once
}

// NewFFmpegSource создает источник. Процесс ffmpeg запускается в Start.
func NewFFmpegSource(path string, fps int, log logrus.FieldLogger) *FFmpegSource {
	if fps < 0 {
		fps = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FFmpegSource{path: path, fps: fps, log: log}
}

type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Start проверяет, что файл существует и содержит видеопоток, и запускает декодер
func (s *FFmpegSource) Start(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("video file not available: %w", err)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	out, err := ffmpeg.Probe(s.path)
	if err != nil {
		return fmt.Errorf("failed to probe video: %w", err)
	}
	var probe probeResult
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return fmt.Errorf("failed to parse probe output: %w", err)
	}
	hasVideo := false
	for _, st := range probe.Streams {
		if st.CodecType == "video" {
			hasVideo = true
			s.rate = nativeRate(st.AvgFrameRate, st.RFrameRate)
			break
		}
	}
	if !hasVideo {
		return fmt.Errorf("no video stream in %s", s.path)
	}

	runCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s.cancel = cancel
	s.reader = pr
	s.scanner = bufio.NewScanner(pr)
	s.scanner.Buffer(make([]byte, 0, 1<<20), maxFrameSize)
	s.scanner.Split(splitJPEG)
	s.done = make(chan struct{})

	args := ffmpeg.KwArgs{
		"format": "image2pipe",
		"vcodec": "mjpeg",
		"q:v":    jpegQuality,
	}
	if s.fps > 0 {
		args["r"] = s.fps
		s.rate = frameRate{num: int64(s.fps), den: 1}
	}
	stream := ffmpeg.Input(s.path).Output("pipe:", args)
	stream.Context = runCtx

	go func() {
		defer close(s.done)
		err := stream.WithOutput(pw).WithErrorOutput(&s.stderr).Run()
		s.runErr = err
		pw.CloseWithError(err)
	}()

	s.log.WithField("path", s.path).Infof("Декодер запущен, %.2f кадров/с", s.rate.perSecond())
	return nil
}

// Next возвращает следующий кадр или io.EOF в конце видео
func (s *FFmpegSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.scanner == nil {
		return nil, fmt.Errorf("source not started")
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", s.index, err)
		}
		return nil, io.EOF
	}

	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", s.index, err)
	}
	frame := &pipeline.Frame{
		Image:     img,
		Timestamp: s.rate.timestamp(s.index),
		Index:     s.index,
	}
	s.index++
	return frame, nil
}

// Close останавливает ffmpeg; повторные вызовы ничего не делают
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		s.reader.Close()
		<-s.done
		if s.runErr != nil && s.stderr.Len() > 0 {
			s.log.WithField("stderr", lastLine(s.stderr.String())).Debug("ffmpeg завершился с ошибкой")
		}
	})
	return nil
}

// frameRate частота кадров в виде дроби ffprobe, например 30000/1001
type frameRate struct {
	num, den int64
}

func (r frameRate) timestamp(index int) time.Duration {
	return time.Duration(int64(index) * int64(time.Second) * r.den / r.num)
}

func (r frameRate) perSecond() float64 {
	return float64(r.num) / float64(r.den)
}

func parseFrameRate(s string) (frameRate, bool) {
	num, den, found := strings.Cut(s, "/")
	if !found {
		den = "1"
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return frameRate{}, false
	}
	d, err := strconv.ParseInt(den, 10, 64)
	if err != nil || d <= 0 {
		return frameRate{}, false
	}
	return frameRate{num: n, den: d}, true
}

// nativeRate берет среднюю частоту потока, затем базовую, затем DefaultFPS
func nativeRate(candidates ...string) frameRate {
	for _, c := range candidates {
		if r, ok := parseFrameRate(c); ok {
			return r
		}
	}
	return frameRate{num: DefaultFPS, den: 1}
}

// splitJPEG выделяет из потока MJPEG отдельные изображения от маркера SOI (FFD8) до EOI (FFD9)
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Последний байт может быть началом маркера
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		if atEOF {
			return len(data), nil, fmt.Errorf("truncated jpeg frame")
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
