package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pothole-detector-go/internal/annotate"
	"pothole-detector-go/internal/dataset"
	"pothole-detector-go/internal/geo"
	"pothole-detector-go/internal/model"
	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/internal/repository"
	"pothole-detector-go/pkg/models"
)

const (
	defaultSubscriberBuffer  = 64
	defaultSubscriberTimeout = 10 * time.Second
	frameJPEGQuality         = 85
)

// Publisher внешний получатель событий (брокер MQTT)
type Publisher interface {
	Publish(subtopic string, payload []byte) error
}

// SourceFactory открывает источник кадров по пути к видео
type SourceFactory func(videoPath string) pipeline.FrameSource

// Options параметры RunService
type Options struct {
	TargetClass       string
	SnapshotThrottle  time.Duration
	ArtifactPath      string
	DisplayWidth      int
	DisplayHeight     int
	QueueSize         int
	StaticDir         string
	Manifest          *dataset.Manifest // nil - класс не проверяется
	SubscriberBuffer  int
	SubscriberTimeout time.Duration
}

// RunService управляет запусками конвейера: хранит их в базе, раздает события подписчикам
type RunService struct {
	repo      repository.RunRepository
	loader    pipeline.DetectorLoader
	sources   SourceFactory
	publisher Publisher
	logger    logrus.FieldLogger
	opts      Options
	calc      *geo.Calculator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*activeRun
	byVideo map[string]string
}

// NewRunService создает сервис запусков
func NewRunService(repo repository.RunRepository, loader pipeline.DetectorLoader, sources SourceFactory, logger logrus.FieldLogger, opts Options) *RunService {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.SubscriberTimeout <= 0 {
		opts.SubscriberTimeout = defaultSubscriberTimeout
	}
	if opts.TargetClass == "" {
		opts.TargetClass = "pothole"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RunService{
		repo:    repo,
		loader:  loader,
		sources: sources,
		logger:  logger,
		opts:    opts,
		calc:    geo.NewCalculator(),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*activeRun),
		byVideo: make(map[string]string),
	}
}

// SetPublisher подключает внешний получатель событий
func (s *RunService) SetPublisher(p Publisher) {
	s.publisher = p
}

// StartRun создает запуск и запускает конвейер по видео
func (s *RunService) StartRun(ctx context.Context, req StartRunRequest) (*RunResponse, error) {
	if req.VideoPath == "" {
		return nil, fmt.Errorf("%w: video_path is required", ErrInvalidRequest)
	}
	target := req.TargetClass
	if target == "" {
		target = s.opts.TargetClass
	}
	if s.opts.Manifest != nil && !s.opts.Manifest.HasClass(target) {
		return nil, fmt.Errorf("%w: %q is not in the detector classes %v", dataset.ErrUnknownClass, target, []string(s.opts.Manifest.Names))
	}
	throttle := s.opts.SnapshotThrottle
	if req.SnapshotThrottleMs != nil {
		if *req.SnapshotThrottleMs < 0 {
			return nil, fmt.Errorf("%w: snapshot_throttle_ms must not be negative", ErrInvalidRequest)
		}
		throttle = time.Duration(*req.SnapshotThrottleMs) * time.Millisecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("service is shutting down")
	}
	if id, ok := s.byVideo[req.VideoPath]; ok {
		return nil, fmt.Errorf("%w: run %s is processing %s", ErrRunInProgress, id, req.VideoPath)
	}

	run := &model.Run{
		ID:                 uuid.New().String(),
		VideoPath:          req.VideoPath,
		TargetClass:        target,
		SnapshotThrottleMs: int(throttle / time.Millisecond),
		TimestampOnly:      throttle <= 0,
		State:              model.RunStateRunning,
		StartedAt:          time.Now(),
	}
	if req.Route != nil {
		run.HasRoute = true
		run.StartLat, run.StartLon = req.Route.Start.Lat, req.Route.Start.Lon
		run.EndLat, run.EndLon = req.Route.End.Lat, req.Route.End.Lon
	}
	if err := s.repo.Create(run); err != nil {
		s.logger.Errorf("Ошибка сохранения запуска в БД: %v", err)
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	log := s.logger.WithField("run_id", run.ID)
	h := pipeline.Start(s.ctx, s.sources(req.VideoPath), s.loader, pipeline.Config{
		TargetClass:      target,
		SnapshotThrottle: throttle,
		DisplayWidth:     s.opts.DisplayWidth,
		DisplayHeight:    s.opts.DisplayHeight,
		ArtifactPath:     s.opts.ArtifactPath,
		QueueSize:        s.opts.QueueSize,
		Logger:           log,
	})

	ar := newActiveRun(run.ID, run.VideoPath, h)
	s.active[run.ID] = ar
	s.byVideo[run.VideoPath] = run.ID
	s.wg.Add(1)
	go s.consume(ar, run, log)

	log.Infof("Запуск создан для %s, класс %q, интервал снимков %v", run.VideoPath, target, throttle)
	return s.modelToResponse(run), nil
}

// consume читает события конвейера до терминального
func (s *RunService) consume(ar *activeRun, run *model.Run, log logrus.FieldLogger) {
	defer s.wg.Done()

	var snapshots []time.Duration
	var terminal pipeline.Event
	for ev := range ar.handle.Events() {
		switch e := ev.(type) {
		case pipeline.FrameUpdate:
			img := e.Display
			if img == nil {
				img = e.Frame.Image
			}
			ar.setLatestFrame(img)
			s.emit(ar, EventMessage{Type: MessageFrame, Index: e.Frame.Index, TimestampMs: e.Frame.Timestamp.Milliseconds()})
		case pipeline.StatusChange:
			msg := EventMessage{
				Type:        MessageStatus,
				Index:       e.Index,
				TimestampMs: e.Timestamp.Milliseconds(),
				Seconds:     seconds(e.Timestamp),
				Label:       e.Label,
				Severity:    e.Severity.String(),
			}
			ar.recordStatus(msg, e.Severity == pipeline.SeverityAlert, e.Timestamp)
			s.emit(ar, msg)
		case pipeline.Snapshot:
			msg := EventMessage{
				Type:        MessageSnapshot,
				TimestampMs: e.Timestamp.Milliseconds(),
				Seconds:     seconds(e.Timestamp),
				Detections:  detectionsToResponse(e.Detections),
			}
			url, err := s.persistSnapshot(run.ID, e)
			if err != nil {
				log.WithError(err).Error("Не удалось сохранить снимок")
			} else {
				msg.SnapshotURL = url
			}
			snapshots = append(snapshots, e.Timestamp)
			s.emit(ar, msg)
		default:
			if pipeline.IsTerminal(ev) {
				terminal = ev
			}
		}
	}

	msg := s.finish(ar, run, terminal, snapshots, log)
	msg.RunID = ar.id

	// Итог уже в базе: новые подписчики получат его оттуда
	s.mu.Lock()
	delete(s.active, ar.id)
	delete(s.byVideo, ar.videoPath)
	s.mu.Unlock()

	s.publish(msg)
	ar.closeWith(msg, s.opts.SubscriberTimeout)
}

// finish сохраняет итог запуска и строит терминальное сообщение
func (s *RunService) finish(ar *activeRun, run *model.Run, terminal pipeline.Event, snapshots []time.Duration, log logrus.FieldLogger) EventMessage {
	frames, alertFrames, lastTs := ar.counters()
	now := time.Now()
	run.FramesProcessed = frames
	run.AlertFrames = alertFrames
	run.DroppedFrames = int64(ar.handle.Dropped())
	run.DurationMs = lastTs.Milliseconds()
	run.FinishedAt = &now

	msg := EventMessage{TimestampMs: lastTs.Milliseconds()}
	var alerts []model.Alert
	switch e := terminal.(type) {
	case pipeline.Completed:
		run.State = model.RunStateCompleted
		msg.Type = MessageCompleted
		msg.TimestampOnly = e.TimestampOnly
		if e.TimestampOnly {
			msg.Summary = pipeline.FormatSeconds(e.Summary)
			alerts = s.buildAlerts(run, model.AlertKindTimestamp, e.Summary, lastTs)
		} else {
			alerts = s.buildAlerts(run, model.AlertKindSnapshot, snapshots, lastTs)
		}
	case pipeline.Failed:
		run.State = model.RunStateFailed
		run.FailureReason = e.Reason
		msg.Type = MessageFailed
		msg.Reason = e.Reason
		if e.Err != nil {
			msg.Error = e.Err.Error()
		}
		alerts = s.buildAlerts(run, model.AlertKindSnapshot, snapshots, lastTs)
	case pipeline.Cancelled:
		run.State = model.RunStateCancelled
		msg.Type = MessageCancelled
		alerts = s.buildAlerts(run, model.AlertKindSnapshot, snapshots, lastTs)
	default:
		// Канал событий закрывается без терминального события только при Detach
		run.State = model.RunStateFailed
		run.FailureReason = "event stream interrupted"
		msg.Type = MessageFailed
		msg.Reason = run.FailureReason
	}

	if err := s.repo.Finish(run, alerts); err != nil {
		log.WithError(err).Error("Не удалось сохранить итог запуска")
	}
	log.Infof("Запуск завершен: %s, кадров %d, тревог %d, снимков %d", run.State, frames, alertFrames, len(snapshots))
	return msg
}

// buildAlerts строит тревоги; при заданном маршруте координата берется пропорционально времени
func (s *RunService) buildAlerts(run *model.Run, kind string, timestamps []time.Duration, duration time.Duration) []model.Alert {
	alerts := make([]model.Alert, 0, len(timestamps))
	for _, ts := range timestamps {
		alert := model.Alert{
			RunID:       run.ID,
			Kind:        kind,
			TimestampMs: ts.Milliseconds(),
			Label:       seconds(ts),
		}
		if run.HasRoute {
			ratio := 0.0
			if duration > 0 {
				ratio = float64(ts) / float64(duration)
			}
			p := s.calc.PointAt(
				models.Coordinates{Lat: run.StartLat, Lon: run.StartLon},
				models.Coordinates{Lat: run.EndLat, Lon: run.EndLon},
				ratio,
			)
			alert.HasLocation = true
			alert.Lat, alert.Lon = p.Lat, p.Lon
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

// emit рассылает сообщение подписчикам и, кроме кадров, во внешний брокер
func (s *RunService) emit(ar *activeRun, msg EventMessage) {
	msg.RunID = ar.id
	ar.broadcast(msg, s.opts.SubscriberTimeout)
	if msg.Type != MessageFrame {
		s.publish(msg)
	}
}

func (s *RunService) publish(msg EventMessage) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.WithError(err).Warn("Не удалось сериализовать событие")
		return
	}
	if err := s.publisher.Publish(fmt.Sprintf("runs/%s/%s", msg.RunID, msg.Type), payload); err != nil {
		s.logger.WithError(err).Debug("Не удалось опубликовать событие")
	}
}

// Subscribe подписывает на события запуска. Для завершенного запуска канал содержит
// одно итоговое сообщение. Канал закрывается после терминального сообщения.
func (s *RunService) Subscribe(runID string) (<-chan EventMessage, func(), error) {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		if sub, unsubscribe, ok := ar.subscribe(s.opts.SubscriberBuffer); ok {
			return sub.ch, unsubscribe, nil
		}
	}

	run, err := s.getRun(runID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan EventMessage, 1)
	ch <- finalMessage(run)
	close(ch)
	return ch, func() {}, nil
}

// CancelRun запрашивает остановку запуска
func (s *RunService) CancelRun(runID string) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		ar.handle.Cancel()
		s.logger.WithField("run_id", runID).Info("Запрошена остановка запуска")
		return nil
	}
	if _, err := s.getRun(runID); err != nil {
		return err
	}
	return ErrRunFinished
}

// GetRun получает запуск по ID; для активного запуска счетчики берутся из памяти
func (s *RunService) GetRun(runID string) (*RunResponse, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}
	resp := s.modelToResponse(run)

	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		frames, alerts, last := ar.counters()
		resp.FramesProcessed = frames
		resp.AlertFrames = alerts
		resp.DurationMs = last.Milliseconds()
		resp.DroppedFrames = int64(ar.handle.Dropped())
	}
	return resp, nil
}

// ListRuns получает список запусков с пагинацией
func (s *RunService) ListRuns(page, pageSize int) (*ListRunsResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	runs, total, err := s.repo.List(page, pageSize)
	if err != nil {
		s.logger.Errorf("Ошибка получения списка запусков: %v", err)
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	responses := make([]RunResponse, len(runs))
	for i, run := range runs {
		responses[i] = *s.modelToResponse(run)
	}
	return &ListRunsResponse{Runs: responses, Total: total, Page: page, Size: pageSize}, nil
}

// DeleteRun удаляет завершенный запуск и его снимки
func (s *RunService) DeleteRun(runID string) error {
	s.mu.Lock()
	_, active := s.active[runID]
	s.mu.Unlock()
	if active {
		return fmt.Errorf("%w: cancel run %s first", ErrRunInProgress, runID)
	}

	if err := s.repo.Delete(runID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to delete run from database: %w", err)
	}
	s.removeSnapshots(runID)
	s.logger.WithField("run_id", runID).Info("Запуск удален")
	return nil
}

// LatestFrame последний кадр активного запуска в JPEG
func (s *RunService) LatestFrame(runID string) ([]byte, error) {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		if _, err := s.getRun(runID); err != nil {
			return nil, err
		}
		return nil, ErrRunFinished
	}
	img := ar.latest()
	if img == nil {
		return nil, ErrNoFrame
	}
	return annotate.EncodeJPEG(img, frameJPEGQuality)
}

// AlertsByArea получает геопривязанные тревоги в прямоугольнике
func (s *RunService) AlertsByArea(northEast, southWest models.Coordinates) (*AlertsByAreaResponse, error) {
	alerts, err := s.repo.GetAlertsByArea(
		repository.Coordinates{Lat: northEast.Lat, Lon: northEast.Lon},
		repository.Coordinates{Lat: southWest.Lat, Lon: southWest.Lon},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get alerts by area: %w", err)
	}
	resp := &AlertsByAreaResponse{Alerts: make([]AlertResponse, 0, len(alerts)), Total: len(alerts)}
	for _, a := range alerts {
		resp.Alerts = append(resp.Alerts, alertToResponse(*a))
	}
	return resp, nil
}

// ActiveRuns количество выполняющихся запусков
func (s *RunService) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown останавливает все запуски и ждет сохранения их итогов
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, ar := range s.active {
		ar.handle.Cancel()
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs did not stop: %w", ctx.Err())
	}
}

func (s *RunService) getRun(runID string) (*model.Run, error) {
	run, err := s.repo.GetByID(runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func seconds(ts time.Duration) string {
	return pipeline.FormatSeconds([]time.Duration{ts})[0]
}
