package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"pothole-detector-go/internal/annotate"
)

// Причины в событии Failed
const (
	ReasonArtifactUnavailable = "artifact unavailable"
	ReasonVideoUnavailable    = "video unavailable"
	ReasonInferenceFailed     = "inference failed"
)

// StatusScanning статус кадра без тревоги
const StatusScanning = "Scanning"

// Handle управляет одним запуском конвейера
type Handle struct {
	cfg    Config
	queue  *eventQueue
	events chan Event

	cancelled atomic.Bool
	state     atomic.Int32

	done       chan struct{}
	detached   chan struct{}
	detachOnce sync.Once
}

// Start запускает воркер. Источник и детектор принадлежат конвейеру до конца запуска
// и закрываются ровно один раз на любом пути выхода. Потребитель должен читать Events()
// до закрытия канала или вызвать Detach.
func Start(ctx context.Context, src FrameSource, loader DetectorLoader, cfg Config) *Handle {
	cfg = cfg.withDefaults()
	h := &Handle{
		cfg:      cfg,
		queue:    newEventQueue(cfg.QueueSize),
		events:   make(chan Event),
		done:     make(chan struct{}),
		detached: make(chan struct{}),
	}
	h.state.Store(int32(StateRunning))

	go h.run(ctx, src, loader)
	go h.pump()
	return h
}

// Events поток событий в порядке их появления
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Cancel запрашивает остановку. Флаг проверяется перед каждым кадром,
// обрабатываемый кадр всегда доводится до конца.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Detach отключает потребителя: события больше не доставляются, воркер дорабатывает сам
func (h *Handle) Detach() {
	h.detachOnce.Do(func() { close(h.detached) })
}

// State текущее состояние запуска
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done закрывается после освобождения ресурсов и отправки терминального события
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Dropped количество кадров FrameUpdate, выброшенных из-за медленного потребителя
func (h *Handle) Dropped() uint64 {
	return h.queue.dropped.Load()
}

func (h *Handle) pump() {
	defer close(h.events)
	for {
		ev, ok := h.queue.pop(h.detached)
		if !ok {
			return
		}
		select {
		case h.events <- ev:
		case <-h.detached:
			return
		}
		if IsTerminal(ev) {
			return
		}
	}
}

func (h *Handle) run(ctx context.Context, src FrameSource, loader DetectorLoader) {
	defer close(h.done)
	log := h.cfg.Logger

	var det Detector
	released, finished := false, false
	release := func() {
		if !released {
			released = true
			h.release(src, det)
		}
	}
	finish := func(state State, ev Event) {
		finished = true
		h.finish(state, ev)
	}
	// Паника детектора или источника завершает запуск событием Failed
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Errorf("Паника в воркере конвейера: %v", r)
		release()
		if !finished {
			finish(StateFailed, Failed{Reason: ReasonInferenceFailed, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	det, err := loader.Load(ctx, h.cfg.ArtifactPath)
	if err == nil && det == nil {
		err = ErrArtifactUnavailable
	}
	if err != nil {
		log.WithError(err).Errorf("Не удалось загрузить детектор %s", h.cfg.ArtifactPath)
		det = nil
		release()
		finish(StateFailed, Failed{Reason: ReasonArtifactUnavailable, Err: err})
		return
	}

	if s, ok := src.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			log.WithError(err).Error("Не удалось открыть источник кадров")
			release()
			finish(StateFailed, Failed{Reason: ReasonVideoUnavailable, Err: err})
			return
		}
	}

	log.Infof("Конвейер запущен: класс %q, интервал снимков %v", h.cfg.TargetClass, h.cfg.SnapshotThrottle)

	w := newWorker(h.cfg, h.queue)
	state, terminal := w.loop(ctx, h, src, det)

	release()
	log.Infof("Конвейер завершен: %s, кадров %d, тревог %d", state, w.frames, w.alerts)
	finish(state, terminal)
}

// release закрывает источник и детектор; паника в Close не выходит за пределы воркера
func (h *Handle) release(src FrameSource, det Detector) {
	var err error
	closeSafely := func(c io.Closer) {
		defer func() {
			if r := recover(); r != nil {
				err = multierr.Append(err, fmt.Errorf("panic on close: %v", r))
			}
		}()
		err = multierr.Append(err, c.Close())
	}
	closeSafely(src)
	if det != nil {
		closeSafely(det)
	}
	if err != nil {
		h.cfg.Logger.WithError(err).Warn("Ошибка освобождения ресурсов конвейера")
	}
}

func (h *Handle) finish(state State, ev Event) {
	h.state.Store(int32(state))
	h.queue.push(ev)
}

// worker состояние одного запуска; используется только горутиной воркера
type worker struct {
	cfg        Config
	queue      *eventQueue
	throttle   *Throttle
	dedup      *Dedup
	alertLabel string
	frames     int
	alerts     int
}

func newWorker(cfg Config, q *eventQueue) *worker {
	return &worker{
		cfg:        cfg,
		queue:      q,
		throttle:   NewThrottle(cfg.SnapshotThrottle),
		dedup:      NewDedup(),
		alertLabel: AlertLabel(cfg.TargetClass),
	}
}

// AlertLabel статус кадра с тревогой, например "Pothole Detected"
func AlertLabel(target string) string {
	return cases.Title(language.English).String(target) + " Detected"
}

func (w *worker) loop(ctx context.Context, h *Handle, src FrameSource, det Detector) (State, Event) {
	log := w.cfg.Logger
	for {
		if h.cancelled.Load() || ctx.Err() != nil {
			return StateCancelled, Cancelled{}
		}

		frame, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return StateCancelled, Cancelled{}
			}
			// Ошибка декодирования посреди потока считается концом потока
			log.WithError(err).Warnf("Ошибка чтения кадра после %d кадров, поток завершен", w.frames)
			break
		}

		detections, err := det.Infer(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return StateCancelled, Cancelled{}
			}
			log.WithError(err).Errorf("Ошибка инференса на кадре %d", frame.Index)
			return StateFailed, Failed{Reason: ReasonInferenceFailed, Err: err}
		}

		w.step(frame, detections)
	}

	if w.cfg.TimestampOnly() {
		return StateCompleted, Completed{Summary: w.dedup.Values(), TimestampOnly: true}
	}
	return StateCompleted, Completed{}
}

func (w *worker) step(frame *Frame, detections []Detection) {
	w.frames++

	var targets []Detection
	for _, d := range detections {
		if d.ClassName == w.cfg.TargetClass {
			targets = append(targets, d)
		}
	}
	alert := len(targets) > 0

	status := StatusChange{Label: StatusScanning, Severity: SeverityNeutral, Timestamp: frame.Timestamp, Index: frame.Index}
	if alert {
		w.alerts++
		status.Label = w.alertLabel
		status.Severity = SeverityAlert
	}
	w.queue.push(status)

	if alert {
		if w.cfg.TimestampOnly() {
			w.dedup.Add(frame.Timestamp)
		} else if w.throttle.Admit(frame.Timestamp, true) {
			snap := Snapshot{Timestamp: frame.Timestamp, Detections: targets}
			if frame.Image != nil {
				snap.Image = annotate.Draw(frame.Image, w.marks(targets))
			}
			w.queue.push(snap)
		}
	}

	update := FrameUpdate{Frame: frame}
	if frame.Image != nil && (w.cfg.DisplayWidth > 0 || w.cfg.DisplayHeight > 0) {
		update.Display = annotate.Resize(frame.Image, w.cfg.DisplayWidth, w.cfg.DisplayHeight)
	}
	w.queue.push(update)
}

func (w *worker) marks(targets []Detection) []annotate.Mark {
	name := cases.Title(language.English).String(w.cfg.TargetClass)
	marks := make([]annotate.Mark, 0, len(targets))
	for _, d := range targets {
		marks = append(marks, annotate.Mark{Rect: d.Box.Rect(), Label: annotate.Label(name, d.Confidence)})
	}
	return marks
}
