package service

import (
	"image"
	"sync"
	"time"

	"pothole-detector-go/internal/pipeline"
)

// subscriber получатель сообщений одного запуска
type subscriber struct {
	ch       chan EventMessage
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscriber) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// activeRun состояние выполняющегося запуска в памяти
type activeRun struct {
	id        string
	videoPath string
	handle    *pipeline.Handle

	mu          sync.Mutex
	subs        map[int]*subscriber
	nextSub     int
	closed      bool
	lastStatus  *EventMessage
	latestFrame image.Image
	frames      int
	alertFrames int
	lastTs      time.Duration
}

func newActiveRun(id, videoPath string, h *pipeline.Handle) *activeRun {
	return &activeRun{id: id, videoPath: videoPath, handle: h, subs: make(map[int]*subscriber)}
}

// subscribe регистрирует подписчика; новый подписчик сразу получает последний статус
func (a *activeRun) subscribe(buffer int) (*subscriber, func(), bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, false
	}
	sub := &subscriber{ch: make(chan EventMessage, buffer), done: make(chan struct{})}
	if a.lastStatus != nil {
		sub.ch <- *a.lastStatus
	}
	id := a.nextSub
	a.nextSub++
	a.subs[id] = sub

	unsubscribe := func() {
		sub.stop()
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
	return sub, unsubscribe, true
}

// broadcast рассылает сообщение. Кадры медленным подписчикам не доставляются,
// остальные сообщения ждут подписчика не дольше timeout, после чего он отключается.
func (a *activeRun) broadcast(msg EventMessage, timeout time.Duration) {
	a.mu.Lock()
	subs := make(map[int]*subscriber, len(a.subs))
	for id, s := range a.subs {
		subs[id] = s
	}
	a.mu.Unlock()

	for id, s := range subs {
		if msg.Type == MessageFrame {
			select {
			case s.ch <- msg:
			default:
			}
			continue
		}
		if !deliver(s, msg, timeout) {
			s.stop()
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			// Канал закрывается здесь, так как consumer больше не пишет в этого подписчика
			close(s.ch)
		}
	}
}

func deliver(s *subscriber, msg EventMessage, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- msg:
		return true
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// closeWith доставляет терминальное сообщение и закрывает каналы всех подписчиков.
// После этого новые подписчики не регистрируются.
func (a *activeRun) closeWith(msg EventMessage, timeout time.Duration) {
	a.mu.Lock()
	a.closed = true
	subs := a.subs
	a.subs = make(map[int]*subscriber)
	a.mu.Unlock()

	for _, s := range subs {
		deliver(s, msg, timeout)
		close(s.ch)
	}
}

func (a *activeRun) recordStatus(msg EventMessage, alert bool, ts time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastStatus = &msg
	a.frames++
	if alert {
		a.alertFrames++
	}
	a.lastTs = ts
}

func (a *activeRun) setLatestFrame(img image.Image) {
	a.mu.Lock()
	a.latestFrame = img
	a.mu.Unlock()
}

func (a *activeRun) latest() image.Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latestFrame
}

func (a *activeRun) counters() (frames, alerts int, last time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames, a.alertFrames, a.lastTs
}
