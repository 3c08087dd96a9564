package pipeline

import (
	"sync"

	"go.uber.org/atomic"
)

// eventQueue ограниченная очередь между воркером и потребителем.
// push никогда не блокирует. При переполнении выбрасывается самый старый FrameUpdate;
// остальные события не выбрасываются никогда, и очередь растет сверх емкости.
// После терминального события push игнорирует все последующие.
type eventQueue struct {
	mu       sync.Mutex
	items    []Event
	capacity int
	closed   bool
	signal   chan struct{}
	dropped  atomic.Uint64
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &eventQueue{
		items:    make([]Event, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.items) >= q.capacity && !q.dropOldestFrame() {
		// В очереди только важные события: новый кадр и есть самый старый FrameUpdate
		if ev.Kind() == KindFrameUpdate {
			q.dropped.Inc()
			q.mu.Unlock()
			return false
		}
	}

	q.items = append(q.items, ev)
	if IsTerminal(ev) {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// dropOldestFrame вызывается под q.mu
func (q *eventQueue) dropOldestFrame() bool {
	for i, ev := range q.items {
		if ev.Kind() != KindFrameUpdate {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
		q.dropped.Inc()
		return true
	}
	return false
}

// pop блокируется до появления события или закрытия abort
func (q *eventQueue) pop(abort <-chan struct{}) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-abort:
			return nil, false
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
