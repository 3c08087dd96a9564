package pipeline

import (
	"testing"

	"go.viam.com/test"
)

func drain(q *eventQueue) []Event {
	var out []Event
	abort := make(chan struct{})
	close(abort)
	for q.len() > 0 {
		ev, ok := q.pop(abort)
		if !ok {
			break
		}
		out = append(out, ev)
	}
	return out
}

func TestEventQueueDropsOldestFrame(t *testing.T) {
	q := newEventQueue(3)
	q.push(FrameUpdate{Frame: &Frame{Index: 0}})
	q.push(StatusChange{Index: 1})
	q.push(FrameUpdate{Frame: &Frame{Index: 1}})
	q.push(FrameUpdate{Frame: &Frame{Index: 2}})

	test.That(t, q.dropped.Load(), test.ShouldEqual, uint64(1))
	events := drain(q)
	test.That(t, events, test.ShouldHaveLength, 3)
	test.That(t, events[0].Kind(), test.ShouldEqual, KindStatusChange)
	test.That(t, events[1].(FrameUpdate).Frame.Index, test.ShouldEqual, 1)
	test.That(t, events[2].(FrameUpdate).Frame.Index, test.ShouldEqual, 2)
}

func TestEventQueueNeverDropsCriticalEvents(t *testing.T) {
	q := newEventQueue(2)
	q.push(StatusChange{Index: 0})
	q.push(Snapshot{})
	q.push(StatusChange{Index: 1})
	q.push(FrameUpdate{Frame: &Frame{Index: 1}})
	q.push(Completed{})

	test.That(t, q.dropped.Load(), test.ShouldEqual, uint64(1))
	events := drain(q)
	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind())
	}
	test.That(t, kinds, test.ShouldResemble, []EventKind{KindStatusChange, KindSnapshot, KindStatusChange, KindCompleted})
}

func TestEventQueueClosedAfterTerminal(t *testing.T) {
	q := newEventQueue(4)
	test.That(t, q.push(Cancelled{}), test.ShouldBeTrue)
	test.That(t, q.push(StatusChange{}), test.ShouldBeFalse)
	test.That(t, q.push(Completed{}), test.ShouldBeFalse)

	events := drain(q)
	test.That(t, events, test.ShouldHaveLength, 1)
	test.That(t, events[0].Kind(), test.ShouldEqual, KindCancelled)
}

func TestEventQueuePopAbort(t *testing.T) {
	q := newEventQueue(1)
	abort := make(chan struct{})
	close(abort)
	_, ok := q.pop(abort)
	test.That(t, ok, test.ShouldBeFalse)
}
