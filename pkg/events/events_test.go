package events

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f fakeClock) Now() time.Time { return f.t }

func TestPublishStampsTimeAndDelivers(t *testing.T) {
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBus(fakeClock{t: want})
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Kind: TaskStarted, TaskID: "blob-1"})

	select {
	case e := <-ch:
		if e.TaskID != "blob-1" {
			t.Errorf("task id = %q", e.TaskID)
		}
		if !e.Time.Equal(want) {
			t.Errorf("time = %v, want %v", e.Time, want)
		}
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestPublishDropsOldestWhenSubscriberFull(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: TaskStarted, TaskID: "first"})
	b.Publish(Event{Kind: TaskStarted, TaskID: "second"})

	got := <-ch
	if got.TaskID != "second" {
		t.Errorf("expected slow subscriber to see the newest event, got %q", got.TaskID)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(1)
	unsub()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := NewBus(nil)
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Kind: PipelineCompleted, Completed: 3})

	e1 := <-ch1
	e2 := <-ch2
	if e1.Completed != 3 || e2.Completed != 3 {
		t.Fatalf("expected both subscribers to see the event")
	}
}
