package progress

import (
	"testing"
	"time"

	"github.com/yorelog/docker-image-pusher/pkg/events"
)

// Tests run with no TTY attached to stderr, so Renderer always takes the
// drain path; this exercises that the bus never blocks with a renderer
// subscribed and that Stop returns once the subscriber channel is closed.
func TestRendererDrainsWithoutBlockingProducer(t *testing.T) {
	bus := events.NewBus(nil)
	r := NewRenderer(bus)
	stop := r.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(events.Event{Kind: events.TaskStarted, TaskID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publishing blocked with a renderer subscribed")
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return in time")
	}
}
