// Package progress is the only consumer of pkg/events that renders
// anything for a human to look at. The transfer engine itself never
// formats output (spec.md §4.I); this package subscribes to an events.Bus
// and drives a github.com/jedib0t/go-pretty/v6/progress writer, gated on
// stderr being a terminal.
package progress

import (
	"os"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"golang.org/x/term"

	"github.com/yorelog/docker-image-pusher/pkg/events"
)

var noProgressEnvVars = []string{"NO_PROGRESS", "NO_INTERACTIVE", "NO_COLOR"}

var wantProgressBar = sync.OnceValue(func() bool {
	for _, envVar := range noProgressEnvVars {
		if _, ok := os.LookupEnv(envVar); ok {
			return false
		}
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
})

// Renderer subscribes to an events.Bus and renders one tracker per task
// digest/id. PipelineCompleted events are not rendered.
type Renderer struct {
	bus  *events.Bus
	pw   progress.Writer
	ch   <-chan events.Event
	stop func()
	done chan struct{}
}

// NewRenderer returns a Renderer for bus. If stderr is not a terminal (or
// one of the NO_PROGRESS/NO_INTERACTIVE/NO_COLOR env vars is set), the
// renderer's Start is a no-op: events are drained and discarded so the
// producer never blocks, but nothing is drawn.
func NewRenderer(bus *events.Bus) *Renderer {
	return &Renderer{bus: bus}
}

// Start begins rendering in a background goroutine and returns a Stop
// function the caller must call when the operation finishes.
func (r *Renderer) Start() func() {
	ch, unsub := r.bus.Subscribe(256)
	r.ch = ch
	r.stop = unsub
	r.done = make(chan struct{})

	if !wantProgressBar() {
		go r.drain()
		return r.stopFunc()
	}

	pw := progress.NewWriter()
	pw.SetAutoStop(false)
	style := progress.StyleDefault
	style.Visibility.Time = false
	style.Visibility.Percentage = true
	style.Visibility.Speed = true
	style.Visibility.Tracker = true
	style.Visibility.Value = true
	pw.SetStyle(style)
	pw.SetTrackerLength(50)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetOutputWriter(os.Stderr)
	r.pw = pw

	go pw.Render()
	go r.render()
	return r.stopFunc()
}

func (r *Renderer) stopFunc() func() {
	return func() {
		r.stop()
		<-r.done
		if r.pw != nil {
			r.pw.Stop()
			time.Sleep(110 * time.Millisecond)
		}
	}
}

// drain consumes events without rendering, used when progress bars are
// disabled so the bus's fan-out never blocks waiting on this subscriber.
func (r *Renderer) drain() {
	defer close(r.done)
	for range r.ch {
	}
}

func (r *Renderer) render() {
	defer close(r.done)
	trackers := make(map[string]*progress.Tracker)

	for e := range r.ch {
		switch e.Kind {
		case events.TaskStarted:
			t := &progress.Tracker{Message: trackerLabel(e), Units: progress.UnitsBytes}
			trackers[e.TaskID] = t
			r.pw.AppendTracker(t)
		case events.TaskProgress:
			if t, ok := trackers[e.TaskID]; ok {
				t.UpdateTotal(e.BytesTotal)
				t.SetValue(e.BytesDone)
			}
		case events.TaskCompleted:
			if t, ok := trackers[e.TaskID]; ok {
				t.MarkAsDone()
			}
		case events.TaskFailed:
			if t, ok := trackers[e.TaskID]; ok {
				t.MarkAsErrored()
			}
		case events.PipelineCompleted:
			// Nothing further to render; the caller's Stop() tears down
			// the writer after this event has been observed.
		}
	}
}

func trackerLabel(e events.Event) string {
	if e.Digest != "" {
		return e.Digest.String()
	}
	return e.TaskID
}
