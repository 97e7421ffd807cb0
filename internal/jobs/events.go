package jobs

import (
	"log/slog"
	"time"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// EventType names a job lifecycle event.
type EventType string

const (
	EventJobStarted   EventType = "job.started"
	EventJobStatus    EventType = "job.status"
	EventScannerDone  EventType = "scanner.done"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
)

// Event is published on every state change of a job. Job is a snapshot taken
// when the event was raised.
type Event struct {
	Type    EventType             `json:"type"`
	Job     models.ScanJob        `json:"job"`
	Scanner models.ScannerKind    `json:"scanner,omitempty"`
	Result  *models.ScannerResult `json:"result,omitempty"`
	At      time.Time             `json:"at"`
}

// Listener receives job events. Listeners run on a single dispatch goroutine
// and must not block for long.
type Listener func(Event)

const (
	eventBuffer = 256
	// terminalEventWait bounds how long a completed or failed event waits
	// for buffer space before it is dropped.
	terminalEventWait = 5 * time.Second
)

// Subscribe registers l for every future event.
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// publish queues evt. Progress events are dropped when the buffer is full;
// terminal events wait up to terminalEventWait for room so listeners that
// count outcomes do not miss them.
func (r *Registry) publish(evt Event) {
	evt.At = r.opts.Now()
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.eventsClosed {
		return
	}
	select {
	case r.events <- evt:
		return
	default:
	}
	if evt.Type.Terminal() {
		t := time.NewTimer(terminalEventWait)
		defer t.Stop()
		select {
		case r.events <- evt:
			return
		case <-t.C:
		}
	}
	slog.Warn("jobs: event buffer full; dropping event", "type", evt.Type, "job_id", evt.Job.ID)
}

// Terminal reports whether t ends a job.
func (t EventType) Terminal() bool {
	return t == EventJobCompleted || t == EventJobFailed
}

func (r *Registry) dispatch() {
	defer close(r.dispatchDone)
	for evt := range r.events {
		r.listenersMu.RLock()
		ls := append([]Listener(nil), r.listeners...)
		r.listenersMu.RUnlock()
		for _, l := range ls {
			callListener(l, evt)
		}
	}
}

func callListener(l Listener, evt Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("jobs: listener panicked", "type", evt.Type, "panic", p)
		}
	}()
	l(evt)
}
