package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"facewatch/internal/metrics"
)

// Decision is the outcome of a rate-limit check.
type Decision int

const (
	Deliver Decision = iota
	Suppress
)

func (d Decision) String() string {
	if d == Deliver {
		return "deliver"
	}
	return "suppress"
}

// Notification is one rendered-and-dispatched detection event.
type Notification struct {
	Name      string
	Timestamp time.Time
	ImagePath string
	ImageURL  string
	Forced    bool
}

// EventRecorder persists the durable record of a notification. The event log
// write happens on every delivered or forced notification, independent of
// sink delivery success.
type EventRecorder interface {
	Record(name string, ts time.Time, imagePath string) error
}

// record is the per-label rate-limiter state. The label space is bounded by
// the number of enrolled persons plus the Unknown sentinel, so entries are
// never evicted.
type record struct {
	lastSentAt time.Time
	suppressed int
}

// Dispatcher deduplicates and rate-limits notifications per label and fans
// delivered ones out to the configured sinks. Each sink call runs in its own
// short-lived goroutine with its own timeout; a slow or failing sink can
// neither block the recognition loop nor the other sinks.
type Dispatcher struct {
	mu      sync.Mutex
	records map[string]*record

	recorder    EventRecorder
	onLogError  func(error)
	sendTimeout time.Duration
	wg          sync.WaitGroup

	now func() time.Time
}

// NewDispatcher creates a dispatcher. onLogError is invoked when the event
// log append fails (degraded mode); it may be nil.
func NewDispatcher(recorder EventRecorder, onLogError func(error)) *Dispatcher {
	return &Dispatcher{
		records:     make(map[string]*record),
		recorder:    recorder,
		onLogError:  onLogError,
		sendTimeout: 5 * time.Second,
		now:         time.Now,
	}
}

// Consider runs the rate-limit check for label. force bypasses the limiter
// (forced-notification guarantee) but still updates the record so a forced
// delivery counts against subsequent ordinary ones.
func (d *Dispatcher) Consider(label string, window time.Duration, force bool) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	rec, ok := d.records[label]
	if !ok {
		rec = &record{}
		d.records[label] = rec
	}

	if !force && !rec.lastSentAt.IsZero() && now.Sub(rec.lastSentAt) < window {
		rec.suppressed++
		metrics.NotificationsSuppressed.Inc()
		log.Printf("[Notify] suppressed %q (%d since last delivery)", label, rec.suppressed)
		return Suppress
	}

	rec.lastSentAt = now
	rec.suppressed = 0
	return Deliver
}

// Deliver writes the event-log entry and sends the notification to every
// sink. Must only be called after Consider returned Deliver (or for forced
// notifications). The event-log write happens first and unconditionally.
func (d *Dispatcher) Deliver(n Notification, sinks []Sink) {
	if d.recorder != nil {
		if err := d.recorder.Record(n.Name, n.Timestamp, n.ImagePath); err != nil {
			metrics.EventLogErrors.Inc()
			log.Printf("[Notify] event log append failed: %v", err)
			if d.onLogError != nil {
				d.onLogError(err)
			}
		}
	}

	d.send(n, sinks)
	metrics.NotificationsDelivered.Inc()
	log.Printf("[Notify] delivered %q to %d sink(s)", n.Name, len(sinks))
}

// SendNameOnly pushes a bare name to the given sinks without touching the
// rate limiter or the event log. Used to reset downstream text displays when
// a manual window opens.
func (d *Dispatcher) SendNameOnly(name string, sinks []Sink) {
	d.send(Notification{Name: name, Timestamp: d.now()}, sinks)
}

func (d *Dispatcher) send(n Notification, sinks []Sink) {
	for _, s := range sinks {
		s := s
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
			defer cancel()
			if err := s.Send(ctx, n); err != nil {
				// Best-effort at-most-once contract: log and drop, never retry.
				metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
				log.Printf("[Notify] sink %s failed: %v", s.Name(), err)
			}
		}()
	}
}

// Suppressed returns the suppression count accumulated since the last
// delivery for label.
func (d *Dispatcher) Suppressed(label string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[label]; ok {
		return rec.suppressed
	}
	return 0
}

// Drain waits for outstanding sink tasks, bounded by timeout. Each task is
// already bounded by its own send timeout, so Drain returns promptly.
func (d *Dispatcher) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("[Notify] drain timed out with sink tasks outstanding")
	}
}
