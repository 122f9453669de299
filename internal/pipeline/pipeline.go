package pipeline

import (
	"context"
	"fmt"
	"image/color"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"facewatch/internal/annotate"
	"facewatch/internal/config"
	"facewatch/internal/metrics"
	"facewatch/internal/notify"
)

// FrameSource yields frames from a camera. Next blocks until a frame is
// available and returns an error when the source fails terminally.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close()
}

// Recognizer runs face recognition on one frame.
type Recognizer interface {
	Recognize(ctx context.Context, frame Frame) ([]Detection, error)
}

// SourceFactory opens a frame source for the given configuration. The
// pipeline calls it again, with backoff, whenever the current source dies.
type SourceFactory func(snap *config.Snapshot) (FrameSource, error)

// FramePublisher receives every frame for live viewing.
type FramePublisher interface {
	Publish(frame []byte)
}

// EventFeed receives recognition results and window transitions for
// connected UI clients.
type EventFeed interface {
	BroadcastDetections(ts time.Time, dets []Detection)
	BroadcastWindow(ts time.Time, state WindowState, forced bool)
}

// ImageSaver persists evidence JPEGs and returns the stored file name.
type ImageSaver interface {
	Save(name string, ts time.Time, jpeg []byte) (string, error)
}

// Options wires a Pipeline. Publisher, Feed and Images may be nil; the
// pipeline then runs headless without streaming or evidence images.
type Options struct {
	Config     *config.Store
	NewSource  SourceFactory
	Recognizer Recognizer
	Dispatcher *notify.Dispatcher
	Images     ImageSaver
	Publisher  FramePublisher
	Feed       EventFeed
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Pipeline is the capture-recognize-notify loop. One goroutine (Run) owns
// frame consumption; triggers and config updates arrive from HTTP handlers
// on other goroutines and synchronize through the window controller and
// atomics.
type Pipeline struct {
	cfg        *config.Store
	newSource  SourceFactory
	recognizer Recognizer
	dispatcher *notify.Dispatcher
	images     ImageSaver
	publisher  FramePublisher
	feed       EventFeed

	controller *WindowController
	sinksMu    sync.RWMutex
	sinks      []notify.Sink

	healthy   atomic.Bool
	restart   atomic.Bool
	lastState atomic.Int32

	// lastClose is the UnixNano of the most recent window close, consulted
	// by the stream-suspend grace period.
	lastClose atomic.Int64
}

func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil || opts.NewSource == nil || opts.Recognizer == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("pipeline: config, source factory, recognizer and dispatcher are required")
	}

	snap := opts.Config.Snapshot()
	p := &Pipeline{
		cfg:        opts.Config,
		newSource:  opts.NewSource,
		recognizer: opts.Recognizer,
		dispatcher: opts.Dispatcher,
		images:     opts.Images,
		publisher:  opts.Publisher,
		feed:       opts.Feed,
		controller: NewWindowController(snap),
		sinks:      notify.BuildSinks(snap),
	}
	p.healthy.Store(true)
	return p, nil
}

// Healthy reports whether the pipeline is fully operational. It degrades
// (but keeps running) when the event log stops accepting writes.
func (p *Pipeline) Healthy() bool { return p.healthy.Load() }

// MarkDegraded flags the pipeline unhealthy. Wired as the dispatcher's
// event-log error callback.
func (p *Pipeline) MarkDegraded(err error) {
	if p.healthy.CompareAndSwap(true, false) {
		log.Printf("[Pipeline] degraded: %v", err)
	}
}

// State returns the window controller state.
func (p *Pipeline) State() WindowState { return p.controller.State() }

// Trigger opens a manual recognition window. Returns false while a window is
// already active. On success the http_get sinks get their displayed name
// reset to Unknown so a stale previous match never shows during the new
// window.
func (p *Pipeline) Trigger(params WindowParams) bool {
	if !p.controller.Trigger(params) {
		return false
	}

	sinks := notify.GetSinks(p.currentSinks())
	if len(sinks) > 0 {
		p.dispatcher.SendNameOnly(LabelUnknown, sinks)
	}
	if p.feed != nil {
		p.feed.BroadcastWindow(time.Now(), StateActive, true)
	}
	return true
}

// ApplyConfig installs a new configuration snapshot. Window defaults and
// sinks take effect immediately; a changed capture source takes effect on
// the next reconnect, which this forces.
func (p *Pipeline) ApplyConfig(prev, next *config.Snapshot) {
	p.controller.Reconfigure(next)

	p.sinksMu.Lock()
	p.sinks = notify.BuildSinks(next)
	p.sinksMu.Unlock()

	if prev == nil || prev.StreamURL != next.StreamURL || prev.CaptureFPS != next.CaptureFPS ||
		prev.OutputWidth != next.OutputWidth || prev.OutputHeight != next.OutputHeight {
		p.restart.Store(true)
	}
	log.Printf("[Pipeline] configuration applied (mode=%s)", next.Mode)
}

// Run consumes frames until ctx is done, reopening the source with
// exponential backoff after failures.
func (p *Pipeline) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		snap := p.cfg.Snapshot()
		src, err := p.newSource(snap)
		if err != nil {
			metrics.SourceReconnects.Inc()
			log.Printf("[Pipeline] open source: %v (retrying in %s)", err, backoff)
			if !p.waitRetry(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		err = p.consume(ctx, src)
		src.Close()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == errRestart:
			log.Printf("[Pipeline] restarting capture for new configuration")
		default:
			metrics.SourceReconnects.Inc()
			log.Printf("[Pipeline] source failed: %v (reconnecting in %s)", err, backoff)
			if !p.waitRetry(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
		}
	}
}

var errRestart = fmt.Errorf("configuration requested capture restart")

func (p *Pipeline) consume(ctx context.Context, src FrameSource) error {
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if p.restart.Swap(false) {
			return errRestart
		}

		snap := p.cfg.Snapshot()
		p.step(ctx, frame, snap)
	}
}

// step handles one frame: window transitions, live streaming and, when the
// window says so, recognition.
func (p *Pipeline) step(ctx context.Context, frame Frame, snap *config.Snapshot) {
	if done := p.controller.Advance(frame.Timestamp); done != nil {
		p.onWindowClose(frame, snap, done)
	}
	p.publishState(frame.Timestamp)

	sample := p.controller.ShouldSample(frame.Timestamp)
	if !sample {
		p.publishFrame(frame.Data, frame.Timestamp, snap)
		return
	}
	p.processFrame(ctx, frame, snap)
}

// advance drives window transitions when no frame is available, so an open
// window still times out and settles its feedback during a source outage.
func (p *Pipeline) advance(now time.Time) {
	snap := p.cfg.Snapshot()
	if done := p.controller.Advance(now); done != nil {
		p.onWindowClose(Frame{Timestamp: now}, snap, done)
	}
	p.publishState(now)
}

// processFrame runs recognition on one sampled frame. A panic anywhere in
// the per-frame path costs that frame, never the pipeline.
func (p *Pipeline) processFrame(ctx context.Context, frame Frame, snap *config.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecognitionFailures.Inc()
			log.Printf("[Pipeline] recovered from panic while processing frame %d: %v", frame.Seq, r)
		}
	}()

	metrics.RecognitionRuns.Inc()
	dets, err := p.recognizer.Recognize(ctx, frame)
	if err != nil {
		metrics.RecognitionFailures.Inc()
		log.Printf("[Pipeline] recognition failed for frame %d: %v", frame.Seq, err)
		p.publishFrame(frame.Data, frame.Timestamp, snap)
		return
	}
	SortDetections(dets)

	if p.feed != nil && len(dets) > 0 {
		p.feed.BroadcastDetections(frame.Timestamp, dets)
	}
	p.publishFrame(p.renderFrame(frame, dets, snap), frame.Timestamp, snap)

	forced := p.controller.ForcedActive()
	for _, det := range dets {
		if det.Known() {
			metrics.DetectionsTotal.WithLabelValues("known").Inc()
			p.handleKnown(frame, det, snap)
		} else {
			metrics.DetectionsTotal.WithLabelValues("unknown").Inc()
			p.handleUnknown(frame, det, snap, forced)
		}
	}
}

// handleKnown runs the notification path for one recognized person.
func (p *Pipeline) handleKnown(frame Frame, det Detection, snap *config.Snapshot) {
	// A forced window bypasses the rate limiter exactly once. After the
	// first delivery, and once the window closed, every further detection
	// answers to the limiter again. Re-read per detection: a stop-on-match
	// close can land mid-frame.
	force := p.controller.ForcedPending()
	decision := p.dispatcher.Consider(det.Label, snap.RateLimit(), force)

	if decision == notify.Deliver {
		var imageFile string
		if p.images != nil && snap.SaveKnownImages {
			if f, err := p.images.Save(det.Label, det.Timestamp, frame.Data); err != nil {
				log.Printf("[Pipeline] save image for %s: %v", det.Label, err)
			} else {
				imageFile = f
			}
		}

		// NoteNotified must precede NoteMatch so a stop-on-match close
		// never reports unsatisfied feedback.
		p.controller.NoteNotified()
		p.dispatcher.Deliver(notify.Notification{
			Name:      det.Label,
			Timestamp: det.Timestamp,
			ImagePath: imageFile,
			ImageURL:  imageURL(snap, imageFile),
			Forced:    force,
		}, p.currentSinks())
	}

	if done := p.controller.NoteMatch(det.Timestamp); done != nil {
		p.onWindowClose(frame, snap, done)
	}
}

// handleUnknown records an unenrolled face. Evidence and the event log entry
// are written subject to the Unknown rate limit; external sinks stay quiet
// for unknowns. During a forced window the close feedback covers unknowns,
// so nothing happens here.
func (p *Pipeline) handleUnknown(frame Frame, det Detection, snap *config.Snapshot, forced bool) {
	if forced {
		return
	}
	if p.dispatcher.Consider(LabelUnknown, snap.RateLimit(), false) != notify.Deliver {
		return
	}

	var imageFile string
	if p.images != nil {
		if f, err := p.images.Save(LabelUnknown, det.Timestamp, frame.Data); err != nil {
			log.Printf("[Pipeline] save unknown image: %v", err)
		} else {
			imageFile = f
		}
	}
	p.dispatcher.Deliver(notify.Notification{
		Name:      LabelUnknown,
		Timestamp: det.Timestamp,
		ImagePath: imageFile,
		ImageURL:  imageURL(snap, imageFile),
	}, nil)
}

// onWindowClose settles a closed window: a forced window that produced no
// notification owes exactly one, delivered as Unknown with the last frame as
// evidence.
func (p *Pipeline) onWindowClose(frame Frame, snap *config.Snapshot, done *WindowClose) {
	p.lastClose.Store(frame.Timestamp.UnixNano())
	if p.feed != nil {
		p.feed.BroadcastWindow(frame.Timestamp, StateCooling, done.Forced)
	}
	if !done.NeedsFeedback {
		return
	}

	var imageFile string
	if p.images != nil && len(frame.Data) > 0 {
		if f, err := p.images.Save(LabelUnknown, frame.Timestamp, frame.Data); err != nil {
			log.Printf("[Pipeline] save feedback image: %v", err)
		} else {
			imageFile = f
		}
	}

	p.dispatcher.Consider(LabelUnknown, snap.RateLimit(), true)
	p.dispatcher.Deliver(notify.Notification{
		Name:      LabelUnknown,
		Timestamp: frame.Timestamp,
		ImagePath: imageFile,
		ImageURL:  imageURL(snap, imageFile),
		Forced:    true,
	}, p.currentSinks())
	log.Printf("[Pipeline] forced window closed without a match, Unknown feedback sent")
}

// renderFrame draws overlays when enabled, otherwise passes the frame
// through.
func (p *Pipeline) renderFrame(frame Frame, dets []Detection, snap *config.Snapshot) []byte {
	if !snap.EnableOverlay || len(dets) == 0 {
		return frame.Data
	}
	faces := make([]annotate.Face, len(dets))
	for i, det := range dets {
		faces[i] = annotate.Face{
			Label:      det.Label,
			Known:      det.Known(),
			Confidence: det.Confidence,
			X1:         det.BBox.X1,
			Y1:         det.BBox.Y1,
			X2:         det.BBox.X2,
			Y2:         det.BBox.Y2,
		}
	}
	return annotate.Draw(frame.Data, faces, annotate.Options{KnownColor: overlayColor(snap)})
}

func (p *Pipeline) publishState(now time.Time) {
	state := p.controller.State()
	metrics.WindowState.Set(float64(state))
	if prev := WindowState(p.lastState.Swap(int32(state))); prev != state && p.feed != nil {
		p.feed.BroadcastWindow(now, state, p.controller.ForcedActive())
	}
}

func (p *Pipeline) currentSinks() []notify.Sink {
	p.sinksMu.RLock()
	defer p.sinksMu.RUnlock()
	return p.sinks
}

// publishFrame forwards a frame to the live stream. With stream suspend
// enabled, idle frames stop streaming once the grace period after the last
// window has elapsed.
func (p *Pipeline) publishFrame(data []byte, ts time.Time, snap *config.Snapshot) {
	if p.publisher == nil {
		return
	}
	if snap.EnableStreamSuspend && p.controller.State() == StateIdle {
		last := p.lastClose.Load()
		if last == 0 || ts.Sub(time.Unix(0, last)) > snap.SuspendGrace() {
			return
		}
	}
	p.publisher.Publish(data)
}

func imageURL(snap *config.Snapshot, file string) string {
	if file == "" || snap.BaseURL == "" {
		return ""
	}
	return snap.BaseURL + "/api/events/image/" + file
}

func overlayColor(snap *config.Snapshot) color.RGBA {
	return color.RGBA{snap.OverlayColor[0], snap.OverlayColor[1], snap.OverlayColor[2], 255}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// waitRetry waits d before the next reconnect attempt, ticking the window
// controller so an open window closes on schedule while no frames arrive.
// Returns false when ctx finished first.
func (p *Pipeline) waitRetry(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case now := <-ticker.C:
			p.advance(now)
			if !now.Before(deadline) {
				return true
			}
		}
	}
}
