package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"facewatch/internal/config"
	"facewatch/internal/notify"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (m *memRecorder) Record(name string, ts time.Time, imagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, name)
	return nil
}

func (m *memRecorder) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

type memSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (m *memSink) Name() string          { return "mem" }
func (m *memSink) Type() config.SinkType { return config.SinkUDP }
func (m *memSink) Send(ctx context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *memSink) notifications() []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Notification(nil), m.sent...)
}

type scriptedRecognizer struct {
	mu   sync.Mutex
	dets map[uint64][]Detection
	errs map[uint64]error
	fail func()
}

func (r *scriptedRecognizer) Recognize(ctx context.Context, frame Frame) ([]Detection, error) {
	if r.fail != nil {
		r.fail()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[frame.Seq]; err != nil {
		return nil, err
	}
	return r.dets[frame.Seq], nil
}

type blockingSource struct{ closed chan struct{} }

func newBlockingSource() *blockingSource { return &blockingSource{closed: make(chan struct{})} }

func (s *blockingSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.closed:
		return Frame{}, errors.New("source closed")
	}
}

func (s *blockingSource) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func testStore(t *testing.T, mutate func(*config.Snapshot)) *config.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := config.Load(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	snap := *st.Snapshot()
	snap.Mode = config.ModeManual
	snap.WindowSeconds = 1
	snap.FPSCap = 10
	snap.SettleSeconds = 1
	snap.RateLimitSeconds = 60
	snap.SaveKnownImages = false
	if mutate != nil {
		mutate(&snap)
	}
	if _, err := st.Update(snap); err != nil {
		t.Fatalf("update config: %v", err)
	}
	return st
}

func newTestPipeline(t *testing.T, mutate func(*config.Snapshot)) (*Pipeline, *memRecorder, *memSink, *scriptedRecognizer) {
	t.Helper()
	rec := &memRecorder{}
	sink := &memSink{}
	rz := &scriptedRecognizer{dets: map[uint64][]Detection{}, errs: map[uint64]error{}}

	store := testStore(t, mutate)
	p, err := New(Options{
		Config:     store,
		NewSource:  func(*config.Snapshot) (FrameSource, error) { return newBlockingSource(), nil },
		Recognizer: rz,
		Dispatcher: notify.NewDispatcher(rec, nil),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.sinks = []notify.Sink{sink}
	return p, rec, sink, rz
}

func frameAt(seq uint64, ts time.Time) Frame {
	return Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Seq: seq, Timestamp: ts}
}

func known(name string, ts time.Time) Detection {
	return Detection{Label: name, Confidence: 0.9, BBox: BBox{X1: 10, Y1: 10, X2: 90, Y2: 90}, Timestamp: ts}
}

func TestForcedWindowDeliversKnownFaceOnce(t *testing.T) {
	p, rec, sink, rz := newTestPipeline(t, nil)
	// Frame timestamps sit strictly after the trigger so the first frame
	// is eligible for sampling.
	t0 := time.Now().Add(50 * time.Millisecond)

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("trigger refused")
	}

	rz.dets[1] = []Detection{known("Alice", t0)}
	rz.dets[2] = []Detection{known("Alice", t0.Add(200 * time.Millisecond))}
	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
	p.step(context.Background(), frameAt(2, t0.Add(200*time.Millisecond)), p.cfg.Snapshot())
	// Past the window end: closes without feedback because a
	// notification already went out.
	p.step(context.Background(), frameAt(3, t0.Add(1200*time.Millisecond)), p.cfg.Snapshot())
	p.dispatcher.Drain(time.Second)

	if got := rec.names(); len(got) != 1 || got[0] != "Alice" {
		t.Fatalf("event log = %v, want exactly one Alice entry", got)
	}
	if got := sink.notifications(); len(got) != 1 || got[0].Name != "Alice" {
		t.Fatalf("sink deliveries = %v, want exactly one Alice notification", got)
	}
}

func TestForcedWindowWithoutMatchSendsUnknownFeedback(t *testing.T) {
	p, rec, sink, _ := newTestPipeline(t, nil)
	t0 := time.Now()

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("trigger refused")
	}

	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
	p.step(context.Background(), frameAt(2, t0.Add(1200*time.Millisecond)), p.cfg.Snapshot())
	p.dispatcher.Drain(time.Second)

	if got := rec.names(); len(got) != 1 || got[0] != LabelUnknown {
		t.Fatalf("event log = %v, want one Unknown feedback entry", got)
	}
	got := sink.notifications()
	if len(got) != 1 || got[0].Name != LabelUnknown || !got[0].Forced {
		t.Fatalf("sink deliveries = %+v, want one forced Unknown", got)
	}
}

func TestUnknownFaceLoggedButNotSentToSinks(t *testing.T) {
	p, rec, sink, rz := newTestPipeline(t, nil)
	t0 := time.Now()

	// An ordinary (non-forced) window.
	p.controller.mu.Lock()
	p.controller.openLocked(t0, WindowParams{Duration: time.Second, FPSCap: 10})
	p.controller.mu.Unlock()

	rz.dets[1] = []Detection{{Label: LabelUnknown, Confidence: 0.3, Timestamp: t0}}
	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
	p.dispatcher.Drain(time.Second)

	if got := rec.names(); len(got) != 1 || got[0] != LabelUnknown {
		t.Fatalf("event log = %v, want one Unknown entry", got)
	}
	if got := sink.notifications(); len(got) != 0 {
		t.Fatalf("sinks received %v, want nothing for unknown faces", got)
	}
}

func TestStopOnMatchDeliversExactlyOnce(t *testing.T) {
	p, rec, _, rz := newTestPipeline(t, nil)
	t0 := time.Now().Add(50 * time.Millisecond)

	if !p.Trigger(WindowParams{Duration: 10 * time.Second, FPSCap: 10, StopOnMatch: true}) {
		t.Fatal("trigger refused")
	}

	rz.dets[1] = []Detection{known("Alice", t0)}
	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
	p.dispatcher.Drain(time.Second)

	if p.State() != StateCooling {
		t.Fatalf("state after stop-on-match = %s, want cooling", p.State())
	}
	// The match notification satisfies the forced-feedback guarantee; no
	// second Unknown entry may appear.
	if got := rec.names(); len(got) != 1 || got[0] != "Alice" {
		t.Fatalf("event log = %v, want exactly one Alice entry", got)
	}
}

func TestForcedBypassSpentAfterFirstDelivery(t *testing.T) {
	p, rec, sink, rz := newTestPipeline(t, nil)
	t0 := time.Now().Add(50 * time.Millisecond)

	// Bob was notified recently, so his rate limiter is armed.
	if p.dispatcher.Consider("Bob", time.Minute, false) != notify.Deliver {
		t.Fatal("priming consider was suppressed")
	}

	if !p.Trigger(WindowParams{Duration: 10 * time.Second, FPSCap: 10, StopOnMatch: true}) {
		t.Fatal("trigger refused")
	}

	// One frame with two known faces, left to right: Alice then Bob. Alice
	// uses the single forced delivery and closes the window on match; Bob,
	// later in the same frame, must answer to his armed limiter.
	bob := known("Bob", t0)
	bob.BBox = BBox{X1: 200, Y1: 10, X2: 280, Y2: 90}
	rz.dets[1] = []Detection{known("Alice", t0), bob}
	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
	p.dispatcher.Drain(time.Second)

	if p.State() != StateCooling {
		t.Fatalf("state = %s, want cooling after stop-on-match", p.State())
	}
	if got := rec.names(); len(got) != 1 || got[0] != "Alice" {
		t.Fatalf("event log = %v, want only Alice", got)
	}
	got := sink.notifications()
	if len(got) != 1 || got[0].Name != "Alice" {
		t.Fatalf("sink deliveries = %+v, want only Alice", got)
	}
}

func TestRecognitionErrorSkipsFrameOnly(t *testing.T) {
	p, rec, _, rz := newTestPipeline(t, nil)
	t0 := time.Now().Add(50 * time.Millisecond)

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("trigger refused")
	}

	rz.errs[1] = errors.New("service unavailable")
	rz.dets[2] = []Detection{known("Alice", t0.Add(200 * time.Millisecond))}
	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
	p.step(context.Background(), frameAt(2, t0.Add(200*time.Millisecond)), p.cfg.Snapshot())
	p.dispatcher.Drain(time.Second)

	if got := rec.names(); len(got) != 1 || got[0] != "Alice" {
		t.Fatalf("event log = %v, want Alice despite earlier failure", got)
	}
}

func TestRecognizerPanicIsContained(t *testing.T) {
	p, _, _, rz := newTestPipeline(t, nil)
	t0 := time.Now().Add(50 * time.Millisecond)

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("trigger refused")
	}
	rz.fail = func() { panic("recognizer blew up") }

	// Must not propagate.
	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
}

func TestTriggerWhileActiveRefused(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, nil)

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("first trigger refused")
	}
	if p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("second trigger accepted while window active")
	}
}

func TestTriggerResetsHTTPGetDisplaysToUnknown(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, nil)
	get := &memSink{}
	p.sinks = []notify.Sink{getTyped{get}}

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("trigger refused")
	}
	p.dispatcher.Drain(time.Second)

	got := get.notifications()
	if len(got) != 1 || got[0].Name != LabelUnknown {
		t.Fatalf("http_get sink received %+v, want one Unknown reset", got)
	}
}

// getTyped wraps memSink to present as an http_get sink.
type getTyped struct{ *memSink }

func (g getTyped) Type() config.SinkType { return config.SinkHTTPGet }

type memPublisher struct {
	mu     sync.Mutex
	frames int
}

func (m *memPublisher) Publish(frame []byte) {
	m.mu.Lock()
	m.frames++
	m.mu.Unlock()
}

func (m *memPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

func TestStreamSuspendGatesLivePublishing(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, func(s *config.Snapshot) {
		s.EnableStreamSuspend = true
		s.SuspendGraceSeconds = 5
	})
	pub := &memPublisher{}
	p.publisher = pub
	t0 := time.Now().Add(50 * time.Millisecond)

	// Idle with no window ever opened: nothing reaches the stream.
	p.step(context.Background(), frameAt(1, t0), p.cfg.Snapshot())
	if pub.count() != 0 {
		t.Fatalf("published %d frames while suspended, want 0", pub.count())
	}

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("trigger refused")
	}
	p.step(context.Background(), frameAt(2, t0), p.cfg.Snapshot())
	if pub.count() != 1 {
		t.Fatalf("published %d frames during active window, want 1", pub.count())
	}

	// Window closes; cooling and the grace period still stream.
	p.step(context.Background(), frameAt(3, t0.Add(1200*time.Millisecond)), p.cfg.Snapshot())
	p.step(context.Background(), frameAt(4, t0.Add(4*time.Second)), p.cfg.Snapshot())
	if pub.count() != 3 {
		t.Fatalf("published %d frames within grace, want 3", pub.count())
	}

	// Past the grace period the stream suspends again.
	p.step(context.Background(), frameAt(5, t0.Add(10*time.Second)), p.cfg.Snapshot())
	if pub.count() != 3 {
		t.Fatalf("published %d frames after grace, want 3", pub.count())
	}
	p.dispatcher.Drain(time.Second)
}

func TestWindowTimesOutWithoutFrames(t *testing.T) {
	p, rec, sink, _ := newTestPipeline(t, nil)

	if !p.Trigger(WindowParams{Duration: time.Second, FPSCap: 10}) {
		t.Fatal("trigger refused")
	}

	// No frames arrive; the reconnect loop still ticks the controller.
	p.advance(time.Now().Add(2 * time.Second))
	p.dispatcher.Drain(time.Second)

	if p.State() != StateCooling {
		t.Fatalf("state = %s, want cooling after timeout without frames", p.State())
	}
	if got := rec.names(); len(got) != 1 || got[0] != LabelUnknown {
		t.Fatalf("event log = %v, want one Unknown feedback entry", got)
	}
	got := sink.notifications()
	if len(got) != 1 || got[0].Name != LabelUnknown || !got[0].Forced {
		t.Fatalf("sink deliveries = %+v, want one forced Unknown", got)
	}
}

func TestWaitRetryStopsOnCancel(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.waitRetry(ctx, time.Minute) {
		t.Fatal("waitRetry kept waiting after cancel")
	}
}

func TestMarkDegradedFlipsHealth(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, nil)
	if !p.Healthy() {
		t.Fatal("pipeline not healthy at start")
	}
	p.MarkDegraded(errors.New("event log write failed"))
	if p.Healthy() {
		t.Fatal("pipeline still healthy after degradation")
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	got := []time.Duration{minBackoff}
	for i := 0; i < 6; i++ {
		got = append(got, nextBackoff(got[len(got)-1]))
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestApplyConfigForcesRestartOnSourceChange(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, nil)
	prev := p.cfg.Snapshot()

	next := *prev
	next.StreamURL = "rtsp://other-camera/stream"
	p.ApplyConfig(prev, &next)

	if !p.restart.Load() {
		t.Fatal("source change did not request a capture restart")
	}

	p.restart.Store(false)
	same := *prev
	same.RateLimitSeconds = 120
	p.ApplyConfig(prev, &same)
	if p.restart.Load() {
		t.Fatal("sink-only change requested a capture restart")
	}
}
