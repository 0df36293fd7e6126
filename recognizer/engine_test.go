package recognizer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	perm     bool
	startErr error
	onChunk  func([]byte)
	stopped  bool
}

func (s *fakeSource) HasPermission() bool { return s.perm }

func (s *fakeSource) Start(onChunk func([]byte)) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.onChunk = onChunk
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeSource) feed(chunk []byte) {
	s.mu.Lock()
	cb := s.onChunk
	stopped := s.stopped
	s.mu.Unlock()
	if cb != nil && !stopped {
		cb(chunk)
	}
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeDetector struct {
	stopAt int // fires on the Nth chunk, 0 = never
	seen   int
	resets int
}

func (d *fakeDetector) ShouldStop([]byte) bool {
	d.seen++
	return d.stopAt > 0 && d.seen >= d.stopAt
}

func (d *fakeDetector) Reset() {
	d.resets++
	d.seen = 0
}

type cbRecorder struct {
	mu       sync.Mutex
	sequence []string
	partials []string
	final    string
	finals   int
	errs     int
	lastErr  string
	stops    int

	terminal chan struct{}
	termOnce sync.Once
}

func newRecorder() *cbRecorder {
	return &cbRecorder{terminal: make(chan struct{})}
}

func (r *cbRecorder) callbacks() Callbacks {
	return Callbacks{
		OnPartial: func(text string) {
			r.mu.Lock()
			r.partials = append(r.partials, text)
			r.mu.Unlock()
		},
		OnFinal: func(text string) {
			r.mu.Lock()
			r.final = text
			r.finals++
			r.sequence = append(r.sequence, "final")
			r.mu.Unlock()
			r.termOnce.Do(func() { close(r.terminal) })
		},
		OnStopped: func() {
			r.mu.Lock()
			r.stops++
			r.sequence = append(r.sequence, "stopped")
			r.mu.Unlock()
		},
		OnError: func(message string) {
			r.mu.Lock()
			r.errs++
			r.lastErr = message
			r.sequence = append(r.sequence, "error")
			r.mu.Unlock()
			r.termOnce.Do(func() { close(r.terminal) })
		},
	}
}

func (r *cbRecorder) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal callback within 2s")
	}
}

func (r *cbRecorder) snapshot() (finals, errs, stops int, final string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finals, r.errs, r.stops, r.final
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEngine(v Vendor, rec *cbRecorder) *Engine {
	return NewEngine(v, Options{
		Session:        SessionConfig{APIKey: "test-key", Model: "test-model"},
		StopGrace:      500 * time.Millisecond,
		ConnectTimeout: time.Second,
	}, rec.callbacks())
}

func TestEngineHappyPath(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := vendor.WaitConn(time.Second)
	if conn == nil {
		t.Fatal("vendor never opened")
	}

	src.feed([]byte("chunk-a"))
	src.feed([]byte("chunk-b"))
	waitFor(t, "two chunks sent", func() bool { return len(conn.Sent()) == 2 })

	conn.Emit(Event{Kind: EventDelta, Text: "hello wor"})
	conn.Emit(Event{Kind: EventDelta, Text: "world"})
	waitFor(t, "partials delivered", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.partials) == 2 && rec.partials[1] == "hello world"
	})

	// The server's final arrives only after the commit.
	go emitAfterCommit(conn, Event{Kind: EventCompleted, Text: "hello world!"})
	eng.Stop()

	finals, errs, _, final := rec.snapshot()
	if finals != 1 || errs != 0 {
		t.Fatalf("finals=%d errs=%d, want 1/0", finals, errs)
	}
	if final != "hello world!" {
		t.Errorf("final = %q, want %q", final, "hello world!")
	}
	if conn.Commits() != 1 {
		t.Errorf("commits = %d, want 1", conn.Commits())
	}
	if !conn.Closed() {
		t.Error("connection left open")
	}
	if !src.isStopped() {
		t.Error("source not stopped")
	}
	if eng.Active() {
		t.Error("engine still active after Stop")
	}
}

func TestEngineReplaceEvents(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := vendor.WaitConn(time.Second)

	conn.Emit(Event{Kind: EventDelta, Text: "helo wrld"})
	conn.Emit(Event{Kind: EventReplace, Text: "hello"})
	conn.Emit(Event{Kind: EventDelta, Text: " there"})
	waitFor(t, "replace applied", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.partials) == 3 && rec.partials[2] == "hello there"
	})
	rec.mu.Lock()
	second := rec.partials[1]
	rec.mu.Unlock()
	if second != "hello" {
		t.Errorf("replace partial = %q, want %q", second, "hello")
	}

	conn.Emit(Event{Kind: EventCompleted})
	rec.waitTerminal(t)
	if _, _, _, final := rec.snapshot(); final != "hello there" {
		t.Errorf("final = %q, want %q", final, "hello there")
	}
}

func TestEngineStopBeforeReady(t *testing.T) {
	vendor := NewFakeVendor()
	vendor.OpenDelay = 5 * time.Second
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.feed([]byte("early"))
	eng.Stop()

	finals, errs, _, final := rec.snapshot()
	if finals != 1 || errs != 0 {
		t.Fatalf("finals=%d errs=%d, want 1/0", finals, errs)
	}
	if final != "" {
		t.Errorf("final = %q, want empty", final)
	}
	if !src.isStopped() {
		t.Error("source not stopped")
	}
	// Stop again is a no-op.
	eng.Stop()
	if finals, _, _, _ := rec.snapshot(); finals != 1 {
		t.Error("second Stop produced another terminal callback")
	}
}

func TestEngineStopWithoutAudioSkipsCommit(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := vendor.WaitConn(time.Second)
	if conn == nil {
		t.Fatal("vendor never opened")
	}
	eng.Stop()

	if conn.Commits() != 0 {
		t.Errorf("commits = %d, want 0 with no audio sent", conn.Commits())
	}
	finals, errs, _, final := rec.snapshot()
	if finals != 1 || errs != 0 || final != "" {
		t.Fatalf("finals=%d errs=%d final=%q, want one empty final", finals, errs, final)
	}
	if !conn.Closed() {
		t.Error("connection left open")
	}
}

func TestEnginePrebufferFlushOrder(t *testing.T) {
	vendor := NewFakeVendor()
	vendor.OpenDelay = 100 * time.Millisecond
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, s := range []string{"A", "B", "C", "D"} {
		src.feed([]byte(s))
	}
	conn := vendor.WaitConn(time.Second)
	if conn == nil {
		t.Fatal("vendor never opened")
	}
	waitFor(t, "prebuffer flushed", func() bool { return len(conn.Sent()) == 4 })
	src.feed([]byte("E"))
	waitFor(t, "live chunk after flush", func() bool { return len(conn.Sent()) == 5 })

	for i, want := range []string{"A", "B", "C", "D", "E"} {
		if got := string(conn.Sent()[i]); got != want {
			t.Errorf("sent[%d] = %q, want %q", i, got, want)
		}
	}

	conn.Emit(Event{Kind: EventCompleted})
	rec.waitTerminal(t)
}

func TestEngineSilenceAutoStop(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}
	det := &fakeDetector{stopAt: 3}

	if err := eng.Start(src, det); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if det.resets != 1 {
		t.Fatalf("detector resets = %d, want 1", det.resets)
	}
	conn := vendor.WaitConn(time.Second)

	go emitAfterCommit(conn, Event{Kind: EventCompleted, Text: "short utterance"})

	src.feed([]byte("one"))
	src.feed([]byte("two"))
	src.feed([]byte("three")) // detector fires here
	rec.waitTerminal(t)

	finals, errs, stops, final := rec.snapshot()
	if stops != 1 {
		t.Fatalf("stops = %d, want 1", stops)
	}
	if finals != 1 || errs != 0 {
		t.Fatalf("finals=%d errs=%d, want 1/0", finals, errs)
	}
	if final != "short utterance" {
		t.Errorf("final = %q", final)
	}
	rec.mu.Lock()
	seq := append([]string(nil), rec.sequence...)
	rec.mu.Unlock()
	if len(seq) != 2 || seq[0] != "stopped" || seq[1] != "final" {
		t.Errorf("callback order = %v, want [stopped final]", seq)
	}
}

// stallConn wedges every SendAudio until the connection is torn down, the
// way a dead peer stalls a socket write.
type stallConn struct {
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newStallConn() *stallConn {
	return &stallConn{closedCh: make(chan struct{})}
}

func (c *stallConn) SendAudio([]byte) error {
	<-c.closedCh
	return errors.New("connection closed")
}

func (c *stallConn) Commit() error { return nil }

func (c *stallConn) Recv() (Event, error) {
	<-c.closedCh
	return Event{}, errors.New("connection closed")
}

func (c *stallConn) Close() error {
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

type stallVendor struct{ conn *stallConn }

func (v *stallVendor) Name() string { return "stall" }

func (v *stallVendor) Open(context.Context, SessionConfig) (Conn, error) {
	return v.conn, nil
}

// syncSource mirrors the real capture backends: Stop waits for the in-flight
// chunk callback to return before it does.
type syncSource struct {
	mu       sync.Mutex
	onChunk  func([]byte)
	inFlight sync.WaitGroup
	stopped  bool
}

func (s *syncSource) HasPermission() bool { return true }

func (s *syncSource) Start(onChunk func([]byte)) error {
	s.mu.Lock()
	s.onChunk = onChunk
	s.mu.Unlock()
	return nil
}

func (s *syncSource) Stop() {
	s.inFlight.Wait()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *syncSource) feed(chunk []byte) {
	s.mu.Lock()
	cb := s.onChunk
	stopped := s.stopped
	s.mu.Unlock()
	if cb == nil || stopped {
		return
	}
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		cb(chunk)
	}()
}

func TestEngineStopUnderSendBackpressure(t *testing.T) {
	vendor := &stallVendor{conn: newStallConn()}
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &syncSource{}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Overfill the audio queue: the sender wedges on the first write, the
	// queue fills behind it, and the last callbacks park waiting for room.
	for i := 0; i < audioQueueDepth+8; i++ {
		src.feed([]byte("chunk"))
	}
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		eng.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while sends were wedged")
	}

	finals, errs, _, _ := rec.snapshot()
	if finals+errs != 1 {
		t.Fatalf("finals=%d errs=%d, want exactly one terminal callback", finals, errs)
	}
}

func TestEngineTransportFailure(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := vendor.WaitConn(time.Second)

	conn.FailRecv(errors.New("connection reset by peer"))
	rec.waitTerminal(t)

	finals, errs, _, _ := rec.snapshot()
	if errs != 1 {
		t.Fatalf("errs = %d, want 1", errs)
	}
	if finals != 0 {
		t.Fatalf("finals = %d, want 0 after error", finals)
	}
	waitFor(t, "cleanup", func() bool { return conn.Closed() && !eng.Active() })
	if !src.isStopped() {
		t.Error("source not stopped after failure")
	}
}

func TestEngineServerError(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := vendor.WaitConn(time.Second)
	conn.Emit(Event{Kind: EventError, Text: "audio format rejected"})
	rec.waitTerminal(t)

	rec.mu.Lock()
	lastErr := rec.lastErr
	errs := rec.errs
	finals := rec.finals
	rec.mu.Unlock()
	if errs != 1 || finals != 0 {
		t.Fatalf("errs=%d finals=%d, want 1/0", errs, finals)
	}
	if !strings.Contains(lastErr, "audio format rejected") {
		t.Errorf("error message = %q", lastErr)
	}
	waitFor(t, "cleanup", func() bool { return !eng.Active() })
}

func TestEngineConnectFailure(t *testing.T) {
	vendor := NewFakeVendor()
	vendor.OpenErr = errors.New("dial tcp: connection refused")
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitTerminal(t)
	finals, errs, _, _ := rec.snapshot()
	if errs != 1 || finals != 0 {
		t.Fatalf("errs=%d finals=%d, want 1/0", errs, finals)
	}
	waitFor(t, "session cleared", func() bool { return !eng.Active() })
}

func TestEngineStartPreflight(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(NewFakeVendor(), rec)

	if err := eng.Start(&fakeSource{perm: false}, nil); !errors.Is(err, ErrPermission) {
		t.Errorf("no permission: err = %v, want ErrPermission", err)
	}
	if eng.Active() {
		t.Error("session created despite permission failure")
	}

	noKey := NewEngine(NewFakeVendor(), Options{}, rec.callbacks())
	if err := noKey.Start(&fakeSource{perm: true}, nil); !errors.Is(err, ErrConfig) {
		t.Errorf("no key: err = %v, want ErrConfig", err)
	}
	if noKey.Active() {
		t.Error("session created despite missing key")
	}
}

func TestEngineCaptureStartFailure(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true, startErr: errors.New("device busy")}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitTerminal(t)
	finals, errs, _, _ := rec.snapshot()
	if errs != 1 || finals != 0 {
		t.Fatalf("errs=%d finals=%d, want 1/0", errs, finals)
	}
	waitFor(t, "session cleared", func() bool { return !eng.Active() })
}

func TestEngineStartWhileActive(t *testing.T) {
	vendor := NewFakeVendor()
	rec := newRecorder()
	eng := newTestEngine(vendor, rec)
	src := &fakeSource{perm: true}

	if err := eng.Start(src, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := vendor.WaitConn(time.Second)
	if err := eng.Start(&fakeSource{perm: true}, nil); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	conn.Emit(Event{Kind: EventCompleted})
	rec.waitTerminal(t)
	if finals, _, _, _ := rec.snapshot(); finals != 1 {
		t.Fatalf("finals = %d, want 1", finals)
	}
}

func TestFakeConnCommitOnce(t *testing.T) {
	c := newFakeConn()
	if err := c.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(); err != nil {
		t.Fatal(err)
	}
	if got := c.Commits(); got != 1 {
		t.Fatalf("wire commits = %d, want 1", got)
	}
	c.Close()
	c.Commit()
	if got := c.Commits(); got != 1 {
		t.Fatalf("wire commits after close = %d, want 1", got)
	}
}

// emitAfterCommit delivers ev once the session has committed, the way a
// server holds the final transcript until the buffer is committed.
func emitAfterCommit(conn *FakeConn, ev Event) {
	for i := 0; i < 400; i++ {
		if conn.Commits() > 0 {
			conn.Emit(ev)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
