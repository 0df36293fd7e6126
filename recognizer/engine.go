package recognizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur/audio"
	"murmur/log"
)

// Callbacks is how the host hears about a session. OnFinal and OnError are
// mutually exclusive terminal notifications, each delivered at most once per
// session. Callbacks may fire from either session goroutine.
type Callbacks struct {
	OnPartial func(text string)
	OnFinal   func(text string)
	OnStopped func() // silence auto-stop, before any terminal callback
	OnError   func(message string)
}

// AudioSource feeds one session with fixed-duration chunks. Start may be
// called once; Stop cancels immediately and must never wait on network I/O.
type AudioSource interface {
	HasPermission() bool
	Start(onChunk func(chunk []byte)) error
	Stop()
}

// SilenceDetector reports when sustained silence should end the recording.
// Stateful across chunks; Reset is called at session start.
type SilenceDetector interface {
	ShouldStop(chunk []byte) bool
	Reset()
}

type Options struct {
	Session        SessionConfig
	StopGrace      time.Duration // wait for the server's final after commit
	ConnectTimeout time.Duration
}

const (
	defaultStopGrace      = 3 * time.Second
	defaultConnectTimeout = 10 * time.Second
	drainTimeout          = 2 * time.Second

	// audioQueueDepth bounds in-flight audio once the transport is ready.
	// At 200ms per chunk this is well over a minute of backlog.
	audioQueueDepth = 512
)

// Engine owns at most one live recognition session at a time and sequences
// capture, silence detection, the wire protocol, and transcript merging.
type Engine struct {
	vendor Vendor
	opts   Options
	cb     Callbacks

	mu   sync.Mutex
	sess *session
}

func NewEngine(vendor Vendor, opts Options, cb Callbacks) *Engine {
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &Engine{vendor: vendor, opts: opts, cb: cb}
}

// Start begins one recognition session. It fails fast, with no session
// created and no side effects, when the microphone is unavailable or the
// credential is missing. Starting while a session is live is a no-op.
func (e *Engine) Start(src AudioSource, det SilenceDetector) error {
	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return nil
	}
	if !src.HasPermission() {
		e.mu.Unlock()
		return fmt.Errorf("%w: microphone unavailable", ErrPermission)
	}
	if e.opts.Session.APIKey == "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: missing API key for vendor %s", ErrConfig, e.vendor.Name())
	}
	s := e.newSession(src, det)
	e.sess = s
	e.mu.Unlock()

	if det != nil {
		det.Reset()
	}
	log.Info("session_start: " + s.id)

	go s.connect()

	if err := src.Start(s.onChunk); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrAudio, err))
		return nil
	}
	return nil
}

// Stop ends the live session: capture is cancelled immediately, a
// best-effort commit is sent, and the engine waits a bounded grace period
// for the server's final transcript before forcing closure. No-op without a
// live session; safe to call concurrently with a silence auto-stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil {
		return
	}
	s.shutdown(stopCaller)
	<-s.done
}

// Active reports whether a session is live.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil
}

func (e *Engine) clearSession(s *session) {
	e.mu.Lock()
	if e.sess == s {
		e.sess = nil
	}
	e.mu.Unlock()
}

type stopReason int

const (
	stopCaller stopReason = iota
	stopSilence
	stopServer
	stopFailure
)

type sessionStats struct {
	connectDur   time.Duration
	finalizeDur  time.Duration
	sentChunks   int
	sentBytes    int
	recvMessages int
	recvPartial  int
	recvReplace  int
}

// session is one recognition attempt. Two goroutines share it: the audio
// producer (capture callback) and the transport event consumer. prebuf,
// ready, conn, and stopping are guarded by mu, held only for O(1) work.
type session struct {
	id  string
	eng *Engine
	src AudioSource
	det SilenceDetector

	mu       sync.Mutex
	prebuf   *prebuffer
	ready    bool
	stopping bool
	failed   bool
	terminal bool
	conn     Conn

	audioCh     chan []byte
	sendAbort   chan struct{}
	flushReq    chan struct{}
	sendDone    chan struct{}
	recvDone    chan struct{}
	connectDone chan struct{}
	completed   chan struct{}
	done        chan struct{}

	completedOnce sync.Once
	abortOnce     sync.Once
	stopOnce      sync.Once
	terminalOnce  sync.Once

	connectCtx    context.Context
	connectCancel context.CancelFunc

	acc       transcript
	stats     sessionStats
	startedAt time.Time
}

func (e *Engine) newSession(src AudioSource, det SilenceDetector) *session {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ConnectTimeout)
	return &session{
		id:            uuid.NewString(),
		eng:           e,
		src:           src,
		det:           det,
		prebuf:        newPrebuffer(prebufferCapacity()),
		audioCh:       make(chan []byte, audioQueueDepth),
		sendAbort:     make(chan struct{}),
		flushReq:      make(chan struct{}),
		sendDone:      make(chan struct{}),
		recvDone:      make(chan struct{}),
		connectDone:   make(chan struct{}),
		completed:     make(chan struct{}),
		done:          make(chan struct{}),
		connectCtx:    ctx,
		connectCancel: cancel,
		startedAt:     time.Now(),
	}
}

func (s *session) connect() {
	defer close(s.connectDone)
	defer s.connectCancel()

	connectStart := time.Now()
	conn, err := s.eng.vendor.Open(s.connectCtx, s.eng.opts.Session)

	s.mu.Lock()
	s.stats.connectDur = time.Since(connectStart)
	stopping := s.stopping
	s.mu.Unlock()

	if err != nil {
		close(s.sendDone)
		close(s.recvDone)
		if !stopping {
			s.fail(err)
		}
		return
	}
	if stopping {
		conn.Close()
		close(s.sendDone)
		close(s.recvDone)
		return
	}

	s.mu.Lock()
	s.conn = conn
	// Buffered audio goes out first, in arrival order. The queue is far
	// deeper than the prebuffer, so these sends cannot block under mu.
	for _, chunk := range s.prebuf.drainAll() {
		s.audioCh <- chunk
	}
	s.ready = true
	s.mu.Unlock()

	go s.runSender()
	go s.runReceiver()
}

// onChunk runs on the capture goroutine for every fixed-duration chunk.
func (s *session) onChunk(chunk []byte) {
	if s.det != nil && s.det.ShouldStop(chunk) {
		log.Info("silence_auto_stop: " + s.id)
		s.shutdown(stopSilence)
		return
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if !s.ready {
		s.prebuf.push(chunk)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Single producer, so queue order is chunk order.
	select {
	case s.audioCh <- chunk:
	case <-s.sendAbort:
	}
}

func (s *session) runSender() {
	defer close(s.sendDone)
	for {
		select {
		case chunk := <-s.audioCh:
			if !s.send(chunk) {
				return
			}
		case <-s.flushReq:
			// Capture has stopped; drain what is queued and exit.
			for {
				select {
				case chunk := <-s.audioCh:
					if !s.send(chunk) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *session) send(chunk []byte) bool {
	if err := s.conn.SendAudio(chunk); err != nil {
		if !s.isStopping() {
			s.fail(fmt.Errorf("%w: %v", ErrTransport, err))
		}
		return false
	}
	s.mu.Lock()
	s.stats.sentChunks++
	s.stats.sentBytes += len(chunk)
	s.mu.Unlock()
	return true
}

func (s *session) runReceiver() {
	defer close(s.recvDone)
	for {
		ev, err := s.conn.Recv()
		if err != nil {
			if s.isStopping() {
				return
			}
			s.fail(fmt.Errorf("%w: %v", ErrTransport, err))
			return
		}

		s.mu.Lock()
		s.stats.recvMessages++
		ended := s.terminal
		s.mu.Unlock()
		if ended {
			continue
		}

		switch ev.Kind {
		case EventDelta:
			if ev.Text == "" {
				continue
			}
			full := s.acc.applyDelta(ev.Text)
			s.mu.Lock()
			s.stats.recvPartial++
			s.mu.Unlock()
			if s.eng.cb.OnPartial != nil {
				s.eng.cb.OnPartial(full)
			}
		case EventReplace:
			full := s.acc.replace(ev.Text)
			s.mu.Lock()
			s.stats.recvReplace++
			s.mu.Unlock()
			if s.eng.cb.OnPartial != nil {
				s.eng.cb.OnPartial(full)
			}
		case EventCompleted:
			// A completed event carrying text is the authoritative full
			// transcript.
			if ev.Text != "" {
				s.acc.replace(ev.Text)
			}
			s.completedOnce.Do(func() { close(s.completed) })
			go s.shutdown(stopServer)
		case EventError:
			s.fail(fmt.Errorf("%w: %s", ErrTransport, ev.Text))
			return
		}
	}
}

func (s *session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// fail surfaces one fatal error and forces the session closed. Later calls
// are no-ops: exactly one terminal callback per session.
func (s *session) fail(err error) {
	fired := false
	s.terminalOnce.Do(func() { fired = true })
	if !fired {
		return
	}
	s.mu.Lock()
	s.failed = true
	s.terminal = true
	s.mu.Unlock()

	log.Errorf("session %s: %v", s.id, err)
	if s.eng.cb.OnError != nil {
		s.eng.cb.OnError(err.Error())
	}
	s.shutdown(stopFailure)
}

func (s *session) shutdown(reason stopReason) {
	s.stopOnce.Do(func() {
		if reason == stopSilence {
			log.Info("capture_stopped: " + s.id)
			if s.eng.cb.OnStopped != nil {
				s.eng.cb.OnStopped()
			}
		}
		go s.finish()
	})
}

// finish is the single teardown path, run exactly once per session.
func (s *session) finish() {
	defer close(s.done)

	// Release the producer before stopping capture: Stop on the real
	// backends waits for the in-flight data callback, and that callback can
	// be parked on a full audio queue behind a stuck network write.
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.abortOnce.Do(func() { close(s.sendAbort) })
	s.connectCancel()

	s.src.Stop()

	<-s.connectDone

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	finalizeStart := time.Now()
	if conn != nil {
		// Flush queued audio, then commit; failures here are logged only,
		// the session is ending regardless.
		close(s.flushReq)
		select {
		case <-s.sendDone:
		case <-time.After(s.eng.opts.StopGrace):
			log.Warn("audio flush timeout: " + s.id)
		}
		s.mu.Lock()
		sentChunks := s.stats.sentChunks
		s.mu.Unlock()
		// Committing an empty buffer makes some vendors error; a session
		// with no full chunk on the wire just ends as no-speech.
		if sentChunks > 0 {
			if err := conn.Commit(); err != nil {
				log.Warnf("commit failed: %v", err)
			}
			// Some vendors deliver the true final only after commit; closing
			// immediately would truncate it. Timeout counts as completion.
			select {
			case <-s.completed:
			case <-s.recvDone:
			case <-time.After(s.eng.opts.StopGrace):
				log.Warn("finalize timeout: " + s.id)
			}
		} else {
			log.Info("no audio sent, skipping commit: " + s.id)
		}
		conn.Close()
	}

	select {
	case <-s.recvDone:
	case <-time.After(drainTimeout):
		log.Warn("receiver drain timeout: " + s.id)
	}

	s.mu.Lock()
	s.stats.finalizeDur = time.Since(finalizeStart)
	s.mu.Unlock()

	s.finalize()
	s.eng.clearSession(s)
	s.logMetrics()
}

// finalize delivers the final transcript unless an error already did the
// terminal honors.
func (s *session) finalize() {
	s.terminalOnce.Do(func() {
		s.mu.Lock()
		s.terminal = true
		s.mu.Unlock()
		text := s.acc.final()
		if s.eng.cb.OnFinal != nil {
			s.eng.cb.OnFinal(text)
		}
	})
}

func (s *session) logMetrics() {
	s.mu.Lock()
	st := s.stats
	dropped := s.prebuf.dropped
	failed := s.failed
	s.mu.Unlock()

	bytesPerSecond := audio.SampleRate * audio.Channels * (audio.BitsPerSample / 8)
	log.SessionMetrics(log.SessionMetricsData{
		SessionID:     s.id,
		Vendor:        s.eng.vendor.Name(),
		ConnectMs:     float64(st.connectDur.Milliseconds()),
		FinalizeMs:    float64(st.finalizeDur.Milliseconds()),
		TotalMs:       float64(time.Since(s.startedAt).Milliseconds()),
		AudioS:        float64(st.sentBytes) / float64(bytesPerSecond),
		SentChunks:    st.sentChunks,
		SentKB:        float64(st.sentBytes) / 1024,
		DroppedChunks: dropped,
		RecvMessages:  st.recvMessages,
		RecvPartial:   st.recvPartial,
		RecvReplace:   st.recvReplace,
		Success:       !failed,
	})
}
