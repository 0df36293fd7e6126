package audio

import (
	"errors"
	"sync"
)

// Source adapts a CaptureDevice into the fixed-chunk feed one recognition
// session consumes. One Source serves one session: once stopped it cannot be
// restarted, but a new Source may wrap the same device.
type Source struct {
	dev     CaptureDevice
	chunker *Chunker

	mu      sync.Mutex
	running bool
	stopped bool
}

func NewSource(dev CaptureDevice) *Source {
	return &Source{dev: dev, chunker: NewChunker(ChunkBytes)}
}

// HasPermission reports whether the capture device is usable at all. On the
// desktop platforms the real denial surfaces as a Start error, so this only
// catches the device never having been opened.
func (s *Source) HasPermission() bool {
	return s.dev != nil
}

// Start begins delivering fixed-size chunks to onChunk from the capture
// callback goroutine. onChunk must not block on network I/O.
func (s *Source) Start(onChunk func(chunk []byte)) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("audio source already consumed")
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("audio source already started")
	}
	s.running = true
	s.mu.Unlock()

	s.dev.SetCallback(func(data []byte, _ uint32) {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		chunks := s.chunker.Push(data)
		s.mu.Unlock()
		for _, chunk := range chunks {
			onChunk(chunk)
		}
	})

	if err := s.dev.Start(); err != nil {
		s.dev.ClearCallback()
		s.mu.Lock()
		s.running = false
		s.stopped = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// Stop ends capture immediately. Safe to call twice.
func (s *Source) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	wasRunning := s.running
	s.stopped = true
	s.running = false
	s.chunker.Reset()
	s.mu.Unlock()

	if wasRunning {
		s.dev.Stop()
		s.dev.ClearCallback()
	}
}

func (s *Source) DeviceName() string {
	if s.dev == nil {
		return "none"
	}
	return s.dev.DeviceName()
}
