package audio

import (
	"bytes"
	"sync"
	"testing"
)

// stubDevice is a minimal CaptureDevice driven manually from tests.
type stubDevice struct {
	mu       sync.Mutex
	cb       DataCallback
	started  bool
	stopped  bool
	startErr error
}

func (d *stubDevice) Start() error {
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}
func (d *stubDevice) Stop()  { d.stopped = true }
func (d *stubDevice) Close() {}
func (d *stubDevice) SetCallback(cb DataCallback) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}
func (d *stubDevice) ClearCallback() {
	d.mu.Lock()
	d.cb = nil
	d.mu.Unlock()
}
func (d *stubDevice) DeviceName() string { return "stub" }

func (d *stubDevice) feed(data []byte) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(data, uint32(len(data)/2))
	}
}

func TestSourceDeliversFixedChunks(t *testing.T) {
	dev := &stubDevice{}
	src := NewSource(dev)

	var got [][]byte
	if err := src.Start(func(chunk []byte) { got = append(got, chunk) }); err != nil {
		t.Fatal(err)
	}

	// One and a half chunks of data in odd-sized pieces.
	piece := make([]byte, ChunkBytes/2)
	dev.feed(piece)
	dev.feed(piece)
	dev.feed(piece)

	if len(got) != 1 {
		t.Fatalf("got %d chunks, want 1", len(got))
	}
	if len(got[0]) != ChunkBytes {
		t.Errorf("chunk size = %d, want %d", len(got[0]), ChunkBytes)
	}
	if !bytes.Equal(got[0], make([]byte, ChunkBytes)) {
		t.Error("chunk content mismatch")
	}
}

func TestSourceStopIsImmediateAndFinal(t *testing.T) {
	dev := &stubDevice{}
	src := NewSource(dev)

	var got int
	if err := src.Start(func([]byte) { got++ }); err != nil {
		t.Fatal(err)
	}
	src.Stop()
	src.Stop() // idempotent

	dev.feed(make([]byte, ChunkBytes*2))
	if got != 0 {
		t.Errorf("chunks delivered after stop: %d", got)
	}
	if !dev.stopped {
		t.Error("device not stopped")
	}
	if err := src.Start(func([]byte) {}); err == nil {
		t.Error("source should not restart after stop")
	}
}

func TestSourceStartFailure(t *testing.T) {
	dev := &stubDevice{startErr: errStart}
	src := NewSource(dev)
	if err := src.Start(func([]byte) {}); err == nil {
		t.Fatal("expected start error")
	}
}

var errStart = &stubErr{}

type stubErr struct{}

func (*stubErr) Error() string { return "start failed" }
