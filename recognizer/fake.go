package recognizer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FakeVendor is a scripted recognizer for tests. Open hands out a FakeConn
// whose events the test feeds by hand.
type FakeVendor struct {
	OpenErr   error
	OpenDelay time.Duration

	mu     sync.Mutex
	conn   *FakeConn
	connCh chan *FakeConn
}

func NewFakeVendor() *FakeVendor {
	return &FakeVendor{connCh: make(chan *FakeConn, 1)}
}

func (f *FakeVendor) Name() string { return "fake" }

func (f *FakeVendor) Open(ctx context.Context, _ SessionConfig) (Conn, error) {
	if f.OpenDelay > 0 {
		select {
		case <-time.After(f.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	c := newFakeConn()
	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()
	select {
	case f.connCh <- c:
	default:
	}
	return c, nil
}

// WaitConn blocks until Open has produced a connection.
func (f *FakeVendor) WaitConn(timeout time.Duration) *FakeConn {
	select {
	case c := <-f.connCh:
		return c
	case <-time.After(timeout):
		return nil
	}
}

type FakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	commits   int // commit messages on the wire, not Commit calls
	committed bool
	sendErr   error
	closed    bool

	events  chan Event
	recvErr chan error

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakeConn() *FakeConn {
	return &FakeConn{
		events:   make(chan Event, 32),
		recvErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

// Emit queues one server event for Recv.
func (c *FakeConn) Emit(ev Event) { c.events <- ev }

// FailRecv makes the next Recv return err, as a dropped transport would.
func (c *FakeConn) FailRecv(err error) { c.recvErr <- err }

func (c *FakeConn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *FakeConn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.committed {
		return nil
	}
	c.committed = true
	c.commits++
	return nil
}

func (c *FakeConn) Recv() (Event, error) {
	// Queued events drain before close is observed.
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.recvErr:
		return Event{}, err
	case <-c.closedCh:
		return Event{}, errors.New("fake connection closed")
	}
}

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closedCh)
	})
	return nil
}

func (c *FakeConn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *FakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *FakeConn) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
