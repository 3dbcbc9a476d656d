package relay

import (
	"context"
	"sync"
	"time"
)

// FrameStream is a bidirectional stream of frames, such as either side of
// a gRPC replication stream.
type FrameStream interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Context() context.Context
}

// StreamConn adapts a FrameStream to Conn. Frames are read by a background
// goroutine started on the first Recv so that reads can time out.
type StreamConn struct {
	s      FrameStream
	remote string

	start  sync.Once
	frames chan []byte
	done   chan struct{}
	err    error // set before done is closed

	sendMu sync.Mutex
	// pending holds the result of a send abandoned by a cancelled caller.
	pending chan error
}

// NewStreamConn wraps s; remote names the peer in logs.
func NewStreamConn(s FrameStream, remote string) *StreamConn {
	return &StreamConn{s: s, remote: remote, frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *StreamConn) RemoteAddr() string { return c.remote }

// Send writes frame, returning early with ctx.Err() if ctx is done while the
// underlying stream is blocked. The abandoned write finishes in the
// background and the next Send waits for it first, so at most one write is
// outstanding. frame must not be modified after Send returns.
func (c *StreamConn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.pending != nil {
		select {
		case err := <-c.pending:
			c.pending = nil
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	res := make(chan error, 1)
	go func() { res <- c.s.Send(frame) }()
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		c.pending = res
		return ctx.Err()
	}
}

func (c *StreamConn) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.start.Do(func() { go c.pump() })
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
			return nil, c.err
		}
	case <-expire:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *StreamConn) pump() {
	for {
		f, err := c.s.Recv()
		if err != nil {
			c.err = err
			close(c.done)
			return
		}
		select {
		case c.frames <- f:
		case <-c.s.Context().Done():
			c.err = c.s.Context().Err()
			close(c.done)
			return
		}
	}
}
