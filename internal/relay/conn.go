package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/relayd/internal/wal"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// ErrTimeout is returned by Conn.Recv when no frame arrives in time.
var ErrTimeout = errors.New("relay: receive timed out")

// Conn is a framed full-duplex connection to one replica. A relay calls
// Send only from its main loop and Recv only from its ack reader, so an
// implementation needs no locking between the two directions.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	// Recv returns the next frame, or ErrTimeout if none arrives within
	// timeout. A zero timeout waits indefinitely.
	Recv(ctx context.Context, timeout time.Duration) ([]byte, error)
	RemoteAddr() string
}

// Cursor replays the WAL from a position. See wal.Reader.
type Cursor interface {
	Replay(ctx context.Context, stop *vclock.VClock, s wal.Stream) error
	VClock() vclock.VClock
	OnClose(fn func(signature int64))
}

// Watch delivers coalesced WAL change events. See wal.Watcher.
type Watch interface {
	C() <-chan struct{}
	Events() wal.Event
	Close()
}

// Source is the WAL a relay tails.
type Source interface {
	NewCursor(from vclock.VClock, forceRecovery bool) (Cursor, error)
	Watch() Watch
}

// Snapshot is a consistent copy of the data streamed by initial join.
type Snapshot interface {
	Rows(ctx context.Context, fn func(*xrow.Row) error) error
}

type walSource struct{ w *wal.WAL }

// NewWALSource adapts a WAL to Source.
func NewWALSource(w *wal.WAL) Source { return walSource{w: w} }

func (s walSource) NewCursor(from vclock.VClock, force bool) (Cursor, error) {
	r, err := s.w.NewReader(from, wal.ReaderOptions{ForceRecovery: force})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s walSource) Watch() Watch { return s.w.Watch() }
