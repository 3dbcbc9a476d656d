package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrConnectionProtocol is recorded when a replica sends a frame that is
	// not a vclock ack.
	ErrConnectionProtocol = errors.New("relay: malformed ack frame")
	// ErrHeartbeatTimeout is recorded when no ack arrives within four
	// heartbeat intervals.
	ErrHeartbeatTimeout = errors.New("relay: heartbeat timeout")
	// ErrDuplicateReplica is returned when a replica subscribes while it
	// already has an active relay.
	ErrDuplicateReplica = errors.New("relay: duplicate replica connection")
	// ErrWALReplay wraps failures while replaying the WAL to the replica.
	ErrWALReplay = errors.New("relay: wal replay failed")
	// ErrAllocation marks a GC advance that could not be queued. It is
	// logged and never escalated.
	ErrAllocation = errors.New("relay: gc advance dropped")
	// ErrStopNotReached is returned when a final join replay ends before the
	// stop vclock.
	ErrStopNotReached = errors.New("relay: final join ended before stop vclock")
)

// errSlot holds the first terminal error of a relay. Later errors are
// rejected.
type errSlot struct {
	mu  sync.Mutex
	err error
}

// set records err if the slot is empty and reports whether it did.
func (s *errSlot) set(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	return true
}

func (s *errSlot) get() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reason maps a relay error to a short label for metrics and status.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrConnectionProtocol):
		return "protocol"
	case errors.Is(err, ErrDuplicateReplica):
		return "duplicate"
	case errors.Is(err, ErrStopNotReached):
		return "stop_not_reached"
	case errors.Is(err, ErrWALReplay):
		return "wal_replay"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "connection"
	}
}
