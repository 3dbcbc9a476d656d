package relay

import (
	"fmt"

	"github.com/eapache/channels"

	"github.com/rzbill/relayd/internal/metrics"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
)

// DefaultGCBacklog bounds the queued GC advances per relay.
const DefaultGCBacklog = 16

// StatusMsg reports the vclock a replica has applied.
type StatusMsg struct {
	VClock vclock.VClock
}

// GCMsg allows WAL collection up to Signature for the relay's replica.
type GCMsg struct {
	Signature int64
}

// Pipe connects one relay to the coordinator. Status updates are
// single-flight: the relay sends one and waits for the coordinator's ack
// before sending another. GC advances are fire-and-forget through a bounded
// buffer that drops on overflow. Neither side ever blocks on the other.
type Pipe struct {
	status chan StatusMsg
	ack    chan struct{}
	gc     *channels.OverflowingChannel
	wake   func()
	logger log.Logger
}

// NewPipe creates a pipe. wake is called after every message the relay
// sends and must not block.
func NewPipe(wake func(), gcBacklog int, logger log.Logger) *Pipe {
	if gcBacklog <= 0 {
		gcBacklog = DefaultGCBacklog
	}
	if wake == nil {
		wake = func() {}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pipe{
		status: make(chan StatusMsg, 1),
		ack:    make(chan struct{}, 1),
		gc:     channels.NewOverflowingChannel(channels.BufferCap(gcBacklog)),
		wake:   wake,
		logger: logger,
	}
}

// pushStatus queues m unless a status is already queued.
func (p *Pipe) pushStatus(m StatusMsg) bool {
	select {
	case p.status <- m:
		p.wake()
		return true
	default:
		return false
	}
}

// pushGC queues m, dropping it when the backlog is full. A later advance
// subsumes a dropped one.
func (p *Pipe) pushGC(m GCMsg) {
	if p.gc.Len() >= int(p.gc.Cap()) {
		metrics.RelayGCDropped.Inc()
		p.logger.Warn("gc advance dropped", log.Err(fmt.Errorf("%w: signature %d", ErrAllocation, m.Signature)))
		return
	}
	p.gc.In() <- m
	p.wake()
}

// acks is signalled by the coordinator once it has consumed a status.
func (p *Pipe) acks() <-chan struct{} { return p.ack }

// PollStatus returns a queued status without blocking.
func (p *Pipe) PollStatus() (StatusMsg, bool) {
	select {
	case m := <-p.status:
		return m, true
	default:
		return StatusMsg{}, false
	}
}

// PollGC returns a queued GC advance without blocking.
func (p *Pipe) PollGC() (GCMsg, bool) {
	// Len is answered by the buffer goroutine only while it is also offering
	// the head element, so a non-zero Len makes the receive below immediate.
	if p.gc.Len() == 0 {
		return GCMsg{}, false
	}
	v, ok := <-p.gc.Out()
	if !ok {
		return GCMsg{}, false
	}
	return v.(GCMsg), true
}

// Ack clears the relay's in-flight status marker.
func (p *Pipe) Ack() {
	select {
	case p.ack <- struct{}{}:
	default:
	}
}

// Close releases the GC buffer. The relay must have stopped sending.
func (p *Pipe) Close() { p.gc.Close() }
