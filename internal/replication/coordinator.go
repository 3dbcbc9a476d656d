package replication

import (
	"context"
	"strconv"
	"sync"

	"github.com/rzbill/relayd/internal/metrics"
	"github.com/rzbill/relayd/internal/relay"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
)

// Advancer moves a replica's GC pin forward. *gc.Consumer implements it.
type Advancer interface {
	Advance(ctx context.Context, signature int64) error
}

type link struct {
	pipe *relay.Pipe
	gc   Advancer
}

type gcAdvance struct {
	replicaID uint32
	gc        Advancer
	signature int64
}

// Coordinator is the single consumer of every relay's pipe. It keeps the
// applied vclock of each replica (txVClock) and forwards GC advances to the
// replica's pin. It never blocks on a relay: pipes are drained by polling
// whenever a relay signals the wake channel.
type Coordinator struct {
	logger log.Logger
	wake   chan struct{}

	mu      sync.Mutex
	links   map[uint32]*link
	applied map[uint32]vclock.VClock
}

// NewCoordinator creates an idle coordinator; Run drives it.
func NewCoordinator(logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Coordinator{
		logger:  logger.WithComponent("coordinator"),
		wake:    make(chan struct{}, 1),
		links:   make(map[uint32]*link),
		applied: make(map[uint32]vclock.VClock),
	}
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drains pipes until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-c.wake:
			c.Poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Pair creates the pipe for a subscribing replica. applied seeds the
// replica's txVClock with the vclock it subscribed at.
func (c *Coordinator) Pair(replicaID uint32, gc Advancer, applied vclock.VClock, gcBacklog int) *relay.Pipe {
	p := relay.NewPipe(c.notify, gcBacklog, c.logger.With(log.Uint32("replica_id", replicaID)))
	c.mu.Lock()
	c.links[replicaID] = &link{pipe: p, gc: gc}
	if cur, ok := c.applied[replicaID]; !ok || applied.Sum() > cur.Sum() {
		c.applied[replicaID] = applied
	}
	c.mu.Unlock()
	return p
}

// Unpair drains what the relay left in its pipe and forgets it. The relay
// must have exited.
func (c *Coordinator) Unpair(ctx context.Context, replicaID uint32) {
	c.mu.Lock()
	l, ok := c.links[replicaID]
	var adv []gcAdvance
	if ok {
		adv = c.drainLocked(replicaID, l, adv)
		delete(c.links, replicaID)
	}
	c.mu.Unlock()
	c.advance(ctx, adv)
	if ok {
		l.pipe.Close()
	}
}

// Poll processes every queued message once.
func (c *Coordinator) Poll(ctx context.Context) {
	c.mu.Lock()
	var adv []gcAdvance
	for rid, l := range c.links {
		adv = c.drainLocked(rid, l, adv)
	}
	c.mu.Unlock()
	c.advance(ctx, adv)
}

func (c *Coordinator) drainLocked(replicaID uint32, l *link, adv []gcAdvance) []gcAdvance {
	for {
		m, ok := l.pipe.PollStatus()
		if !ok {
			break
		}
		c.applied[replicaID] = m.VClock
		metrics.ReplicaSignature.WithLabelValues(strconv.FormatUint(uint64(replicaID), 10)).Set(float64(m.VClock.Sum()))
		l.pipe.Ack()
	}
	for {
		m, ok := l.pipe.PollGC()
		if !ok {
			break
		}
		adv = append(adv, gcAdvance{replicaID: replicaID, gc: l.gc, signature: m.Signature})
	}
	return adv
}

// advance runs pin updates outside the lock; they write to storage and may
// collect WAL segments.
func (c *Coordinator) advance(ctx context.Context, adv []gcAdvance) {
	for _, a := range adv {
		if a.gc == nil {
			continue
		}
		if err := a.gc.Advance(ctx, a.signature); err != nil {
			c.logger.Warn("gc advance failed",
				log.Uint32("replica_id", a.replicaID), log.Int64("signature", a.signature), log.Err(err))
		}
	}
}

// AppliedVClock returns a copy of the last vclock a replica reported.
func (c *Coordinator) AppliedVClock(replicaID uint32) (vclock.VClock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.applied[replicaID]
	return v, ok
}

// Paired reports whether a relay for replicaID is attached.
func (c *Coordinator) Paired(replicaID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.links[replicaID]
	return ok
}
