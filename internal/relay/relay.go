package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rzbill/relayd/internal/metrics"
	"github.com/rzbill/relayd/pkg/id"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
)

// DefaultTimeout is the heartbeat interval used when Options.Timeout is
// zero.
const DefaultTimeout = time.Second

// State is the lifecycle stage of a relay.
type State int32

const (
	StateCreated State = iota
	StateInitialJoin
	StateFinalJoin
	StateSubscribe
	StateExiting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialJoin:
		return "initial_join"
	case StateFinalJoin:
		return "final_join"
	case StateSubscribe:
		return "subscribe"
	case StateExiting:
		return "exiting"
	default:
		return "closed"
	}
}

// Peer identifies the replica at the other end of a relay.
type Peer struct {
	ID      uint32
	UUID    id.ID
	Version uint32
	// Sync tags every frame sent in reply to the peer's request.
	Sync uint64
	// VClock is the replica's position when it subscribed.
	VClock vclock.VClock
}

// Options configures a relay.
type Options struct {
	// Timeout is the heartbeat interval. The ack reader fails after four
	// intervals without an ack.
	Timeout time.Duration
	// ForceRecovery skips corrupt or missing WAL entries.
	ForceRecovery bool
	// Filter is an optional CEL expression over replica_id, lsn, op,
	// space, key and ts_ms; rows it rejects are not sent.
	Filter string
	// ReportPolicy overrides the policy chosen from the peer version.
	ReportPolicy ReportPolicy
	Logger       log.Logger

	// Fault injection for tests: delay after every sent frame, delay before
	// a subscribe relay returns, and main loop wake interval override.
	SendDelay      time.Duration
	ExitDelay      time.Duration
	ReportInterval time.Duration
}

func (o Options) heartbeat() time.Duration {
	if o.ReportInterval > 0 {
		return o.ReportInterval
	}
	return o.Timeout
}

// Relay streams rows to one replica. A Relay runs exactly one mode and is
// then closed.
type Relay struct {
	conn   Conn
	peer   Peer
	opts   Options
	logger log.Logger
	filter rowFilter

	state    atomic.Int32
	exiting  atomic.Bool
	rowsSent atomic.Int64
	errs     errSlot

	// Owned by the subscribe main loop.
	recvVClock     vclock.VClock
	lastStatus     vclock.VClock
	statusInFlight bool
	policy         ReportPolicy
	lastSend       time.Time
}

// New creates a relay for peer over conn. It fails only for an invalid
// filter.
func New(conn Conn, peer Peer, opts Options) (*Relay, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	f, err := newRowFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	policy := opts.ReportPolicy
	if policy == nil {
		policy = ReportPolicyFor(peer.Version)
	}
	r := &Relay{
		conn:   conn,
		peer:   peer,
		opts:   opts,
		filter: f,
		policy: policy,
		logger: opts.Logger.WithComponent("relay").With(
			log.Str("relay", "relay/"+conn.RemoteAddr()),
			log.Uint32("replica_id", peer.ID)),
	}
	return r, nil
}

// State returns the current lifecycle stage.
func (r *Relay) State() State { return State(r.state.Load()) }

// RowsSent returns the number of rows written to the replica.
func (r *Relay) RowsSent() int64 { return r.rowsSent.Load() }

// Peer returns the replica identity.
func (r *Relay) Peer() Peer { return r.peer }

func (r *Relay) enter(s State, mode string) {
	r.state.Store(int32(s))
	metrics.RelaysActive.WithLabelValues(mode).Inc()
	r.logger.Info("relay started", log.Str("mode", mode))
}

func (r *Relay) close(mode string, err error) {
	r.state.Store(int32(StateClosed))
	metrics.RelaysActive.WithLabelValues(mode).Dec()
	if err != nil {
		metrics.RelayErrors.WithLabelValues(Reason(err)).Inc()
		r.logger.Error("relay stopped", log.Str("mode", mode), log.Err(err))
		return
	}
	r.logger.Info("relay stopped", log.Str("mode", mode), log.Int64("rows_sent", r.RowsSent()))
}

// send writes one frame and applies the post-send test delay.
func (r *Relay) send(ctx context.Context, frame []byte, rows int, mode string) error {
	if err := r.conn.Send(ctx, frame); err != nil {
		return err
	}
	r.lastSend = time.Now()
	r.rowsSent.Add(int64(rows))
	metrics.RelayRowsSent.WithLabelValues(mode).Add(float64(rows))
	if r.opts.SendDelay > 0 {
		return sleep(ctx, r.opts.SendDelay)
	}
	return nil
}

// fail records err as the relay outcome if none is recorded yet and cancels
// the main loop. A later failure is only logged.
func (r *Relay) fail(err error, cancel context.CancelFunc) {
	if r.errs.set(err) {
		cancel()
		return
	}
	r.logger.Debug("relay already failed, dropping later error", log.Err(err))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
