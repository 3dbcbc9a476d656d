package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/relayd/internal/engine"
	"github.com/rzbill/relayd/internal/relay"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

const (
	DefaultTimeout           = time.Second
	DefaultReconnectDelay    = 100 * time.Millisecond
	DefaultMaxReconnectDelay = 5 * time.Second
)

// Stream is one connection to the primary.
type Stream interface {
	relay.Conn
	Close() error
}

// Dialer opens a new stream to the primary.
type Dialer func(ctx context.Context) (Stream, error)

// Options configures an Applier.
type Options struct {
	// Timeout is the ack interval. The primary is considered gone after
	// four timeouts without a frame.
	Timeout time.Duration
	// Filter is an optional CEL row filter sent with every subscribe.
	Filter string
	// ReconnectDelay is the first retry delay; it doubles up to
	// MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            log.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = DefaultMaxReconnectDelay
		if o.MaxReconnectDelay < o.ReconnectDelay {
			o.MaxReconnectDelay = o.ReconnectDelay
		}
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
}

// State is the applier lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateJoining
	StateFollowing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateFollowing:
		return "following"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is a point-in-time view of the applier for the admin API.
type Status struct {
	State       string `json:"state"`
	ReplicaID   uint32 `json:"replica_id"`
	VClock      string `json:"vclock"`
	RowsApplied int64  `json:"rows_applied"`
	LastError   string `json:"last_error,omitempty"`
}

// Applier joins a primary once and then follows its WAL, applying every
// batch to the local engine and acknowledging the local vclock.
type Applier struct {
	engine  *engine.Engine
	cluster *replication.Cluster
	dial    Dialer
	opts    Options
	logger  log.Logger

	state   atomic.Int32
	sync    atomic.Uint64
	applied atomic.Int64

	mu      sync.Mutex
	lastErr error
}

// New builds an applier for the local engine e. cluster holds the local
// identity; a zero self id means the instance has not joined yet.
func New(e *engine.Engine, cluster *replication.Cluster, dial Dialer, opts Options) *Applier {
	opts.defaults()
	return &Applier{
		engine:  e,
		cluster: cluster,
		dial:    dial,
		opts:    opts,
		logger:  opts.Logger.WithComponent("applier"),
	}
}

func (a *Applier) State() State { return State(a.state.Load()) }

// Status reports the applier state and local progress.
func (a *Applier) Status() Status {
	st := Status{
		State:       a.State().String(),
		ReplicaID:   a.cluster.SelfID(),
		VClock:      a.engine.VClock().String(),
		RowsApplied: a.applied.Load(),
	}
	a.mu.Lock()
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	a.mu.Unlock()
	return st
}

func (a *Applier) setErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// Run joins if needed and follows the primary until ctx is done,
// reconnecting with exponential backoff after every failure.
func (a *Applier) Run(ctx context.Context) error {
	defer a.state.Store(int32(StateStopped))
	delay := a.opts.ReconnectDelay
	for {
		followed, err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.setErr(err)
		if followed {
			delay = a.opts.ReconnectDelay
		}
		a.logger.Warn("replication interrupted", log.Err(err), log.Dur("retry_in", delay))
		a.state.Store(int32(StateIdle))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if delay *= 2; delay > a.opts.MaxReconnectDelay {
			delay = a.opts.MaxReconnectDelay
		}
	}
}

func (a *Applier) runOnce(ctx context.Context) (followed bool, err error) {
	if a.cluster.SelfID() == 0 {
		if err := a.Join(ctx); err != nil {
			return false, err
		}
	}
	return a.follow(ctx)
}

func (a *Applier) open(ctx context.Context) (Stream, error) {
	s, err := a.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("replica: dial: %w", err)
	}
	return s, nil
}

func (a *Applier) recv(ctx context.Context, s Stream) ([]byte, xrow.Header, error) {
	f, err := s.Recv(ctx, 4*a.opts.Timeout)
	if err != nil {
		if errors.Is(err, relay.ErrTimeout) {
			err = fmt.Errorf("%w: primary silent for %s", relay.ErrHeartbeatTimeout, 4*a.opts.Timeout)
		}
		return nil, xrow.Header{}, err
	}
	hdr, err := xrow.PeekHeader(f)
	if err != nil {
		return nil, xrow.Header{}, err
	}
	return f, hdr, nil
}

// Join fetches a full copy of the primary's data: snapshot rows up to the
// first VCLOCK frame, then WAL rows up to the second. The assigned replica
// id is persisted only after both stages complete.
func (a *Applier) Join(ctx context.Context) error {
	a.state.Store(int32(StateJoining))
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	req := xrow.JoinRequest{Sync: a.sync.Add(1), InstanceID: a.cluster.Self(), Version: xrow.Version}
	if err := s.Send(ctx, req.Encode(nil)); err != nil {
		return err
	}
	f, _, err := a.recv(ctx, s)
	if err != nil {
		return err
	}
	resp, err := xrow.DecodeJoinResponse(f)
	if err != nil {
		return err
	}
	logger := a.logger.With(log.Uint32("replica_id", resp.ReplicaID), log.Str("primary", s.RemoteAddr()))
	logger.Info("joining", log.Str("vclock", resp.VClock.String()))

	var rows int64
	start, err := a.readRows(ctx, s, func(row *xrow.Row) error {
		rows++
		return a.engine.LoadSnapshotRow(ctx, row)
	})
	if err != nil {
		return fmt.Errorf("replica: initial join: %w", err)
	}
	if err := a.engine.FinishSnapshot(ctx, start); err != nil {
		return err
	}
	stop, err := a.readRows(ctx, s, func(row *xrow.Row) error {
		n, err := a.engine.Apply(ctx, []xrow.Row{*row})
		rows += int64(n)
		return err
	})
	if err != nil {
		return fmt.Errorf("replica: final join: %w", err)
	}
	a.applied.Add(rows)

	if err := a.cluster.SetSelfID(ctx, resp.ReplicaID); err != nil {
		return err
	}
	a.engine.SetInstanceID(resp.ReplicaID)
	logger.Info("joined", log.Str("vclock", stop.String()), log.Int64("rows", rows))
	return nil
}

// readRows passes row frames to fn until a VCLOCK frame, whose vclock it
// returns.
func (a *Applier) readRows(ctx context.Context, s Stream, fn func(*xrow.Row) error) (vclock.VClock, error) {
	for {
		f, hdr, err := a.recv(ctx, s)
		if err != nil {
			return vclock.VClock{}, err
		}
		if hdr.Type == xrow.TypeVClock {
			return xrow.DecodeVClock(f)
		}
		if !hdr.Type.IsDML() {
			return vclock.VClock{}, fmt.Errorf("%w: %s frame", xrow.ErrUnexpected, hdr.Type)
		}
		row, err := xrow.DecodeRow(f)
		if err != nil {
			return vclock.VClock{}, err
		}
		if err := fn(&row); err != nil {
			return vclock.VClock{}, err
		}
	}
}

// Subscribe follows the primary from the local vclock until ctx is done or
// the stream fails. Cancellation is not an error.
func (a *Applier) Subscribe(ctx context.Context) error {
	_, err := a.follow(ctx)
	return err
}

func (a *Applier) follow(ctx context.Context) (bool, error) {
	s, err := a.open(ctx)
	if err != nil {
		return false, err
	}
	defer s.Close()

	from := a.engine.VClock()
	req := xrow.SubscribeRequest{
		Sync:       a.sync.Add(1),
		InstanceID: a.cluster.Self(),
		VClock:     from,
		Version:    xrow.Version,
		Filter:     a.opts.Filter,
	}
	if err := s.Send(ctx, req.Encode(nil)); err != nil {
		return false, err
	}
	f, _, err := a.recv(ctx, s)
	if err != nil {
		return false, err
	}
	resp, err := xrow.DecodeSubscribeResponse(f)
	if err != nil {
		return false, err
	}
	a.state.Store(int32(StateFollowing))
	a.logger.Info("following primary", log.Str("primary", s.RemoteAddr()),
		log.Str("from", from.String()), log.Str("primary_vclock", resp.VClock.String()))

	applied := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.applyLoop(gctx, s, applied) })
	g.Go(func() error { return a.ackLoop(gctx, s, applied) })
	err = g.Wait()
	if ctx.Err() != nil {
		return true, nil
	}
	return true, err
}

// applyLoop applies every batch and treats VCLOCK frames as heartbeats.
func (a *Applier) applyLoop(ctx context.Context, s Stream, applied chan<- struct{}) error {
	for {
		f, hdr, err := a.recv(ctx, s)
		if err != nil {
			return err
		}
		switch hdr.Type {
		case xrow.TypeBatch:
			b, err := xrow.DecodeBatch(f)
			if err != nil {
				return err
			}
			n, err := a.engine.Apply(ctx, b.Rows)
			if err != nil {
				return fmt.Errorf("replica: apply: %w", err)
			}
			a.applied.Add(int64(n))
			select {
			case applied <- struct{}{}:
			default:
			}
		case xrow.TypeVClock:
		default:
			return fmt.Errorf("%w: %s frame", xrow.ErrUnexpected, hdr.Type)
		}
	}
}

// ackLoop sends the local vclock after every applied batch and at least
// once per timeout.
func (a *Applier) ackLoop(ctx context.Context, s Stream, applied <-chan struct{}) error {
	t := time.NewTicker(a.opts.Timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-applied:
		case <-t.C:
		}
		if err := s.Send(ctx, xrow.EncodeVClock(nil, 0, a.engine.VClock())); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
