package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/relayd/internal/engine"
	"github.com/rzbill/relayd/internal/gc"
	"github.com/rzbill/relayd/internal/metrics"
	"github.com/rzbill/relayd/internal/relay"
	"github.com/rzbill/relayd/pkg/id"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// Options configures the replication service.
type Options struct {
	// Relay is the template for every relay; Filter is taken from the
	// subscribe request instead.
	Relay relay.Options
	// GCBacklog bounds queued GC advances per replica.
	GCBacklog int
	Logger    log.Logger
}

// ReplicaStatus is a point-in-time view of a replica for the admin API.
type ReplicaStatus struct {
	ID          uint32    `json:"id"`
	UUID        id.ID     `json:"uuid"`
	Connected   bool      `json:"connected"`
	State       string    `json:"state,omitempty"`
	Peer        string    `json:"peer,omitempty"`
	Applied     string    `json:"applied"`
	Signature   int64     `json:"gc_signature"`
	RowsSent    int64     `json:"rows_sent"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type session struct {
	relay       *relay.Relay
	peer        string
	connectedAt time.Time
}

// Service accepts join and subscribe requests and runs a relay for each.
// At most one subscribe relay per replica id is live at a time.
type Service struct {
	engine  *engine.Engine
	gc      *gc.Registry
	cluster *Cluster
	coord   *Coordinator
	opts    Options
	logger  log.Logger

	mu       sync.Mutex
	sessions map[uint32]*session
	lastErr  map[uint32]string
}

// NewService wires the service. Run must be started for status and GC
// messages to be processed.
func NewService(e *engine.Engine, reg *gc.Registry, cluster *Cluster, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Relay.Logger == nil {
		opts.Relay.Logger = opts.Logger
	}
	return &Service{
		engine:   e,
		gc:       reg,
		cluster:  cluster,
		coord:    NewCoordinator(opts.Logger),
		opts:     opts,
		logger:   opts.Logger.WithComponent("replication"),
		sessions: make(map[uint32]*session),
		lastErr:  make(map[uint32]string),
	}
}

// Run drives the coordinator until ctx is done.
func (s *Service) Run(ctx context.Context) { s.coord.Run(ctx) }

// Coordinator exposes the coordinator, mainly for tests.
func (s *Service) Coordinator() *Coordinator { return s.coord }

func pinName(u id.ID) string { return "replica/" + u.String() }

// Join assigns the instance a replica id and sends it a full copy of the
// data: the join response, every snapshot row, a VCLOCK marker at the
// snapshot vclock, the WAL rows written since, and a final VCLOCK frame.
func (s *Service) Join(ctx context.Context, conn relay.Conn, req xrow.JoinRequest) error {
	rid, err := s.cluster.Register(ctx, req.InstanceID)
	if err != nil {
		return err
	}
	snap := s.engine.Snapshot()
	defer snap.Close()
	start := snap.VClock()
	if _, err := s.gc.Register(ctx, pinName(req.InstanceID), start.Sum()); err != nil {
		return err
	}
	logger := s.logger.With(log.Uint32("replica_id", rid), log.Str("peer", conn.RemoteAddr()))
	logger.Info("replica joining", log.Str("vclock", start.String()))

	resp := xrow.JoinResponse{Sync: req.Sync, ReplicaID: rid, VClock: start}
	if err := conn.Send(ctx, resp.Encode(nil)); err != nil {
		return err
	}
	peer := relay.Peer{ID: rid, UUID: req.InstanceID, Version: req.Version, Sync: req.Sync}
	opts := s.opts.Relay
	opts.Filter = ""

	initial, err := relay.New(conn, peer, opts)
	if err != nil {
		return err
	}
	if err := initial.InitialJoin(ctx, snap); err != nil {
		return err
	}
	if err := conn.Send(ctx, xrow.EncodeVClock(nil, req.Sync, start)); err != nil {
		return err
	}

	stop := s.engine.VClock()
	final, err := relay.New(conn, peer, opts)
	if err != nil {
		return err
	}
	if err := final.FinalJoin(ctx, relay.NewWALSource(s.engine.WAL()), start, stop); err != nil {
		return err
	}
	if err := conn.Send(ctx, xrow.EncodeVClock(nil, req.Sync, stop)); err != nil {
		return err
	}
	logger.Info("replica joined", log.Str("vclock", stop.String()),
		log.Int64("rows", initial.RowsSent()+final.RowsSent()))
	return nil
}

// Subscribe streams the WAL to a joined replica until ctx is done or the
// relay fails. A replica that already has a live subscription is rejected
// with relay.ErrDuplicateReplica before anything is sent.
func (s *Service) Subscribe(ctx context.Context, conn relay.Conn, req xrow.SubscribeRequest) error {
	rid, ok := s.cluster.Lookup(req.InstanceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, req.InstanceID)
	}
	if rid == s.cluster.SelfID() {
		return fmt.Errorf("replication: instance %s subscribed to itself", req.InstanceID)
	}
	opts := s.opts.Relay
	opts.Filter = req.Filter
	r, err := relay.New(conn, relay.Peer{
		ID:      rid,
		UUID:    req.InstanceID,
		Version: req.Version,
		Sync:    req.Sync,
		VClock:  req.VClock,
	}, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, busy := s.sessions[rid]; busy {
		s.mu.Unlock()
		metrics.RelayErrors.WithLabelValues(relay.Reason(relay.ErrDuplicateReplica)).Inc()
		return fmt.Errorf("%w: replica %d", relay.ErrDuplicateReplica, rid)
	}
	s.sessions[rid] = &session{relay: r, peer: conn.RemoteAddr(), connectedAt: time.Now()}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, rid)
		s.mu.Unlock()
	}()

	pin, err := s.gc.Register(ctx, pinName(req.InstanceID), req.VClock.Sum())
	if err != nil {
		return err
	}
	resp := xrow.SubscribeResponse{Sync: req.Sync, VClock: s.engine.VClock()}
	if err := conn.Send(ctx, resp.Encode(nil)); err != nil {
		return err
	}

	pipe := s.coord.Pair(rid, pin, req.VClock, s.opts.GCBacklog)
	err = r.Subscribe(ctx, relay.NewWALSource(s.engine.WAL()), pipe)
	s.coord.Unpair(context.WithoutCancel(ctx), rid)

	s.mu.Lock()
	if err != nil {
		s.lastErr[rid] = err.Error()
	} else {
		delete(s.lastErr, rid)
	}
	s.mu.Unlock()
	return err
}

// AppliedVClock returns the last vclock replicaID reported as applied.
func (s *Service) AppliedVClock(replicaID uint32) (vclock.VClock, bool) {
	return s.coord.AppliedVClock(replicaID)
}

// Replicas lists every registered replica other than this instance.
func (s *Service) Replicas() []ReplicaStatus {
	pins := make(map[string]int64)
	for _, p := range s.gc.Pins() {
		pins[p.Name] = p.Signature
	}
	self := s.cluster.SelfID()
	var out []ReplicaStatus
	for _, m := range s.cluster.Members() {
		if m.ID == self {
			continue
		}
		st := ReplicaStatus{ID: m.ID, UUID: m.UUID, Signature: pins[pinName(m.UUID)]}
		if v, ok := s.coord.AppliedVClock(m.ID); ok {
			st.Applied = v.String()
		}
		s.mu.Lock()
		if sess, ok := s.sessions[m.ID]; ok {
			st.Connected = true
			st.State = sess.relay.State().String()
			st.Peer = sess.peer
			st.RowsSent = sess.relay.RowsSent()
			st.ConnectedAt = sess.connectedAt
		}
		st.LastError = s.lastErr[m.ID]
		s.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
