package runtime

import (
	"context"
	"errors"
	"time"

	cfgpkg "github.com/rzbill/relayd/internal/config"
	"github.com/rzbill/relayd/internal/engine"
	"github.com/rzbill/relayd/internal/gc"
	"github.com/rzbill/relayd/internal/metrics"
	"github.com/rzbill/relayd/internal/relay"
	"github.com/rzbill/relayd/internal/replication"
	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/internal/wal"
	"github.com/rzbill/relayd/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, the WAL, the engine, GC pins and the cluster
// identity of a single instance.
type Runtime struct {
	db      *pebblestore.DB
	wal     *wal.WAL
	engine  *engine.Engine
	gc      *gc.Registry
	cluster *replication.Cluster
	config  cfgpkg.Config
	logger  log.Logger
}

// Open initializes the underlying storage and returns a Runtime. A primary
// that has never been assigned an id takes id 1.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       metrics.StorageHook{},
		Logger:        opts.Logger.WithComponent("pebble"),
	})
	if err != nil {
		return nil, err
	}
	rt, err := open(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return rt, nil
}

func open(db *pebblestore.DB, opts Options) (*Runtime, error) {
	w, err := wal.Open(db, wal.Options{
		SegmentMaxBytes: int64(opts.Config.WAL.SegmentSize),
		Logger:          opts.Logger,
		Collect:         metrics.CollectHook{},
	})
	if err != nil {
		return nil, err
	}
	reg, err := gc.Open(db, w, opts.Logger)
	if err != nil {
		return nil, err
	}
	cluster, err := replication.OpenCluster(db, opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.Config.Role != cfgpkg.RoleReplica && cluster.SelfID() == 0 {
		if err := cluster.SetSelfID(context.Background(), 1); err != nil {
			return nil, err
		}
	}
	e := engine.Open(db, w, engine.Options{InstanceID: cluster.SelfID(), Logger: opts.Logger})
	opts.Logger.Info("instance ready",
		log.Str("uuid", cluster.Self().String()),
		log.Uint32("id", cluster.SelfID()),
		log.Str("role", opts.Config.Role),
		log.Str("vclock", e.VClock().String()))
	return &Runtime{
		db:      db,
		wal:     w,
		engine:  e,
		gc:      reg,
		cluster: cluster,
		config:  opts.Config,
		logger:  opts.Logger,
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// ReplicationOptions builds the replication service options from config.
func (r *Runtime) ReplicationOptions() replication.Options {
	rc := r.config.Replication
	opts := replication.Options{
		Relay: relay.Options{
			Timeout:        rc.Timeout(),
			ForceRecovery:  rc.ForceRecovery,
			SendDelay:      rc.Fault.SendDelay(),
			ExitDelay:      rc.Fault.ExitDelay(),
			ReportInterval: rc.Fault.ReportInterval(),
			Logger:         r.logger,
		},
		GCBacklog: rc.GCBacklog,
		Logger:    r.logger,
	}
	if rc.LegacyAck {
		opts.Relay.ReportPolicy = relay.LegacyReportPolicy{}
	}
	return opts
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

func (r *Runtime) WAL() *wal.WAL                 { return r.wal }
func (r *Runtime) Engine() *engine.Engine        { return r.engine }
func (r *Runtime) GC() *gc.Registry              { return r.gc }
func (r *Runtime) Cluster() *replication.Cluster { return r.cluster }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

func (r *Runtime) Logger() log.Logger { return r.logger }
