package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	transports "github.com/rzbill/relayd/internal/cmd/client/transports"
	cfgpkg "github.com/rzbill/relayd/internal/config"
	"github.com/rzbill/relayd/internal/replica"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/internal/runtime"
	grpcserver "github.com/rzbill/relayd/internal/server/grpc"
	httpserver "github.com/rzbill/relayd/internal/server/http"
	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	logpkg "github.com/rzbill/relayd/pkg/log"
)

const healthInterval = 5 * time.Second

type Options struct {
	DataDir       string
	GRPCAddr      string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Run opens the instance and blocks until ctx is cancelled. A primary
// serves replication over gRPC; a replica follows Config.Upstream. Both
// serve the admin HTTP API.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := opts.Config.Validate(); err != nil {
		return err
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}

	procLogger := opts.Logger
	if procLogger == nil {
		l, err := logpkg.ApplyConfig(&opts.Config.Log)
		if err != nil {
			return err
		}
		procLogger = l
	}
	// Redirect stdlib logs to our logger
	restore := logpkg.RedirectStdLog(procLogger)
	defer restore()

	storeDir := cfgpkg.StoreDir(opts.DataDir)
	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("Starting relayd",
		logpkg.Str("role", opts.Config.Role),
		logpkg.Str("grpc", opts.GRPCAddr),
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("upstream", opts.Config.Upstream),
		logpkg.Str("data_dir", storeDir),
	)

	var (
		wg      sync.WaitGroup
		svc     *replication.Service
		gsrv    *grpcserver.Server
		applier *replica.Applier
	)
	rc := opts.Config.Replication
	switch opts.Config.Role {
	case cfgpkg.RoleReplica:
		t := transports.NewGrpcTransport(transports.Insecure(opts.Config.Upstream))
		applier = replica.New(rt.Engine(), rt.Cluster(), func(ctx context.Context) (replica.Stream, error) {
			s, err := t.Open(ctx)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, replica.Options{
			Timeout:           rc.Timeout(),
			Filter:            rc.Filter,
			ReconnectDelay:    time.Duration(rc.ReconnectMs) * time.Millisecond,
			MaxReconnectDelay: time.Duration(rc.MaxReconnectMs) * time.Millisecond,
			Logger:            procLogger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = applier.Run(sctx)
		}()
	default:
		svc = replication.NewService(rt.Engine(), rt.GC(), rt.Cluster(), rt.ReplicationOptions())
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Run(sctx)
		}()
		gsrv = grpcserver.New(svc, grpcserver.Options{HandshakeTimeout: rc.HandshakeTimeout(), Logger: procLogger})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gsrv.ListenAndServe(sctx, opts.GRPCAddr); err != nil && sctx.Err() == nil {
				procLogger.Error("grpc server failed", logpkg.Err(err))
				stop()
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchHealth(sctx, rt, gsrv)
		}()
	}

	hsrv := httpserver.New(rt, svc, applier, procLogger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server failed", logpkg.Err(err))
			stop()
		}
	}()

	<-sctx.Done()
	// Stop servers before closing the runtime/DB to avoid races.
	if gsrv != nil {
		gsrv.Close()
	}
	hsrv.Close()
	wg.Wait()
	procLogger.Info("relayd stopped")
	return nil
}

// watchHealth mirrors the storage health check into the gRPC health
// service.
func watchHealth(ctx context.Context, rt *runtime.Runtime, gsrv *grpcserver.Server) {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			gsrv.SetServing(rt.CheckHealth(ctx) == nil)
		}
	}
}
