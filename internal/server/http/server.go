package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/relayd/internal/replica"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/internal/runtime"
	"github.com/rzbill/relayd/internal/server/http/controllers"
	"github.com/rzbill/relayd/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger log.Logger
}

// New builds the admin server. svc is nil on a replica and applier is nil
// on a primary.
func New(rt *runtime.Runtime, svc *replication.Service, applier *replica.Applier, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mux := http.NewServeMux()
	controllers.NewControllerRegistry(rt, svc, applier).RegisterAllRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{rt: rt, logger: logger.WithComponent("http")}
	s.srv = &http.Server{Handler: s.logRequests(cors(mux)), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			log.Str("method", r.Method),
			log.Str("path", r.URL.Path),
			log.Dur("elapsed", time.Since(start)))
	})
}
