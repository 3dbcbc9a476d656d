package controllers

import (
	"net/http"

	"github.com/rzbill/relayd/internal/runtime"
)

// GeneralController handles health and instance endpoints.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/instance", c.handleInstance)
}

// handleHealth returns 200 OK with {"status": "ok"} if healthy, 503
// Service Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, instanceResp{
		UUID:     c.rt.Cluster().Self().String(),
		ID:       c.rt.Cluster().SelfID(),
		Role:     c.rt.Config().Role,
		VClock:   c.rt.Engine().VClock().String(),
		Segments: len(c.rt.WAL().Segments()),
	})
}
