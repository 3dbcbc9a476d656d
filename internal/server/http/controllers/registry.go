package controllers

import (
	"net/http"

	"github.com/rzbill/relayd/internal/replica"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general     *GeneralController
	data        *DataController
	replication *ReplicationController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, svc *replication.Service, applier *replica.Applier) *ControllerRegistry {
	return &ControllerRegistry{
		general:     NewGeneralController(rt),
		data:        NewDataController(rt),
		replication: NewReplicationController(rt, svc, applier),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.data.RegisterRoutes(mux)
	r.replication.RegisterRoutes(mux)
}
