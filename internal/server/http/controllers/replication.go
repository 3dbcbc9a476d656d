package controllers

import (
	"net/http"
	"strconv"

	"github.com/rzbill/relayd/internal/replica"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/internal/runtime"
	"github.com/rzbill/relayd/pkg/xrow"
)

// ReplicationController exposes replication state: connected replicas and
// GC pins on a primary, applier status on a replica, and the WAL.
type ReplicationController struct {
	rt      *runtime.Runtime
	svc     *replication.Service
	applier *replica.Applier
}

// NewReplicationController creates a replication controller. svc is nil
// on a replica and applier is nil on a primary.
func NewReplicationController(rt *runtime.Runtime, svc *replication.Service, applier *replica.Applier) *ReplicationController {
	return &ReplicationController{rt: rt, svc: svc, applier: applier}
}

// RegisterRoutes registers replication routes with the given mux.
func (c *ReplicationController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/replicas", c.handleReplicas)
	mux.HandleFunc("/v1/applier", c.handleApplier)
	mux.HandleFunc("/v1/gc", c.handlePins)
	mux.HandleFunc("/v1/wal/segments", c.handleSegments)
	mux.HandleFunc("/v1/wal/entries", c.handleEntries)
}

func (c *ReplicationController) handleReplicas(w http.ResponseWriter, r *http.Request) {
	if c.svc == nil {
		writeError(w, http.StatusNotFound, "Not a primary")
		return
	}
	list := c.svc.Replicas()
	if list == nil {
		list = []replication.ReplicaStatus{}
	}
	writeJSON(w, map[string]any{"replicas": list})
}

func (c *ReplicationController) handleApplier(w http.ResponseWriter, r *http.Request) {
	if c.applier == nil {
		writeError(w, http.StatusNotFound, "Not a replica")
		return
	}
	writeJSON(w, c.applier.Status())
}

func (c *ReplicationController) handlePins(w http.ResponseWriter, r *http.Request) {
	pins := []pinJSON{}
	for _, p := range c.rt.GC().Pins() {
		pins = append(pins, pinJSON{Name: p.Name, Signature: p.Signature})
	}
	writeJSON(w, map[string]any{"pins": pins})
}

func (c *ReplicationController) handleSegments(w http.ResponseWriter, r *http.Request) {
	segs := []segmentJSON{}
	for _, s := range c.rt.WAL().Segments() {
		segs = append(segs, segmentJSON{First: s.First, Start: s.Start.String(), Signature: s.Start.Sum()})
	}
	writeJSON(w, map[string]any{"segments": segs})
}

// handleEntries returns WAL transactions from ?from= (inclusive), at most
// ?limit= of them.
func (c *ReplicationController) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from uint64
	if s := q.Get("from"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from")
			return
		}
		from = n
	}
	entries, err := c.rt.WAL().Entries(from, parseLimit(q.Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		ej := entryJSON{Seq: e.Seq, TimestampMs: e.Timestamp.UnixMilli()}
		for _, row := range e.Rows {
			rj := rowJSON{Type: row.Type.String(), ReplicaID: row.ReplicaID, LSN: row.LSN}
			if req, err := xrow.DecodeRequest(row.Body); err == nil {
				rj.Space, rj.Key, rj.Value = req.Space, string(req.Key), string(req.Value)
			}
			ej.Rows = append(ej.Rows, rj)
		}
		out = append(out, ej)
	}
	writeJSON(w, map[string]any{"entries": out})
}
