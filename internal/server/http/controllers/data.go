package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rzbill/relayd/internal/engine"
	"github.com/rzbill/relayd/internal/runtime"
	"github.com/rzbill/relayd/internal/space"
)

// DataController exposes key/value reads and local writes.
type DataController struct {
	rt *runtime.Runtime
}

// NewDataController creates a new data controller.
func NewDataController(rt *runtime.Runtime) *DataController {
	return &DataController{rt: rt}
}

// RegisterRoutes registers data routes with the given mux.
func (c *DataController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/kv", c.handleKV)
}

func (c *DataController) handleKV(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.handleGet(w, r)
	case http.MethodPost, http.MethodPut:
		c.handlePut(w, r)
	case http.MethodDelete:
		c.handleDelete(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (c *DataController) handleGet(w http.ResponseWriter, r *http.Request) {
	sp, ok := parseSpace(r.URL.Query().Get("space"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid space")
		return
	}
	key := r.URL.Query().Get("key")
	v, err := c.rt.Engine().Get(sp, []byte(key))
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read key")
		return
	}
	writeJSON(w, putReq{Space: sp, Key: key, Value: string(v)})
}

// handlePut stores a value. Writes are refused until the instance has an
// id, which on a replica happens at join.
func (c *DataController) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Space == 0 {
		req.Space = DefaultSpace
	}
	lsn, err := c.rt.Engine().Put(r.Context(), req.Space, []byte(req.Key), []byte(req.Value))
	if err != nil {
		writeWriteError(w, err)
		return
	}
	writeCreated(w, writeResp{LSN: lsn, VClock: c.rt.Engine().VClock().String()})
}

func (c *DataController) handleDelete(w http.ResponseWriter, r *http.Request) {
	sp, ok := parseSpace(r.URL.Query().Get("space"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid space")
		return
	}
	lsn, err := c.rt.Engine().Delete(r.Context(), sp, []byte(r.URL.Query().Get("key")))
	if err != nil {
		writeWriteError(w, err)
		return
	}
	writeJSON(w, writeResp{LSN: lsn, VClock: c.rt.Engine().VClock().String()})
}

func writeWriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNoInstance):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, space.ErrEmptyKey), errors.Is(err, space.ErrKeyTooLarge), errors.Is(err, space.ErrValueTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Failed to write")
	}
}
