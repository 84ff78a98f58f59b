package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mathdee/rale"
	"github.com/mathdee/rale/internal/raleerr"
)

// HTTPServer exposes read/write access to a rale.Engine plus its own
// request metrics over plain JSON, the way the teacher's status
// dashboard exposed a single node's raft state (adapted here onto the
// engine facade instead of the old ad hoc raft.Consensus).
type HTTPServer struct {
	engine  *rale.Engine
	metrics *Metrics
}

// StatusResponse mirrors the facade's role()/leader()/cluster_count().
type StatusResponse struct {
	Role         string `json:"role"`
	Leader       int64  `json:"leader,omitempty"`
	HasLeader    bool   `json:"hasLeader"`
	ClusterCount int    `json:"clusterCount"`
}

func NewHTTPServer(engine *rale.Engine) *HTTPServer {
	return &HTTPServer{engine: engine, metrics: NewMetrics()}
}

func (h *HTTPServer) Metrics() *Metrics { return h.metrics }

// Handler builds the mux so callers can embed it behind their own
// listener or TLS termination instead of always owning the socket.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/metrics/reset", h.handleMetricsReset)
	mux.HandleFunc("/kv/", h.handleKV)

	return mux
}

// Start binds addr and serves until the process exits or Start's
// underlying ListenAndServe returns an error.
func (h *HTTPServer) Start(addr string) error {
	return http.ListenAndServe(addr, h.Handler())
}

func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	leaderID, hasLeader := h.engine.Leader()
	json.NewEncoder(w).Encode(StatusResponse{
		Role:         h.engine.Role(),
		Leader:       leaderID,
		HasLeader:    hasLeader,
		ClusterCount: h.engine.ClusterCount(),
	})
}

func (h *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.metrics.GetSnapshot())
}

func (h *HTTPServer) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.metrics.Reset()
	w.WriteHeader(http.StatusOK)
}

// handleKV implements GET/PUT/DELETE on /kv/<key>, a convenience client
// surface over the facade's put/get/delete operations (spec §4.9); it is
// not part of the wire protocol peers speak to each other.
func (h *HTTPServer) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	start := time.Now()
	switch r.Method {
	case http.MethodGet:
		val, err := h.engine.Get(key)
		if err != nil {
			h.metrics.RecordFailure()
			writeErr(w, err)
			return
		}
		h.metrics.RecordSuccess(time.Since(start))
		w.Write([]byte(val))

	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := h.engine.Put(key, string(body)); err != nil {
			h.metrics.RecordFailure()
			writeErr(w, err)
			return
		}
		h.metrics.RecordSuccess(time.Since(start))
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		if err := h.engine.Delete(key); err != nil {
			h.metrics.RecordFailure()
			writeErr(w, err)
			return
		}
		h.metrics.RecordSuccess(time.Since(start))
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, raleerr.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, raleerr.ErrNoLeader):
		w.WriteHeader(http.StatusServiceUnavailable)
	case errors.Is(err, raleerr.ErrOversize):
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
