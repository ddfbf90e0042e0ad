// Package handler exposes the coordinator's administrative operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/store"
)

// Cluster is the coordinator surface driven by the admin API
type Cluster interface {
	Nodes() []model.NodeInfo
	Node(name string) (model.NodeInfo, error)
	GetNodeByKey(key string) (model.NodeInfo, error)
	RingSnapshot() []ring.Node
	AddNodes(ctx context.Context, count int, strategy model.CacheStrategy, size int) (*model.OperationResult, []model.NodeInfo)
	RemoveNodes(ctx context.Context, names []string) *model.OperationResult
	Start(ctx context.Context) *model.OperationResult
	Stop(ctx context.Context) *model.OperationResult
	Shutdown(ctx context.Context) *model.OperationResult
}

// AddNodesRequest is the body of POST /v1/nodes
type AddNodesRequest struct {
	Count         int                 `json:"count"`
	CacheStrategy model.CacheStrategy `json:"cacheStrategy"`
	CacheSize     int                 `json:"cacheSize"`
}

// OperationResponse reports the outcome of a topology change
type OperationResponse struct {
	Success bool              `json:"success"`
	Errors  map[string]string `json:"errors,omitempty"`
	Nodes   []model.NodeInfo  `json:"nodes,omitempty"`
}

// NodesResponse lists fleet members
type NodesResponse struct {
	Nodes []model.NodeInfo `json:"nodes"`
}

// AdminHandler serves the /v1 admin API
type AdminHandler struct {
	cluster        Cluster
	idempotency    store.IdempotencyStore
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewAdminHandler creates the handler. A nil idempotency store disables
// Idempotency-Key handling.
func NewAdminHandler(cluster Cluster, idempotency store.IdempotencyStore, idempotencyTTL time.Duration, logger *zap.Logger) *AdminHandler {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &AdminHandler{
		cluster:        cluster,
		idempotency:    idempotency,
		idempotencyTTL: idempotencyTTL,
		logger:         logger,
	}
}

// RegisterRoutes mounts the API under /v1
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeErrorResponse(w, r, http.StatusNotFound, "INVALID_REQUEST", "endpoint not found")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed")
	})

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.NotFoundHandler = notFound
	v1.MethodNotAllowedHandler = notAllowed

	v1.HandleFunc("/nodes", h.ListNodes).Methods(http.MethodGet)
	v1.Handle("/nodes", h.idempotent(h.AddNodes)).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{name}", h.GetNode).Methods(http.MethodGet)
	v1.Handle("/nodes/{name}", h.idempotent(h.RemoveNode)).Methods(http.MethodDelete)

	v1.Handle("/cluster/start", h.idempotent(h.operation("start", h.cluster.Start))).Methods(http.MethodPost)
	v1.Handle("/cluster/stop", h.idempotent(h.operation("stop", h.cluster.Stop))).Methods(http.MethodPost)
	v1.Handle("/cluster/shutdown", h.idempotent(h.operation("shutdown", h.cluster.Shutdown))).Methods(http.MethodPost)

	v1.HandleFunc("/ring", h.GetRing).Methods(http.MethodGet)
	v1.HandleFunc("/ring/lookup/{key}", h.LookupKey).Methods(http.MethodGet)

	router.NotFoundHandler = notFound
	router.MethodNotAllowedHandler = notAllowed
}

// ListNodes handles GET /v1/nodes
func (h *AdminHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, NodesResponse{Nodes: h.cluster.Nodes()})
}

// GetNode handles GET /v1/nodes/{name}
func (h *AdminHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	info, err := h.cluster.Node(mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// AddNodes handles POST /v1/nodes
func (h *AdminHandler) AddNodes(w http.ResponseWriter, r *http.Request) {
	var req AddNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.CacheStrategy == "" {
		req.CacheStrategy = model.CacheStrategyNone
	}
	if req.Count < 1 {
		h.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "count must be at least 1")
		return
	}
	if !req.CacheStrategy.Valid() {
		h.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_ARGUMENT",
			fmt.Sprintf("unknown cache strategy %q", req.CacheStrategy))
		return
	}
	if req.CacheSize < 0 {
		h.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "cacheSize must not be negative")
		return
	}

	h.logger.Info("Received add nodes request",
		zap.Int("count", req.Count),
		zap.String("cache_strategy", string(req.CacheStrategy)),
		zap.Int("cache_size", req.CacheSize))

	result, nodes := h.cluster.AddNodes(detach(r), req.Count, req.CacheStrategy, req.CacheSize)
	h.writeResult(w, result, nodes)
}

// RemoveNode handles DELETE /v1/nodes/{name}
func (h *AdminHandler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := h.cluster.Node(name); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Received remove node request", zap.String("node", name))
	h.writeResult(w, h.cluster.RemoveNodes(detach(r), []string{name}), nil)
}

func (h *AdminHandler) operation(name string, fn func(context.Context) *model.OperationResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.logger.Info("Received cluster request", zap.String("operation", name))
		h.writeResult(w, fn(detach(r)), nil)
	}
}

// GetRing handles GET /v1/ring. The body is the published snapshot format.
func (h *AdminHandler) GetRing(w http.ResponseWriter, r *http.Request) {
	nodes := h.cluster.RingSnapshot()
	if nodes == nil {
		nodes = []ring.Node{}
	}
	h.writeJSON(w, http.StatusOK, nodes)
}

// LookupKey handles GET /v1/ring/lookup/{key}
func (h *AdminHandler) LookupKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.cluster.GetNodeByKey(mux.Vars(r)["key"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// writeResult answers 200 for a clean result and 207 when some nodes failed
func (h *AdminHandler) writeResult(w http.ResponseWriter, result *model.OperationResult, nodes []model.NodeInfo) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, OperationResponse{Success: result.Success, Errors: result.Errors, Nodes: nodes})
}

// detach keeps request values but not cancellation: a topology change runs
// to completion once started
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
