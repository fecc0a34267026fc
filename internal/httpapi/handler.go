// Package httpapi serves the treemap dashboard and the read-only projection
// endpoints over the built configuration tree.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/amickel/configuration-layer-analysis/internal/conftree"
	"github.com/amickel/configuration-layer-analysis/internal/metrics"
)

const exportFilename = "config_layer_analysis.txt"

type Handler struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	maxDepth int

	// Set once via Attach before the server starts; read-only afterwards,
	// so handlers need no locking.
	tree         *conftree.Tree
	groupID      string
	routerIDs    []string
	layerSources []string
}

func NewHandler(log zerolog.Logger, m *metrics.Metrics, maxDepth int) *Handler {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &Handler{log: log, metrics: m, maxDepth: maxDepth}
}

// Attach installs the built tree and its snapshot metadata. Must be called
// before the server starts accepting requests; there is no rebuild path.
func (h *Handler) Attach(tree *conftree.Tree, groupID string, routerIDs, layerSources []string) {
	h.tree = tree
	h.groupID = groupID
	h.routerIDs = routerIDs
	h.layerSources = layerSources
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Dashboard
	r.Get("/", h.handleIndex)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)

	// Observability
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Get("/treemap", h.handleTreemap)
			r.Get("/subtree", h.handleSubtree)
			r.Get("/devices", h.handleDevices)
			r.Get("/export", h.handleExport)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.Status(), time.Since(start))
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.tree == nil {
		h.writeError(w, http.StatusServiceUnavailable, "tree_unavailable", "configuration tree not built", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) ensureTree(w http.ResponseWriter) bool {
	if h.tree == nil {
		h.writeError(w, http.StatusServiceUnavailable, "tree_unavailable", "configuration tree not built", nil)
		return false
	}
	return true
}

// resolveRoot maps the root query parameter (a path-qualified node id from a
// flattened row, or empty for the whole tree) to an arena id.
func (h *Handler) resolveRoot(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return conftree.RootID, true
	}
	id, ok := h.tree.NodeByPath(raw)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "no node with that path", map[string]any{"root": raw})
		return 0, false
	}
	return id, true
}

func (h *Handler) parseDepth(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return h.maxDepth, true
	}
	depth, err := strconv.Atoi(raw)
	if err != nil || depth < 1 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "depth must be a positive integer", map[string]any{"depth": raw})
		return 0, false
	}
	return depth, true
}

// parseExclude validates the exclude CSV against the snapshot's non-device
// layer sources. Device layers cannot be excluded; the checkboxes only ever
// toggle the shared layers.
func (h *Handler) parseExclude(w http.ResponseWriter, raw string) ([]string, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}
	known := make(map[string]struct{}, len(h.layerSources))
	for _, s := range h.layerSources {
		known[s] = struct{}{}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		s := strings.TrimSpace(part)
		if s == "" {
			continue
		}
		if _, ok := known[s]; !ok {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "unknown layer in exclude", map[string]any{"layer": s})
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func (h *Handler) handleTreemap(w http.ResponseWriter, r *http.Request) {
	if !h.ensureTree(w) {
		return
	}

	q := r.URL.Query()
	root, ok := h.resolveRoot(w, q.Get("root"))
	if !ok {
		return
	}
	depth, ok := h.parseDepth(w, q.Get("depth"))
	if !ok {
		return
	}
	exclude, ok := h.parseExclude(w, q.Get("exclude"))
	if !ok {
		return
	}

	rows, err := h.tree.Flatten(root, depth, exclude)
	if err != nil {
		h.log.Error().Err(err).Msg("flatten failed")
		h.writeError(w, http.StatusInternalServerError, "projection_failed", "failed to flatten tree", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"root":  rows[0].ID,
		"depth": depth,
		"rows":  rows,
	})
}

func (h *Handler) handleSubtree(w http.ResponseWriter, r *http.Request) {
	if !h.ensureTree(w) {
		return
	}

	root, ok := h.resolveRoot(w, r.URL.Query().Get("root"))
	if !ok {
		return
	}

	subtree, err := h.tree.SubtreeMap(root)
	if err != nil {
		h.log.Error().Err(err).Msg("subtree projection failed")
		h.writeError(w, http.StatusInternalServerError, "projection_failed", "failed to project subtree", nil)
		return
	}

	node, _ := h.tree.Node(root)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"root": node.Path,
		"tree": subtree,
	})
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !h.ensureTree(w) {
		return
	}

	routerIDs := h.routerIDs
	if routerIDs == nil {
		routerIDs = []string{}
	}
	layers := h.layerSources
	if layers == nil {
		layers = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"group_id":   h.groupID,
		"router_ids": routerIDs,
		"layers":     layers,
		"max_depth":  h.maxDepth,
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if !h.ensureTree(w) {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFilename+`"`)
	if err := h.tree.WriteText(w, conftree.RootID); err != nil {
		h.log.Error().Err(err).Msg("tree export failed")
	}
}
