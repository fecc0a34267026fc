package httpapi

import (
	_ "embed"
	"net/http"
)

// The dashboard is a single static page; treemap layout and click routing
// happen client-side in Plotly, fed by the /api/v1 projection endpoints.
//
//go:embed index.html
var indexHTML []byte

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}
