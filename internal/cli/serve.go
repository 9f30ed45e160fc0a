package cli

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/debuglog"
	"github.com/roach88/fidsync/internal/metrics"
)

// DebugKnob is the body of /debug/syncdebug responses.
type DebugKnob struct {
	Level int `json:"level"`
	Count int `json:"count"`
}

// CellStatus is one entry of the /status response.
type CellStatus struct {
	Cell   string `json:"cell"`
	Locked bool   `json:"locked"`
	Writes int    `json:"writes"`
}

// newMux builds the operator HTTP surface:
//
//	GET  /metrics                         Prometheus exposition
//	GET  /status                          status cells as JSON
//	GET  /debug/syncdebug                 current debug level and budget
//	POST /debug/syncdebug?level=N&count=M set them
func newMux(m *metrics.Metrics, gate *debuglog.Gate, board *config.StatusBoard) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /status", statusHandler(board))
	mux.HandleFunc("GET /debug/syncdebug", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, DebugKnob{Level: gate.Level(), Count: gate.Count()})
	})
	mux.HandleFunc("POST /debug/syncdebug", syncDebugHandler(gate))
	return mux
}

func statusHandler(board *config.StatusBoard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cells := []CellStatus{}
		for _, c := range board.Cells() {
			locked, _ := board.Value(c)
			cells = append(cells, CellStatus{Cell: c, Locked: locked, Writes: board.Writes(c)})
		}
		writeJSON(w, http.StatusOK, cells)
	}
}

// syncDebugHandler is the HTTP form of "syncdebug level count". A missing
// count re-arms the budget.
func syncDebugHandler(gate *debuglog.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		level, err := strconv.Atoi(q.Get("level"))
		if err != nil {
			http.Error(w, "level must be an integer", http.StatusBadRequest)
			return
		}
		count := 0
		if s := q.Get("count"); s != "" {
			if count, err = strconv.Atoi(s); err != nil {
				http.Error(w, "count must be an integer", http.StatusBadRequest)
				return
			}
		}
		gate.Set(level, count)
		slog.Info("sync debug level set", "level", gate.Level(), "count", gate.Count())
		writeJSON(w, http.StatusOK, DebugKnob{Level: gate.Level(), Count: gate.Count()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}
