package api

import (
	"encoding/json"
	"net/http"
	"time"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// SnapshotProvider serves the collected company data set.
type SnapshotProvider interface {
	DataLoaded() <-chan struct{}
	Snapshots() []market.Snapshot
}

// ConnectionStatus reports terminal connectivity.
type ConnectionStatus interface {
	IsConnected() bool
}

// StatsSource is anything exposing runtime statistics.
type StatsSource interface {
	GetStats() map[string]interface{}
}

// Server is the HTTP surface of the gateway.
type Server struct {
	provider SnapshotProvider
	status   ConnectionStatus
	ws       *WebSocketHandler
	stats    map[string]StatsSource
	log      *logger.Entry
}

// NewServer creates the HTTP server wiring.
func NewServer(provider SnapshotProvider, status ConnectionStatus, ws *WebSocketHandler, log *logger.Log) *Server {
	return &Server{
		provider: provider,
		status:   status,
		ws:       ws,
		stats:    make(map[string]StatsSource),
		log:      log.WithComponent("api"),
	}
}

// AddStatsSource registers a component under a name for /api/stats.
func (s *Server) AddStatsSource(name string, source StatsSource) {
	s.stats[name] = source
}

// Routes returns the configured HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/all-companies", s.handleAllCompanies)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	if s.ws != nil {
		mux.HandleFunc("/ws/realtime-price", s.ws.HandleRealtimePrice)
	}
	return mux
}

// handleAllCompanies serves the full company snapshot set. The request
// blocks until the initial data set is available; a caller arriving mid
// collection waits rather than receiving a partial answer.
func (s *Server) handleAllCompanies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
			"success": false,
			"message": "method not allowed",
		})
		return
	}

	select {
	case <-s.provider.DataLoaded():
	case <-r.Context().Done():
		return
	}

	snapshots := s.provider.Snapshots()
	if len(snapshots) == 0 && !s.status.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success": false,
			"message": "terminal not connected and no cached data available",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(snapshots),
		"data":    snapshots,
	})
}

// handleStats aggregates statistics from every registered component.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{}, len(s.stats)+1)
	for name, source := range s.stats {
		stats[name] = source.GetStats()
	}
	stats["timestamp"] = time.Now().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, stats)
}

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": s.status.IsConnected(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
