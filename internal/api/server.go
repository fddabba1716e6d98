package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"healthwatch/internal/config"
	"healthwatch/internal/model"
	"healthwatch/internal/state"
	"healthwatch/internal/storage"
)

// EngineControl is the slice of the engine the API is allowed to poke.
type EngineControl interface {
	RefreshBaselines()
}

// Server exposes the read-only query surface. It is safe to serve while
// a cycle is in flight: store reads are transactional and the in-memory
// state tolerates slightly stale values.
type Server struct {
	cfg       *config.Manager
	store     storage.Store
	latest    *state.Latest
	anomalies *state.AnomalyBuffer
	engine    EngineControl
	logger    *slog.Logger
	version   string
}

func Start(ctx context.Context, cfg *config.Manager, store storage.Store, latest *state.Latest, anomalies *state.AnomalyBuffer, engine EngineControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:       cfg,
		store:     store,
		latest:    latest,
		anomalies: anomalies,
		engine:    engine,
		logger:    logger,
		version:   version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/history", server.handleHistory)
	mux.HandleFunc("/anomalies", server.handleAnomalies)
	mux.HandleFunc("/predictions", server.handlePredictions)
	mux.HandleFunc("/admin/refresh", server.handleRefresh)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status    string             `json:"status"`
	Time      string             `json:"time"`
	Version   string             `json:"version"`
	Source    string             `json:"source"`
	UpdatedAt string             `json:"updated_at,omitempty"`
	Cycle     *model.CycleResult `json:"cycle,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Source:  cfg.Source.Kind,
	}
	if s.latest != nil {
		if result, updated, ok := s.latest.Get(); ok {
			resp.Cycle = &result
			resp.UpdatedAt = updated.Format(time.RFC3339Nano)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	service := r.URL.Query().Get("service")
	if service == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 1000)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	points, err := s.store.QueryHistory(r.Context(), service, since, limit, false)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("history query failed", "service", service, "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"points":  points,
		"count":   len(points),
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		events, err := s.store.RecentAnomalies(r.Context(), ts, limit)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"anomalies": events, "count": len(events)})
		return
	}
	if s.anomalies != nil {
		events := s.anomalies.List(limit)
		writeJSON(w, http.StatusOK, map[string]any{"anomalies": events, "count": len(events)})
		return
	}
	events, err := s.store.RecentAnomalies(r.Context(), time.Now().UTC().Add(-24*time.Hour), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": events, "count": len(events)})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	hours := queryInt(r, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	preds, err := s.store.RecentPredictions(r.Context(), since, limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": preds, "count": len(preds)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine != nil {
		s.engine.RefreshBaselines()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
