// Package server exposes the live driver's HTTP surface: POST /webhook,
// GET /health, GET /ready, GET /coordinator/leader. Grounded on the
// teacher's cmd/scanner/main.go HTTP wiring (a single http.ServeMux,
// structured slog per request), generalized from a scanner's debug
// endpoints to this design's webhook + ops-visibility routes.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/arjunmenon/tradepm/config"
	"github.com/arjunmenon/tradepm/internal/adapters/ha"
	"github.com/arjunmenon/tradepm/internal/application/engine/live"
	"github.com/arjunmenon/tradepm/internal/application/pipeline"
	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
	"github.com/google/uuid"
)

// Server wires the webhook pipeline, the engine, and read-only
// operational endpoints behind one http.ServeMux.
type Server struct {
	cfg     *config.Config
	engine  *live.Engine
	store   ports.Persistence
	cache   ports.Cache
	coord   *ha.Coordinator
	limiter *pipeline.RateLimiter
	mux     *http.ServeMux
}

func New(cfg *config.Config, engine *live.Engine, store ports.Persistence, cache ports.Cache, coord *ha.Coordinator) *Server {
	s := &Server{
		cfg: cfg, engine: engine, store: store, cache: cache, coord: coord,
		limiter: pipeline.NewRateLimiter(cfg.Webhook.RateLimitPerMin),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /coordinator/leader", s.handleCoordinator)
	s.mux = mux
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

type webhookResponse struct {
	Status    string      `json:"status"`
	RequestID string      `json:"request_id"`
	Result    *resultView `json:"result,omitempty"`
}

type resultView struct {
	Reason             string  `json:"reason,omitempty"`
	LotsFilled         int     `json:"lots_filled,omitempty"`
	PositionID         string  `json:"position_id,omitempty"`
	ValidationBypassed bool    `json:"validation_bypassed,omitempty"`
	SourcePriceUsed    float64 `json:"source_price_used,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := slog.With("request_id", requestID)

	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		logger.Warn("webhook: rate limited", "ip", ip)
		s.writeJSON(w, http.StatusTooManyRequests, webhookResponse{Status: "rejected", RequestID: requestID})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Webhook.MaxPayloadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("webhook: payload too large or unreadable", "err", err)
		s.writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Status: "rejected", RequestID: requestID})
		return
	}

	sig, err := pipeline.ParseSignal(body)
	if err != nil {
		logger.Warn("webhook: malformed payload", "err", err)
		s.writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected", RequestID: requestID, Result: &resultView{Reason: err.Error()}})
		return
	}

	res := s.engine.ProcessSignal(r.Context(), sig)
	logger.Info("webhook processed", "instrument", sig.Instrument, "kind", sig.Kind, "status", res.Status, "reason", res.Reason)

	s.writeJSON(w, http.StatusOK, webhookResponse{
		Status: string(res.Status), RequestID: requestID,
		Result: &resultView{
			Reason: res.Reason, LotsFilled: res.LotsFilled, PositionID: res.PositionID,
			ValidationBypassed: res.ValidationBypassed, SourcePriceUsed: res.SourcePriceUsed,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "storage_unreachable"})
		return
	}
	if err := s.cache.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "cache_unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cacheLeader, _ := s.cache.Get(ctx, "pm:leader")
	dbLeader, found, _ := s.store.GetDatabaseLeader(ctx, 30*time.Second)
	state, metrics := s.coord.Snapshot()
	splitBrain := found && cacheLeader != "" && cacheLeader != dbLeader.InstanceID

	dbLeaderUUID, dbLeaderPID := "", ""
	if found {
		if leaderUUID, leaderPID, ok := domain.SplitInstanceID(dbLeader.InstanceID); ok {
			dbLeaderUUID, dbLeaderPID = leaderUUID, leaderPID
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"cache_leader":          cacheLeader,
		"database_leader":       dbLeader.InstanceID,
		"database_leader_uuid":  dbLeaderUUID,
		"database_leader_pid":   dbLeaderPID,
		"this_instance":         s.coord.InstanceID(),
		"is_leader":             state == ha.StateLeader,
		"recovering":            s.coord.IsRecovering(),
		"split_brain":           splitBrain,
		"metrics": map[string]any{
			"db_sync_success":        metrics.DBSyncSuccess,
			"db_sync_failure":        metrics.DBSyncFailure,
			"db_sync_failure_rate":   metrics.DBSyncFailureRate(),
			"db_sync_avg_latency_ms": metrics.DBSyncAvgLatency().Milliseconds(),
			"leadership_changes":     metrics.LeadershipChanges,
			"last_heartbeat":         metrics.LastHeartbeat,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("server: encode response failed", "err", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
