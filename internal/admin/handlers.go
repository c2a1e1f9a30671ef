// Package admin is the operator surface: health, stats, record lookup
// and an on-demand retrofeed trigger, guarded by a shared token.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/usecase"
)

var leadsPending = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "leads_pending",
	Help: "Unsent delivery records in the store.",
})

type Config struct {
	Token string
}

type Handlers struct {
	cfg          Config
	leadStatusUC *usecase.LeadStatus
	statsUC      *usecase.GetStats
	retrofeedUC  *usecase.TriggerRetrofeed
	redisClient  *redis.Client
	storePing    func(context.Context) error
	logger       *slog.Logger
}

// NewHandlers wires the operator endpoints. storePing may be nil when
// the store has no connection to probe.
func NewHandlers(
	cfg Config,
	leadStatusUC *usecase.LeadStatus,
	statsUC *usecase.GetStats,
	retrofeedUC *usecase.TriggerRetrofeed,
	redisClient *redis.Client,
	storePing func(context.Context) error,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		cfg:          cfg,
		leadStatusUC: leadStatusUC,
		statsUC:      statsUC,
		retrofeedUC:  retrofeedUC,
		redisClient:  redisClient,
		storePing:    storePing,
		logger:       logger.With("component", "admin"),
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	if h.redisClient != nil {
		if err := h.redisClient.Ping(r.Context()).Err(); err != nil {
			redisStatus = "error: " + err.Error()
		}
	}
	storeStatus := "ok"
	if h.storePing != nil {
		if err := h.storePing(r.Context()); err != nil {
			storeStatus = "error: " + err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"redis":  redisStatus,
		"store":  storeStatus,
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.statsUC.Execute(r.Context())
	if err != nil {
		h.logger.Error("stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	leadsPending.Set(float64(stats.Pending))
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) GetLead(w http.ResponseWriter, r *http.Request) {
	eventKey := chi.URLParam(r, "event_key")
	if eventKey == "" {
		writeError(w, http.StatusBadRequest, "missing event key")
		return
	}

	l, err := h.leadStatusUC.Execute(r.Context(), eventKey)
	if err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		h.logger.Error("lead lookup failed", "event_key", eventKey, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handlers) Retrofeed(w http.ResponseWriter, r *http.Request) {
	res, err := h.retrofeedUC.Execute(r.Context())
	if err != nil {
		h.logger.Error("retrofeed failed", "error", err)
		writeError(w, http.StatusInternalServerError, "retrofeed failed")
		return
	}
	if res.Requeued == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_leads"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "requeued", "count": res.Requeued})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
