package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/usecase"
)

var leadsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_leads_accepted_total",
	Help: "Producer payloads received, by outcome.",
}, []string{"outcome"})

type Handlers struct {
	enqueueLeadUC *usecase.EnqueueLead
	leadStatusUC  *usecase.LeadStatus
	logger        *slog.Logger
}

func NewHandlers(enqueueLeadUC *usecase.EnqueueLead, leadStatusUC *usecase.LeadStatus, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		enqueueLeadUC: enqueueLeadUC,
		leadStatusUC:  leadStatusUC,
		logger:        logger.With("component", "bridge"),
	}
}

func (h *Handlers) EnqueueLead(w http.ResponseWriter, r *http.Request) {
	var ev event.DeliveryEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		leadsAccepted.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.enqueueLeadUC.Execute(r.Context(), &ev)
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidLead) {
			leadsAccepted.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		leadsAccepted.WithLabelValues("error").Inc()
		h.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	leadsAccepted.WithLabelValues("accepted").Inc()
	h.logger.Info("lead accepted", "event_key", res.EventKey, "entry_id", res.EntryID)
	writeJSON(w, http.StatusAccepted, res)
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

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, l)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
