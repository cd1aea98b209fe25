package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/security"
	"github.com/edgegate/edgegate/internal/security/ratelimit"
)

type adminHandler struct {
	monitor *security.Monitor
	limiter *ratelimit.Limiter
	log     logrus.FieldLogger
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *adminHandler) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Stats())
}

type createBlockRequest struct {
	Identifier      string `json:"identifier"`
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

type blockResponse struct {
	ratelimit.BlockRecord
	ExpiresInSeconds int `json:"expires_in_seconds"`
}

func (h *adminHandler) createBlock(w http.ResponseWriter, r *http.Request) {
	var req createBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid request body: " + err.Error()})
		return
	}
	if req.Identifier == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "identifier is required"})
		return
	}
	if req.DurationSeconds <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "duration_seconds must be positive"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual_block"
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.limiter.Block(r.Context(), req.Identifier, duration, reason, ratelimit.OriginAdmin); err != nil {
		h.log.WithError(err).Error("Failed to create block")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "failed to store block record"})
		return
	}

	record, ttl, err := h.limiter.BlockInfo(r.Context(), req.Identifier)
	if err != nil || record == nil {
		// The write succeeded; report what was requested.
		record = &ratelimit.BlockRecord{
			Identifier:      req.Identifier,
			BlockedAt:       time.Now().UTC(),
			DurationSeconds: req.DurationSeconds,
			Reason:          reason,
		}
		ttl = duration
	}
	writeJSON(w, http.StatusCreated, blockResponse{BlockRecord: *record, ExpiresInSeconds: int(ttl.Seconds())})
}

func (h *adminHandler) getBlock(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	record, ttl, err := h.limiter.BlockInfo(r.Context(), identifier)
	if err != nil {
		h.log.WithError(err).Error("Failed to read block")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "failed to read block record"})
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "no active block for identifier"})
		return
	}
	writeJSON(w, http.StatusOK, blockResponse{BlockRecord: *record, ExpiresInSeconds: int(ttl.Seconds())})
}

func (h *adminHandler) deleteBlock(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if err := h.limiter.Unblock(r.Context(), identifier); err != nil {
		h.log.WithError(err).Error("Failed to remove block")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "failed to remove block record"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
