package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brechohub/autoresponder/internal/maintenance"
	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/queue"
)

// healthResponse is the body of GET /jobs/health.
type healthResponse struct {
	Success   bool                `json:"success"`
	Timestamp time.Time           `json:"timestamp"`
	Services  models.HealthStatus `json:"services"`
}

// debugResponse is the body of GET /jobs/redis-debug.
type debugResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	queue.Inspection
	Error string `json:"error,omitempty"`
}

// cronResponse is the body of GET /cron.
type cronResponse struct {
	Success   bool                `json:"success"`
	Timestamp time.Time           `json:"timestamp"`
	Results   []models.TaskReport `json:"results"`
}

// inboundRequest is the body of POST /messages/inbound.
type inboundRequest struct {
	ID         string    `json:"id"`
	PartnerID  string    `json:"partnerId"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func (s *Server) handleProcess() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := s.processor.ProcessAllPending(r.Context())
		status := http.StatusOK
		if !result.Success {
			status = http.StatusInternalServerError
		}
		writeJSONResponse(w, status, result)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := s.health.Check(r.Context())
		resp := healthResponse{
			Success:   services.Redis || services.Database,
			Timestamp: s.now().UTC(),
			Services:  services,
		}
		status := http.StatusOK
		if !resp.Success {
			status = http.StatusServiceUnavailable
		}
		writeJSONResponse(w, status, resp)
	}
}

func (s *Server) handleRedisDebug() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sample := queue.DefaultSampleSize
		if raw := r.URL.Query().Get("sample"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("sample must be an integer"))
				return
			}
			sample = queue.ClampSampleSize(n)
		}

		insp, err := s.inspector.Inspect(r.Context(), sample)
		resp := debugResponse{Success: err == nil, Timestamp: s.now().UTC(), Inspection: insp}
		if err != nil {
			slog.Error("Server.handleRedisDebug: inspect failed", "error", err)
			resp.Error = err.Error()
			writeJSONResponse(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSONResponse(w, http.StatusOK, resp)
	}
}

func (s *Server) handleCron() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := s.maintenance.RunDaily(r.Context())
		resp := cronResponse{
			Success:   maintenance.AllOK(results),
			Timestamp: s.now().UTC(),
			Results:   results,
		}
		status := http.StatusOK
		if !resp.Success {
			status = http.StatusInternalServerError
		}
		writeJSONResponse(w, status, resp)
	}
}

func (s *Server) handleInbound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req inboundRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			slog.Warn("Server.handleInbound: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}

		msg := models.InboundMessage{
			ID:         req.ID,
			PartnerID:  req.PartnerID,
			Direction:  models.DirectionInbound,
			Sender:     req.Sender,
			Body:       req.Body,
			ReceivedAt: req.ReceivedAt,
		}
		if err := msg.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}

		created, err := s.opts.Ingestor.Ingest(r.Context(), msg)
		if err != nil {
			slog.Error("Server.handleInbound: ingest failed", "message_id", msg.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record message"))
			return
		}
		if !created {
			writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"id": msg.ID, "duplicate": true}))
			return
		}
		writeJSONResponse(w, http.StatusAccepted, models.Accepted("Message recorded", map[string]string{"id": msg.ID}))
	}
}
