package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/campaign"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/ratelimit"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ListCampaignsResponse is the response for GET /campaigns
type ListCampaignsResponse struct {
	Campaigns []models.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// SetRecipientsRequest is the request body for PUT /campaigns/{id}/recipients
type SetRecipientsRequest struct {
	Recipients []models.RecipientInput `json:"recipients"`
}

// SetIntervalRequest is the request body for PUT /campaigns/{id}/interval
type SetIntervalRequest struct {
	Interval string `json:"interval"`
}

// QRResponse is the response for POST /campaigns/{id}/qr
type QRResponse struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// StatusResponse acknowledges a lifecycle action
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.campaigns.Create(ownerFrom(r), req.Title, req.Message)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := campaign.ListFilter{
		Status: q.Get("status"),
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	}

	list, total, err := s.campaigns.List(ownerFrom(r), filter)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ListCampaignsResponse{
		Campaigns: list,
		Total:     total,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	d, err := s.campaigns.Get(chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Delete(chi.URLParam(r, "id"), ownerFrom(r)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSteps handles GET /api/v1/campaigns/{id}/steps
func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.campaigns.Steps(chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, steps)
}

// handleSetRecipients handles PUT /api/v1/campaigns/{id}/recipients
func (s *Server) handleSetRecipients(w http.ResponseWriter, r *http.Request) {
	var req SetRecipientsRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.campaigns.SetRecipients(chi.URLParam(r, "id"), ownerFrom(r), req.Recipients)
	if err != nil {
		if res != nil && errors.Is(err, models.ErrValidation) {
			// Row errors tell the caller what to fix
			s.sendJSON(w, http.StatusBadRequest, map[string]any{
				"error":  err.Error(),
				"result": res,
			})
			return
		}
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleListRecipients handles GET /api/v1/campaigns/{id}/recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.campaigns.Recipients(chi.URLParam(r, "id"), ownerFrom(r),
		q.Get("status"), queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"recipients": list})
}

// handleSetAttachment handles PUT /api/v1/campaigns/{id}/attachment
func (s *Server) handleSetAttachment(w http.ResponseWriter, r *http.Request) {
	var ref campaign.AttachmentRef
	if !s.decode(w, r, &ref) {
		return
	}

	a, err := s.campaigns.SetAttachment(chi.URLParam(r, "id"), ownerFrom(r), ref)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleRemoveAttachment handles DELETE /api/v1/campaigns/{id}/attachment
func (s *Server) handleRemoveAttachment(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.RemoveAttachment(chi.URLParam(r, "id"), ownerFrom(r)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetInterval handles PUT /api/v1/campaigns/{id}/interval
func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req SetIntervalRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.campaigns.SetInterval(chi.URLParam(r, "id"), ownerFrom(r), req.Interval)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleSetSchedule handles PUT /api/v1/campaigns/{id}/schedule
func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	var req campaign.Schedule
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.campaigns.SetSchedule(chi.URLParam(r, "id"), ownerFrom(r), req)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleRequestQR handles POST /api/v1/campaigns/{id}/qr
func (s *Server) handleRequestQR(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.campaigns.RequestQR(r.Context(), chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, QRResponse{
		SessionID: sessionID,
		Message:   "QR code will be delivered on the realtime channel",
	})
}

// handleConnection handles GET /api/v1/campaigns/{id}/connection
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.campaigns.Connection(chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conn)
}

// handleDisconnect handles DELETE /api/v1/campaigns/{id}/connection
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Disconnect(chi.URLParam(r, "id"), ownerFrom(r)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStart handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Start(chi.URLParam(r, "id"), ownerFrom(r)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{Status: string(models.StatusRunning), Message: "campaign started"})
}

// handlePause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Pause(chi.URLParam(r, "id"), ownerFrom(r)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{Status: string(models.StatusPaused), Message: "campaign paused"})
}

// handleResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Resume(chi.URLParam(r, "id"), ownerFrom(r)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{Status: string(models.StatusRunning), Message: "campaign resumed"})
}

// handleProgress handles GET /api/v1/campaigns/{id}/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.campaigns.Progress(chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

// handleReport handles GET /api/v1/campaigns/{id}/report
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.campaigns.Report(chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rep)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// decode reads a JSON body, answering 400 itself on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendServiceError maps a service error onto an HTTP status
func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	metrics.IncAPIErrors(errorKinds[status])
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"campaign_id", chi.URLParam(r, "id"),
			"error", err,
		)
		s.sendError(w, status, "Internal server error")
		return
	}

	var qe *ratelimit.QuotaError
	if errors.As(err, &qe) {
		w.Header().Set("Retry-After", strconv.Itoa(int(qe.RetryAfter.Seconds())+1))
	}
	s.sendError(w, status, err.Error())
}

var errorKinds = map[int]string{
	http.StatusBadRequest:          "invalid_request",
	http.StatusNotFound:            "not_found",
	http.StatusForbidden:           "forbidden",
	http.StatusConflict:            "conflict",
	http.StatusTooManyRequests:     "quota_exceeded",
	http.StatusInternalServerError: "internal",
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrPrecondition):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
