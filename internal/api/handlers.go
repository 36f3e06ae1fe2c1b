package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
	"github.com/BTreeMap/ConvoPipe/internal/workflow"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 500
	maxBodyBytes             = 1 << 20
)

// messageRequest is the body of POST /messages.
type messageRequest struct {
	ID       string `json:"id,omitempty"`
	Channel  string `json:"channel,omitempty"`
	From     string `json:"from"`
	Text     string `json:"text"`
	MediaRef string `json:"media_ref,omitempty"`
}

// sessionView is the body of GET /sessions/{address}.
type sessionView struct {
	Session   *models.Session           `json:"session"`
	Execution *models.WorkflowExecution `json:"execution,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg := models.InboundMessage{
		ID:        req.ID,
		Channel:   req.Channel,
		From:      strings.TrimSpace(req.From),
		Text:      req.Text,
		MediaRef:  req.MediaRef,
		Timestamp: time.Now().UTC(),
	}
	if msg.Channel == "" {
		msg.Channel = s.apiChannel
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("Server.messageHandler: invalid message", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply := s.turns.HandleInbound(r.Context(), msg)
	slog.Info("Server.messageHandler: turn completed", "from", msg.From, "fallback", reply.Fallback, "duplicate", reply.Duplicate)
	writeResult(w, http.StatusOK, reply)
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	sess, err := s.store.GetActiveSession(r.Context(), address)
	if err != nil {
		slog.Error("Server.sessionHandler: failed to load session", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "No active session")
		return
	}
	exec, err := s.store.GetLatestExecution(r.Context(), sess.ID)
	if err != nil {
		slog.Warn("Server.sessionHandler: failed to load execution", "session_id", sess.ID, "error", err)
	}
	writeResult(w, http.StatusOK, sessionView{Session: sess, Execution: exec})
}

func (s *Server) bookingsHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	bookings, err := s.store.ListBookingsByAddress(r.Context(), address)
	if err != nil {
		slog.Error("Server.bookingsHandler: failed to list bookings", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list bookings")
		return
	}
	if bookings == nil {
		bookings = []models.Booking{}
	}
	writeResult(w, http.StatusOK, bookings)
}

func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultNotificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxNotificationLimit)
	}
	notes, err := s.store.ListNotifications(r.Context(), limit)
	if err != nil {
		slog.Error("Server.notificationsHandler: failed to list notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	writeResult(w, http.StatusOK, notes)
}

func (s *Server) createWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	def, err := workflow.Decode(r.Body)
	if err != nil {
		slog.Warn("Server.createWorkflowHandler: invalid workflow", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if activate, _ := strconv.ParseBool(r.URL.Query().Get("activate")); activate {
		def.Active = true
	}
	if err := s.store.SaveWorkflow(r.Context(), def); err != nil {
		slog.Error("Server.createWorkflowHandler: failed to save workflow", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save workflow")
		return
	}
	slog.Info("Server.createWorkflowHandler: workflow saved", "workflow_id", def.ID, "active", def.Active)
	writeResult(w, http.StatusCreated, def)
}

func (s *Server) activeWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetActiveWorkflow(r.Context())
	s.writeWorkflow(w, def, err)
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	s.writeWorkflow(w, def, err)
}

func (s *Server) writeWorkflow(w http.ResponseWriter, def *models.WorkflowDefinition, err error) {
	if err != nil {
		slog.Error("Server.writeWorkflow: failed to load workflow", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load workflow")
		return
	}
	if def == nil {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	writeResult(w, http.StatusOK, def)
}

func (s *Server) activateWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.ActivateWorkflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Workflow not found")
			return
		}
		slog.Error("Server.activateWorkflowHandler: failed to activate workflow", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to activate workflow")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Workflow activated", nil))
}

func (s *Server) listOfferingsHandler(w http.ResponseWriter, r *http.Request) {
	offerings, err := s.catalog.ListActiveOfferings(r.Context())
	if err != nil {
		slog.Error("Server.listOfferingsHandler: failed to list offerings", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list offerings")
		return
	}
	if offerings == nil {
		offerings = []models.Offering{}
	}
	writeResult(w, http.StatusOK, offerings)
}

func (s *Server) upsertOfferingsHandler(w http.ResponseWriter, r *http.Request) {
	var offerings []models.Offering
	if !decodeJSON(w, r, &offerings) {
		return
	}
	if err := s.catalog.Upsert(r.Context(), offerings...); err != nil {
		if errors.Is(err, models.ErrEmptyOfferingID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Server.upsertOfferingsHandler: failed to save offerings", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save offerings")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Offerings saved", map[string]int{"count": len(offerings)}))
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return false
	}
	return true
}
