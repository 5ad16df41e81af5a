package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telecare/session-service/internal/models"
	"telecare/session-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.SessionStore
}

func NewHandler(st store.SessionStore) *Handler {
	return &Handler{store: st}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/appointments/", h.handleAppointments)
	return mux
}

type sessionResponse struct {
	AppointmentID int64                      `json:"appointment_id"`
	Session       *models.AppointmentSession `json:"session"`
	ServerNow     time.Time                  `json:"server_now"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type joinRequest struct {
	RoomID string `json:"room_id"`
}

type ratingRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAppointments(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/appointments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	appointmentID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || appointmentID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "appointment id must be a positive integer")
		return
	}

	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing auth token")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetAppointment(w, r, appointmentID, actor)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleAppointmentAction(w, r, appointmentID, actor, parts[2])
	case len(parts) == 2 && parts[1] == "session":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetSession(w, r, appointmentID, actor)
	case len(parts) == 3 && parts[1] == "session":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSessionAction(w, r, appointmentID, actor, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetAppointment(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor) {
	appt, err := h.store.GetAppointment(r.Context(), appointmentID, actor)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) handleAppointmentAction(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor, action string) {
	switch action {
	case "confirm":
		appt, err := h.store.ConfirmAppointment(r.Context(), store.ActionInput{
			AppointmentID: appointmentID,
			Actor:         actor,
			OccurredAt:    time.Now().UTC(),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	case "cancel":
		var req cancelRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		appt, err := h.store.CancelAppointment(r.Context(), store.CancelInput{
			AppointmentID: appointmentID,
			Actor:         actor,
			Reason:        strings.TrimSpace(req.Reason),
			OccurredAt:    time.Now().UTC(),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor) {
	sess, err := h.store.GetSession(r.Context(), appointmentID, actor)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeSessionResponse(w, appointmentID, sess)
}

func (h *Handler) handleSessionAction(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor, action string) {
	switch action {
	case "join":
		h.handleJoin(w, r, appointmentID, actor)
	case "leave":
		h.handleLeave(w, r, appointmentID, actor)
	case "end":
		h.handleEnd(w, r, appointmentID, actor)
	case "rating":
		h.handleRating(w, r, appointmentID, actor)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor) {
	var req joinRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "room_id is required")
		return
	}
	if !isValidUUID(req.RoomID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "room_id must be a UUID")
		return
	}

	sess, err := h.store.JoinSession(r.Context(), store.JoinInput{
		AppointmentID: appointmentID,
		Actor:         actor,
		RoomID:        req.RoomID,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeSessionResponse(w, appointmentID, sess)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor) {
	sess, err := h.store.LeaveSession(r.Context(), store.ActionInput{
		AppointmentID: appointmentID,
		Actor:         actor,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeSessionResponse(w, appointmentID, sess)
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor) {
	sess, err := h.store.EndSession(r.Context(), store.ActionInput{
		AppointmentID: appointmentID,
		Actor:         actor,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeSessionResponse(w, appointmentID, sess)
}

func (h *Handler) handleRating(w http.ResponseWriter, r *http.Request, appointmentID int64, actor store.Actor) {
	var req ratingRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, http.StatusBadRequest, "invalid_request", "rating must be between 1 and 5")
		return
	}

	sess, err := h.store.RateSession(r.Context(), store.RatingInput{
		AppointmentID: appointmentID,
		Actor:         actor,
		Rating:        req.Rating,
		Comment:       strings.TrimSpace(req.Comment),
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeSessionResponse(w, appointmentID, sess)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden", "actor is not allowed to perform this action"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusUnprocessableEntity, "invalid_state", "appointment state does not allow this action"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "invalid_transition", "requested status change is not allowed"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "action conflicts with a finalized state"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeSessionResponse(w http.ResponseWriter, appointmentID int64, sess *models.AppointmentSession) {
	writeJSON(w, http.StatusOK, sessionResponse{
		AppointmentID: appointmentID,
		Session:       sess,
		ServerNow:     time.Now().UTC(),
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
