package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"telemedsync/internal/constants"
	"telemedsync/internal/errors"
	"telemedsync/internal/metrics"
	"telemedsync/internal/middleware"
	"telemedsync/internal/models"
	"telemedsync/internal/service"
	"telemedsync/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the local HTTP boundary the UI talks to. Handlers stay thin:
// they decode, call a controller, and translate AppError codes to statuses.
type Server struct {
	router      *mux.Router
	logger      *logrus.Logger
	lifecycle   *service.LifecycleController
	reconciler  *service.Reconciler
	callSession *service.CallSessionController
	symptoms    *service.SymptomChecker
	viewHub     *service.ViewHub
	server      *http.Server
}

func NewServer(lifecycle *service.LifecycleController, reconciler *service.Reconciler, callSession *service.CallSessionController, symptoms *service.SymptomChecker, viewHub *service.ViewHub, logger *logrus.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		logger:      logger,
		lifecycle:   lifecycle,
		reconciler:  reconciler,
		callSession: callSession,
		symptoms:    symptoms,
		viewHub:     viewHub,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/appointments", s.handleBook()).Methods(http.MethodPost)
	api.HandleFunc("/appointments", s.handleListAppointments()).Methods(http.MethodGet)
	api.HandleFunc("/appointments/{id:[0-9]+}/consult", s.handleConsult()).Methods(http.MethodPost)
	api.HandleFunc("/appointments/{id:[0-9]+}/messages", s.handleSendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/appointments/{id:[0-9]+}/messages", s.handleListMessages()).Methods(http.MethodGet)
	api.HandleFunc("/symptoms/check", s.handleSymptomCheck()).Methods(http.MethodPost)
	api.HandleFunc("/call/start", s.handleCallStart()).Methods(http.MethodPost)
	api.HandleFunc("/call/end", s.handleCallEnd()).Methods(http.MethodPost)
	api.HandleFunc("/call/status", s.handleCallStatus()).Methods(http.MethodGet)
	api.HandleFunc("/call/media", s.handleCallMedia()).Methods(http.MethodPost)

	s.router.Handle("/ws/appointments", s.viewHub).Methods(http.MethodGet)
}

func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler implementations

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}

func (s *Server) handleBook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.BookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "invalid JSON"))
			return
		}

		appt, err := s.lifecycle.Book(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, appt)
	}
}

func (s *Server) handleListAppointments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The local view is returned immediately; a sync cycle can be forced
		// with ?sync=1 and still degrades to the local view offline.
		var (
			view []models.Appointment
			err  error
		)
		if r.URL.Query().Get("sync") == "1" {
			view, err = s.reconciler.ReconcileCycle(r.Context())
		} else {
			view, err = s.reconciler.View(r.Context())
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if view == nil {
			view = []models.Appointment{}
		}
		s.writeJSON(w, http.StatusOK, view)
	}
}

type consultRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleConsult() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("id", "invalid appointment id"))
			return
		}

		var req consultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "invalid JSON"))
			return
		}

		var appt *models.Appointment
		switch req.Action {
		case "text":
			appt, err = s.lifecycle.MarkTextConsult(r.Context(), id)
		case "video":
			appt, err = s.lifecycle.MarkVideoConsult(r.Context(), id)
		case "share-code":
			appt, err = s.lifecycle.ShareConsultCode(r.Context(), id)
		case "complete":
			appt, err = s.lifecycle.Complete(r.Context(), id)
		default:
			err = errors.NewValidationError("action", "must be one of text, video, share-code, complete")
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, appt)
	}
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("id", "invalid appointment id"))
			return
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "invalid JSON"))
			return
		}

		msg, err := s.lifecycle.SendChatMessage(r.Context(), id, req.Text)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, msg)
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("id", "invalid appointment id"))
			return
		}

		messages, err := s.lifecycle.GetChatMessages(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if messages == nil {
			messages = []models.ChatMessage{}
		}
		s.writeJSON(w, http.StatusOK, messages)
	}
}

func (s *Server) handleSymptomCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.SymptomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "invalid JSON"))
			return
		}

		assessment, err := s.symptoms.Check(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, assessment)
	}
}

type callStartRequest struct {
	RoomCode string `json:"roomCode"`
}

// handleCallStart dispatches on the session's role: the doctor offers, the
// patient answers into an existing room.
func (s *Server) handleCallStart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callStartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "invalid JSON"))
			return
		}

		var err error
		if s.reconciler.Session().Caps.SignalingOfferer {
			err = s.callSession.StartCall(r.Context(), req.RoomCode)
		} else {
			err = s.callSession.JoinCall(r.Context(), req.RoomCode)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":     s.callSession.State(),
			"sessionId": s.callSession.SessionID(),
		})
	}
}

func (s *Server) handleCallEnd() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.callSession.EndCall(r.Context())
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"state": s.callSession.State(),
		})
	}
}

func (s *Server) handleCallStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":     s.callSession.State(),
			"sessionId": s.callSession.SessionID(),
		})
	}
}

type callMediaRequest struct {
	Camera *bool `json:"camera,omitempty"`
	Mic    *bool `json:"mic,omitempty"`
}

func (s *Server) handleCallMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callMediaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewValidationError("body", "invalid JSON"))
			return
		}

		if req.Camera != nil {
			s.callSession.SetCameraEnabled(*req.Camera)
		}
		if req.Mic != nil {
			s.callSession.SetMicEnabled(*req.Mic)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeValidationFailed:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeRoomNotReady:
		status = http.StatusConflict
	case errors.ErrCodePermissionDenied:
		status = http.StatusForbidden
	case errors.ErrCodeNetwork, errors.ErrCodeCloudAPI:
		status = http.StatusBadGateway
	}
	message := errors.GetUserMessage(err)

	s.logger.WithFields(logrus.Fields{
		"request_id": tracing.GetRequestID(r.Context()),
		"status":     status,
		"error":      err,
	}).Warn("Request failed")

	s.writeJSON(w, status, map[string]string{"error": message})
}
