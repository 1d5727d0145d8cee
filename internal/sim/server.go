// Package sim is a local stand-in for the towing backend. It serves the job
// HTTP API and the duplex chat channel from a SQLite database.
package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/matheus3301/towtrack/internal/httpapi"
	"github.com/matheus3301/towtrack/internal/job"
	"github.com/matheus3301/towtrack/internal/store"
)

// Options configures a Server.
type Options struct {
	DB     *store.DB
	Logger *zap.Logger
	Now    func() time.Time
}

// Server routes the simulated backend.
type Server struct {
	db       *store.DB
	hub      *Hub
	logger   *zap.Logger
	now      func() time.Time
	validate *validator.Validate
	router   *mux.Router
}

// New builds the simulator routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		db:       opts.DB,
		hub:      NewHub(opts.DB, opts.Logger, opts.Now),
		logger:   opts.Logger.Named("sim"),
		now:      opts.Now,
		validate: validator.New(),
		router:   mux.NewRouter(),
	}

	r := s.router
	r.Handle("/ws", s.hub)

	jobs := r.PathPrefix("/jobs").Subrouter()
	jobs.HandleFunc("/active", s.activeJob).Methods(http.MethodGet)
	jobs.HandleFunc("/{id}", s.getJob).Methods(http.MethodGet)
	jobs.HandleFunc("/{id}/messages", s.listMessages).Methods(http.MethodGet)
	jobs.HandleFunc("/{id}/messages", s.postMessage).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}/location", s.postLocation).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}/{action:accept|reject|cancel|complete}", s.act).Methods(http.MethodPost)

	admin := r.PathPrefix("/sim").Subrouter()
	admin.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	admin.HandleFunc("/jobs", s.createJob).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{id}/status", s.setStatus).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{id}/location", s.latestLocation).Methods(http.MethodGet)

	r.Use(s.logRequests)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the chat hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", s.now().Sub(start)),
		)
	})
}

func (s *Server) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *Server) activeJob(w http.ResponseWriter, r *http.Request) {
	user := bearer(r)
	if user == "" {
		respondWithError(w, http.StatusUnauthorized, errors.New("missing token"))
		return
	}
	j, err := s.db.ActiveJob(user)
	if err != nil {
		handleStoreError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"id": j.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.db.GetJob(mux.Vars(r)["id"])
	if err != nil {
		handleStoreError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, jobDTO(j))
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.db.ListJobs()
	if err != nil {
		handleStoreError(w, err)
		return
	}
	out := make([]httpapi.JobDTO, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobDTO(&jobs[i]))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.db.GetJob(id); err != nil {
		handleStoreError(w, err)
		return
	}
	msgs, err := s.db.ListMessages(id, 0)
	if err != nil {
		handleStoreError(w, err)
		return
	}
	out := make([]httpapi.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDTO(m))
	}
	respondWithJSON(w, http.StatusOK, out)
}

type postMessageRequest struct {
	SenderID string `json:"senderId"`
	ClientID string `json:"clientId"`
	Text     string `json:"text" validate:"required"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req postMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.SenderID == "" {
		req.SenderID = bearer(r)
	}
	if req.SenderID == "" || req.Text == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("senderId and text are required"))
		return
	}
	if _, err := s.db.GetJob(id); err != nil {
		handleStoreError(w, err)
		return
	}
	m, err := s.db.AppendMessage(store.Message{
		ID:       uuid.NewString(),
		JobID:    id,
		ClientID: req.ClientID,
		SenderID: req.SenderID,
		Body:     req.Text,
		SentAt:   s.nowMillis(),
	})
	if err != nil {
		handleStoreError(w, err)
		return
	}
	s.hub.Broadcast(m)
	respondWithJSON(w, http.StatusCreated, messageDTO(m))
}

func (s *Server) postLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var c job.Coordinate
	if !s.decode(w, r, &c) {
		return
	}
	if !c.Valid() {
		respondWithError(w, http.StatusBadRequest, fmt.Errorf("invalid coordinate %v,%v", c.Lat, c.Lng))
		return
	}
	if _, err := s.db.GetJob(id); err != nil {
		handleStoreError(w, err)
		return
	}
	if err := s.db.RecordLocation(store.Location{JobID: id, Lat: c.Lat, Lng: c.Lng, RecordedAt: s.nowMillis()}); err != nil {
		handleStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) latestLocation(w http.ResponseWriter, r *http.Request) {
	l, err := s.db.LatestLocation(mux.Vars(r)["id"])
	if err != nil {
		handleStoreError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, job.Coordinate{Lat: l.Lat, Lng: l.Lng})
}

func (s *Server) act(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var status job.Status
	var provider string
	switch httpapi.Action(vars["action"]) {
	case httpapi.ActionAccept:
		provider = bearer(r)
		if provider == "" {
			respondWithError(w, http.StatusUnauthorized, errors.New("missing token"))
			return
		}
		status = job.Assigned
	case httpapi.ActionReject:
		status = job.Broadcasted
	case httpapi.ActionCancel:
		status = job.Cancelled
	case httpapi.ActionComplete:
		status = job.Completed
	}
	s.transition(w, id, status, provider)
}

type createJobRequest struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customerId" validate:"required"`
	ProviderID     string          `json:"providerId"`
	Status         string          `json:"status"`
	Pickup         *job.Coordinate `json:"pickup"`
	Dropoff        *job.Coordinate `json:"dropoff"`
	PickupAddress  string          `json:"pickupAddress"`
	DropoffAddress string          `json:"dropoffAddress"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	status := job.Broadcasted
	if req.Status != "" {
		status = job.ParseStatus(req.Status)
		if status == job.Unknown {
			respondWithError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", req.Status))
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	j := &store.Job{
		ID:             req.ID,
		Status:         string(job.Broadcasted),
		CustomerID:     req.CustomerID,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
	}
	if req.Pickup != nil {
		j.PickupLat, j.PickupLng = req.Pickup.Lat, req.Pickup.Lng
	}
	if req.Dropoff != nil {
		j.DropoffLat, j.DropoffLng = req.Dropoff.Lat, req.Dropoff.Lng
	}
	if err := s.db.CreateJob(j, s.nowMillis()); err != nil {
		respondWithError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("job created", zap.String("job_id", j.ID), zap.String("customer_id", j.CustomerID))
	if status == job.Broadcasted && req.ProviderID == "" {
		respondWithJSON(w, http.StatusCreated, jobDTO(j))
		return
	}
	updated, err := s.db.SetStatus(j.ID, string(status), req.ProviderID, s.nowMillis())
	if err != nil {
		handleStoreError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, jobDTO(updated))
}

type setStatusRequest struct {
	Status     string `json:"status" validate:"required"`
	ProviderID string `json:"providerId"`
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	status := job.ParseStatus(req.Status)
	if status == job.Unknown {
		respondWithError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", req.Status))
		return
	}
	s.transition(w, mux.Vars(r)["id"], status, req.ProviderID)
}

func (s *Server) transition(w http.ResponseWriter, id string, status job.Status, provider string) {
	j, err := s.db.SetStatus(id, string(status), provider, s.nowMillis())
	if err != nil {
		handleStoreError(w, err)
		return
	}
	s.logger.Info("job status changed", zap.String("job_id", id), zap.String("status", j.Status))
	respondWithJSON(w, http.StatusOK, jobDTO(j))
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return true
		}
		respondWithError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}
