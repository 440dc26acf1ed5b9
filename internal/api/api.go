// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sgucard/dispatcher/internal/producer"
	"github.com/sgucard/dispatcher/internal/store"
	"go.uber.org/zap"
)

// Service exposes the Job Submission API (C8, SPEC_FULL.md §4.8): a thin HTTP
// surface in front of the Producer and the Job Store.
type Service struct {
	producer *producer.Producer
	store    store.Store
	token    string
	log      *zap.Logger
}

func New(prod *producer.Producer, st store.Store, token string, log *zap.Logger) *Service {
	return &Service{producer: prod, store: st, token: token, log: log}
}

// RegisterRoutes wires the job submission surface onto router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/").Subrouter()
	sub.Use(s.authenticate)
	sub.HandleFunc("/jobs", s.CreateJob).Methods("POST")
	sub.HandleFunc("/jobs", s.ListJobsByCard).Methods("GET")
	sub.HandleFunc("/jobs/{id}", s.GetJob).Methods("GET")
}

func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.token {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createJobRequest struct {
	CardNumber string  `json:"card_number"`
	CardAlt    *string `json:"card_alt,omitempty"`
	PatientID  *string `json:"patient_id,omitempty"`
}

type createJobResponse struct {
	Job     *store.Job `json:"job,omitempty"`
	Skipped bool       `json:"skipped"`
	Reason  string     `json:"reason,omitempty"`
}

// CreateJob handles POST /jobs. It always goes through the Producer so the
// de-duplication policy applies the same way it does to the periodic producers.
func (s *Service) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.CardNumber == "" {
		s.writeError(w, http.StatusBadRequest, "card_number is required", nil)
		return
	}

	job, skipped, reason, err := s.producer.CreateJob(r.Context(), req.CardNumber, req.CardAlt, req.PatientID)
	if err != nil {
		s.log.Error("create job failed", zap.String("card_number", req.CardNumber), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create job", err)
		return
	}

	status := http.StatusAccepted
	if skipped {
		status = http.StatusOK
	}
	s.writeJSON(w, status, createJobResponse{Job: job, Skipped: skipped, Reason: reason})
}

// GetJob handles GET /jobs/{id}.
func (s *Service) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "job not found", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// ListJobsByCard handles GET /jobs?card=..., returning every job for that card
// most-recent-first (the Job Store already orders by created_at desc).
func (s *Service) ListJobsByCard(w http.ResponseWriter, r *http.Request) {
	card := r.URL.Query().Get("card")
	if card == "" {
		s.writeError(w, http.StatusBadRequest, "card query parameter is required", nil)
		return
	}
	jobs, err := s.store.ByCard(r.Context(), card)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Service) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.log.Warn("API error", zap.Int("status", status), zap.String("message", message), zap.Error(err))
	response := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, status, response)
}
