// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the public-facing HTTP server for the rate limiter.
// It exposes the lease lifecycle over JSON: acquire admission, adjust the
// true consumption afterwards, then release with commit or rollback.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/admission"
)

// Server handles the HTTP requests for the rate limiter service. It owns the
// registry of outstanding leases; a lease acquired over HTTP stays open until
// the caller releases it.
type Server struct {
	limiter *admission.Limiter
	log     *logrus.Entry

	mu     sync.Mutex
	leases map[string]*admission.Lease
}

// NewServer creates and configures a new API server around one limiter.
func NewServer(limiter *admission.Limiter, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		limiter: limiter,
		log:     log.WithField("component", "api"),
		leases:  map[string]*admission.Lease{},
	}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/acquire", s.handleAcquire)
	mux.HandleFunc("/v1/adjust", s.handleAdjust)
	mux.HandleFunc("/v1/release", s.handleRelease)
	mux.HandleFunc("/v1/status", s.handleStatus)
}

// Handler returns the server's routes as a standalone handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type limitSpec struct {
	Name                string `json:"name"`
	Capacity            int64  `json:"capacity"`
	Burst               int64  `json:"burst,omitempty"`
	RefillAmount        int64  `json:"refill_amount"`
	RefillPeriodSeconds int64  `json:"refill_period_seconds"`
}

func (ls limitSpec) limit() shardlimit.Limit {
	return shardlimit.Limit{
		Name:         ls.Name,
		Capacity:     ls.Capacity,
		Burst:        ls.Burst,
		RefillAmount: ls.RefillAmount,
		RefillPeriod: time.Duration(ls.RefillPeriodSeconds) * time.Second,
	}
}

type acquireRequest struct {
	Entity   string             `json:"entity"`
	Resource string             `json:"resource"`
	Consume  shardlimit.Consume `json:"consume"`
	Cascade  *bool              `json:"cascade,omitempty"`
	Limits   []limitSpec        `json:"limits,omitempty"`
}

type acquireResponse struct {
	LeaseID string `json:"lease_id"`
	Buckets int    `json:"buckets"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	var opts []admission.AcquireOption
	if req.Cascade != nil {
		opts = append(opts, admission.WithCascade(*req.Cascade))
	}
	if len(req.Limits) > 0 {
		limits := make([]shardlimit.Limit, 0, len(req.Limits))
		for _, ls := range req.Limits {
			limits = append(limits, ls.limit())
		}
		opts = append(opts, admission.WithLimits(limits...))
	}

	lease, err := s.limiter.Acquire(r.Context(), req.Entity, req.Resource, req.Consume, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := newLeaseID()
	s.mu.Lock()
	s.leases[id] = lease
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, acquireResponse{LeaseID: id, Buckets: lease.Buckets()})
}

type adjustRequest struct {
	LeaseID     string `json:"lease_id"`
	Limit       string `json:"limit"`
	DeltaTokens int64  `json:"delta_tokens"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	lease, ok := s.lease(req.LeaseID)
	if !ok {
		http.Error(w, "unknown lease", http.StatusNotFound)
		return
	}
	if err := lease.Adjust(r.Context(), req.Limit, req.DeltaTokens); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
}

type releaseRequest struct {
	LeaseID  string `json:"lease_id"`
	Rollback bool   `json:"rollback,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	lease, ok := s.leases[req.LeaseID]
	delete(s.leases, req.LeaseID)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown lease", http.StatusNotFound)
		return
	}
	result := "committed"
	if req.Rollback {
		lease.Rollback(r.Context())
		result = "rolled back"
	} else {
		lease.Commit()
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": result})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entity := r.URL.Query().Get("entity")
	resource := r.URL.Query().Get("resource")
	statuses, err := s.limiter.Status(r.Context(), entity, resource)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entity":   entity,
		"resource": resource,
		"limits":   statuses,
	})
}

// OpenLeases reports the number of unreleased leases, for the shutdown drain.
func (s *Server) OpenLeases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// RollbackAll rolls back every outstanding lease. Called on shutdown so
// abandoned admissions return their tokens.
func (s *Server) RollbackAll(ctx context.Context) {
	s.mu.Lock()
	leases := make([]*admission.Lease, 0, len(s.leases))
	for id, lease := range s.leases {
		leases = append(leases, lease)
		delete(s.leases, id)
	}
	s.mu.Unlock()
	for _, lease := range leases {
		lease.Rollback(ctx)
	}
}

func (s *Server) lease(id string) (*admission.Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	return lease, ok
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Warn("response write failed")
	}
}

// writeError maps the error taxonomy onto HTTP. Rate-limit violations carry
// the standard X-RateLimit-* and Retry-After headers plus the full violation
// payload.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rle *shardlimit.RateLimitExceeded
	if errors.As(err, &rle) {
		p := rle.Primary()
		remaining := p.Remaining
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", p.Capacity))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.3f", remaining))
		w.Header().Set("Retry-After", rle.RetryAfterHeader())
		s.writeJSON(w, http.StatusTooManyRequests, rle.ResponseBody())
		return
	}
	switch {
	case errors.Is(err, shardlimit.KindValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, shardlimit.KindNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, shardlimit.KindConcurrency):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, shardlimit.KindUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.WithError(err).Error("unclassified error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func newLeaseID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// rand.Read only fails when the OS entropy source is broken
		panic(err)
	}
	return hex.EncodeToString(raw[:])
}

// ListenAndServe starts the HTTP server on the specified address with the
// standard timeouts. Graceful shutdown is the caller's business; cmd/limiterd
// wraps this in its own http.Server for that.
func (s *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.WithField("addr", addr).Info("rate limiter API listening")
	return httpServer.ListenAndServe()
}
