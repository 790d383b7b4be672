// Package api provides the HTTP API for configuring and observing
// simulations. GET endpoints are public (read-only observation).
// POST endpoints require a bearer token when an admin key is set.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/talgya/doppelsim/internal/persistence"
	"github.com/talgya/doppelsim/internal/profile"
	"github.com/talgya/doppelsim/internal/sim"
)

// Server serves the simulation control plane over HTTP.
type Server struct {
	Store    *persistence.Store
	Runner   *sim.Runner
	Scorer   *sim.Scorer
	Profiles profile.Provider
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	upgrader websocket.Upgrader

	mu       sync.Mutex
	active   map[string]context.CancelFunc // simulation ID → cancel
	runToSim map[string]string             // run ID → simulation ID
	watchers map[string][]chan watchEvent  // simulation ID → subscriber channels
}

// watchEvent is one websocket frame: a freshly persisted snapshot.
type watchEvent struct {
	RunID    string       `json:"run_id"`
	Snapshot sim.Snapshot `json:"snapshot"`
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	s.active = make(map[string]context.CancelFunc)
	s.runToSim = make(map[string]string)
	s.watchers = make(map[string][]chan watchEvent)
	s.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	// Feed live watchers from the runner's snapshot hook.
	s.Runner.OnSnapshot = s.broadcastSnapshot

	// Rate limiters for endpoints that consume model generation.
	simLimiter := NewRateLimiter(20, time.Hour)
	scoreLimiter := NewRateLimiter(60, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/simulations", RateLimitMiddleware(simLimiter, s.adminOnly(s.handleSimulations)))
	mux.HandleFunc("/api/v1/simulations/", s.adminOnly(s.handleSimulationRoutes))
	mux.HandleFunc("/api/v1/scores", RateLimitMiddleware(scoreLimiter, s.adminOnly(s.handleScores)))

	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := http.ListenAndServe(addr, corsMiddleware(mux)); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "write endpoints disabled (no ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+s.AdminKey {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers for allowed frontend origins. Set
// CORS_ORIGINS to a comma-separated list; localhost dev servers are
// always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createSimulationRequest struct {
	Goal         string            `json:"goal"`
	Items        []sim.Item        `json:"items"`
	Participants []sim.Participant `json:"participants"`
	Repetitions  int               `json:"repetitions"`
	MaxRounds    int               `json:"max_rounds"`
	StrictErrors bool              `json:"strict_errors"`
	Fidelity     bool              `json:"fidelity"`
}

func (s *Server) handleSimulations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	cfg := sim.SessionConfig{
		Participants: req.Participants,
		Items:        req.Items,
		Goal:         req.Goal,
		Repetitions:  req.Repetitions,
		Engine:       sim.DefaultEngineConfig(),
	}
	if req.MaxRounds > 0 {
		cfg.Engine.MaxRounds = req.MaxRounds
	}
	if req.StrictErrors {
		cfg.Engine.OnGenError = sim.PropagateError
	}
	cfg.Engine.StrictFidelity = req.Fidelity

	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	simID := uuid.NewString()
	runIDs := make([]string, cfg.Repetitions)
	for i := range runIDs {
		runIDs[i] = uuid.NewString()
	}

	if err := s.Store.CreateSimulation(r.Context(), simID, cfg.Goal, cfg, runIDs); err != nil {
		slog.Error("create simulation", "error", err)
		http.Error(w, "failed to create simulation", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[simID] = cancel
	for _, runID := range runIDs {
		s.runToSim[runID] = simID
	}
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, simID)
			s.mu.Unlock()
		}()
		if err := s.Runner.RunSession(ctx, cfg, runIDs); err != nil {
			slog.Error("session failed", "simulation_id", simID, "error", err)
		}
	}()

	writeJSON(w, map[string]any{
		"simulation_id": simID,
		"run_ids":       runIDs,
	})
}

// handleSimulationRoutes dispatches /api/v1/simulations/{id}/... paths:
// status, stop, watch, and runs/{n}/states.
func (s *Server) handleSimulationRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/simulations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	simID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, simID)
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		s.handleStop(w, simID)
	case len(parts) == 2 && parts[1] == "watch" && r.Method == http.MethodGet:
		s.handleWatch(w, r, simID)
	case len(parts) == 4 && parts[1] == "runs" && parts[3] == "states" && r.Method == http.MethodGet:
		s.handleStates(w, r, simID, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, simID string) {
	runs, err := s.Store.Runs(r.Context(), simID)
	if err != nil {
		http.Error(w, "failed to load runs", http.StatusInternalServerError)
		return
	}
	if len(runs) == 0 {
		http.Error(w, "simulation not found", http.StatusNotFound)
		return
	}

	completed := 0
	current := -1
	overall := sim.StatusCompleted
	for _, run := range runs {
		switch sim.Status(run.Status) {
		case sim.StatusCompleted:
			completed++
		case sim.StatusRunning:
			current = run.RunIndex
			overall = sim.StatusRunning
		case sim.StatusFailed:
			overall = sim.StatusFailed
		case sim.StatusStopped:
			overall = sim.StatusStopped
		case sim.StatusPending:
			if overall == sim.StatusCompleted {
				overall = sim.StatusPending
			}
		}
	}
	if completed == len(runs) {
		overall = sim.StatusCompleted
	}

	writeJSON(w, map[string]any{
		"status":                     overall,
		"current_repetition_index":   current,
		"total_repetitions":          len(runs),
		"completed_repetition_count": completed,
		"runs":                       runs,
	})
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request, simID, runIndex string) {
	idx, err := strconv.Atoi(runIndex)
	if err != nil {
		http.Error(w, "bad run index", http.StatusBadRequest)
		return
	}
	runs, err := s.Store.Runs(r.Context(), simID)
	if err != nil {
		http.Error(w, "failed to load runs", http.StatusInternalServerError)
		return
	}
	for _, run := range runs {
		if run.RunIndex == idx {
			states, err := s.Store.States(r.Context(), run.ID)
			if err != nil {
				http.Error(w, "failed to load states", http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]any{
				"run_id": run.ID,
				"status": run.Status,
				"error":  run.Error,
				"states": states,
			})
			return
		}
	}
	http.Error(w, "run not found", http.StatusNotFound)
}

func (s *Server) handleStop(w http.ResponseWriter, simID string) {
	s.mu.Lock()
	cancel, ok := s.active[simID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no active run for simulation", http.StatusNotFound)
		return
	}
	cancel()
	writeJSON(w, map[string]any{"stopping": true})
}

func (s *Server) broadcastSnapshot(runID string, snap sim.Snapshot) {
	s.mu.Lock()
	simID := s.runToSim[runID]
	subs := make([]chan watchEvent, len(s.watchers[simID]))
	copy(subs, s.watchers[simID])
	s.mu.Unlock()

	ev := watchEvent{RunID: runID, Snapshot: snap}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // slow watcher, drop the frame
		}
	}
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, simID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := make(chan watchEvent, 16)
	s.mu.Lock()
	s.watchers[simID] = append(s.watchers[simID], ch)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		subs := s.watchers[simID]
		for i, sub := range subs {
			if sub == ch {
				s.watchers[simID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type scoresRequest struct {
	Goal          string `json:"goal"`
	SubjectUserID string `json:"subject_user_id"`
	Pairings      []struct {
		UserID     string `json:"user_id"`
		Transcript string `json:"transcript"`
	} `json:"pairings"`
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scoresRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	subject, err := s.Profiles.Identity(r.Context(), req.SubjectUserID)
	if errors.Is(err, profile.ErrNotFound) {
		http.Error(w, "subject not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load subject", http.StatusInternalServerError)
		return
	}

	pairings := make([]sim.Pairing, 0, len(req.Pairings))
	for _, p := range req.Pairings {
		identity, err := s.Profiles.Identity(r.Context(), p.UserID)
		if errors.Is(err, profile.ErrNotFound) {
			http.Error(w, fmt.Sprintf("pairing user %s not found", p.UserID), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "failed to load pairing user", http.StatusInternalServerError)
			return
		}
		pairings = append(pairings, sim.Pairing{
			UserID:       identity.UserID,
			UserName:     identity.DisplayName,
			AgentName:    identity.AgentName,
			Demographics: identity.Demographics,
			Transcript:   p.Transcript,
		})
	}

	scores, err := s.Scorer.Score(r.Context(), req.Goal, subject, pairings)
	if errors.Is(err, sim.ErrInvalidScoringInput) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("scoring failed", "error", err)
		http.Error(w, "scoring failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"scores": scores})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
