package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/talgya/doppelsim/internal/profile"
)

// Participant is one configured slot in a session: an explicit identity
// or "pick one unused trained identity at random".
type Participant struct {
	UserID string `json:"user_id,omitempty"`
	Random bool   `json:"random,omitempty"`
}

// SessionConfig describes one simulation to run.
type SessionConfig struct {
	Participants []Participant `json:"participants"`
	Items        []Item        `json:"items"`
	Goal         string        `json:"goal"`
	Repetitions  int           `json:"repetitions"`
	Engine       EngineConfig  `json:"-"`
}

// Validate rejects malformed configuration before any side effect.
func (c *SessionConfig) Validate() error {
	if len(c.Participants) < 2 {
		return ErrInsufficientParticipants
	}
	for i, it := range c.Items {
		if it.Name == "" {
			return fmt.Errorf("item %d has no name", i)
		}
	}
	if c.Repetitions < 1 {
		c.Repetitions = 1
	}
	return nil
}

// SnapshotStore is the persistence surface the runner needs: append-only
// snapshot writes and run status updates. Implemented by the persistence
// store.
type SnapshotStore interface {
	PersistState(ctx context.Context, runID string, snap Snapshot) error
	SetRunStatus(ctx context.Context, runID string, status Status, message string) error
}

// Runner executes configured sessions: it resolves participants, builds
// an engine with the session's knobs, drives it once per repetition, and
// persists snapshots and statuses.
type Runner struct {
	gen      Generator
	profiles profile.Provider
	store    SnapshotStore

	// OnSnapshot, when set, observes every snapshot after it has been
	// persisted. The API server uses it to feed live watchers.
	OnSnapshot func(runID string, snap Snapshot)

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRunner builds a runner. The seed feeds random participant
// selection, so runs are reproducible in tests.
func NewRunner(gen Generator, profiles profile.Provider, store SnapshotStore, seed int64) *Runner {
	return &Runner{
		gen:      gen,
		profiles: profiles,
		store:    store,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// ResolveParticipants turns participant slots into agents. Random slots
// draw distinct trained identities; repeats are allowed only when the
// eligible pool is smaller than the number of distinct identities
// requested. Roles are assigned in participant order.
func (r *Runner) ResolveParticipants(ctx context.Context, participants []Participant) ([]*Agent, error) {
	if len(participants) < 2 {
		return nil, ErrInsufficientParticipants
	}

	var eligible []*profile.Identity
	for _, p := range participants {
		if p.Random {
			var err error
			eligible, err = r.profiles.EligibleIdentities(ctx)
			if err != nil {
				return nil, fmt.Errorf("list eligible identities: %w", err)
			}
			break
		}
	}

	used := make(map[string]bool, len(participants))
	agents := make([]*Agent, 0, len(participants))
	for i, p := range participants {
		var identity *profile.Identity
		if p.Random {
			var err error
			identity, err = r.pickRandom(eligible, used)
			if err != nil {
				return nil, err
			}
		} else {
			var err error
			identity, err = r.profiles.Identity(ctx, p.UserID)
			if errors.Is(err, profile.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, p.UserID)
			}
			if err != nil {
				return nil, fmt.Errorf("resolve participant %d: %w", i, err)
			}
		}
		used[identity.UserID] = true
		agents = append(agents, &Agent{
			Role:   fmt.Sprintf("agent%d", i+1),
			UserID: identity.UserID,
			Name:   identity.AgentName,
		})
	}
	return agents, nil
}

func (r *Runner) pickRandom(eligible []*profile.Identity, used map[string]bool) (*profile.Identity, error) {
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no trained identities available", ErrInsufficientParticipants)
	}
	unused := make([]*profile.Identity, 0, len(eligible))
	for _, id := range eligible {
		if !used[id.UserID] {
			unused = append(unused, id)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(unused) == 0 {
		// Pool exhausted: repeats are the only option left.
		return eligible[r.rng.Intn(len(eligible))], nil
	}
	return unused[r.rng.Intn(len(unused))], nil
}

// RunSession executes every repetition of a configured session. Each
// repetition has its own run ID, fresh world state, and snapshot
// sequence; repetitions execute sequentially so at most one generation
// call is in flight. A fatal error marks the current run failed and
// stops the session; snapshots already persisted stay untouched.
func (r *Runner) RunSession(ctx context.Context, cfg SessionConfig, runIDs []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	for rep, runID := range runIDs {
		if err := r.runOnce(ctx, cfg, runID); err != nil {
			status := StatusFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = StatusStopped
			}
			// Status writes must land even when ctx is gone.
			if serr := r.store.SetRunStatus(context.WithoutCancel(ctx), runID, status, err.Error()); serr != nil {
				slog.Error("set run status", "run_id", runID, "status", status, "error", serr)
			}
			return fmt.Errorf("repetition %d: %w", rep, err)
		}
		if err := r.store.SetRunStatus(ctx, runID, StatusCompleted, ""); err != nil {
			return fmt.Errorf("repetition %d: set status: %w", rep, err)
		}
	}
	return nil
}

func (r *Runner) runOnce(ctx context.Context, cfg SessionConfig, runID string) error {
	if err := r.store.SetRunStatus(ctx, runID, StatusRunning, ""); err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	agents, err := r.ResolveParticipants(ctx, cfg.Participants)
	if err != nil {
		return err
	}

	engineCfg := cfg.Engine
	if engineCfg.BoardWidth == 0 || engineCfg.BoardHeight == 0 {
		def := DefaultEngineConfig()
		def.OnGenError = engineCfg.OnGenError
		def.Pairing = engineCfg.Pairing
		def.StrictFidelity = engineCfg.StrictFidelity
		if engineCfg.MaxRounds > 0 {
			def.MaxRounds = engineCfg.MaxRounds
		}
		engineCfg = def
	}
	engine := NewEngine(engineCfg, r.gen, r.profiles)
	w := NewWorldState(engineCfg, agents, cfg.Items)

	stateIndex := 0
	persist := func(w *WorldState, round int) error {
		snap := w.Snapshot(stateIndex, round)
		if err := r.store.PersistState(ctx, runID, snap); err != nil {
			return fmt.Errorf("persist state %d: %w", stateIndex, err)
		}
		stateIndex++
		if r.OnSnapshot != nil {
			r.OnSnapshot(runID, snap)
		}
		return nil
	}

	// Initial pre-turn state is snapshot 0.
	if err := persist(w, 0); err != nil {
		return err
	}

	outcome, err := engine.Run(ctx, agents, w, cfg.Goal, persist)
	if err != nil {
		return err
	}

	slog.Info("run finished",
		"run_id", runID,
		"rounds", outcome.Rounds,
		"farewell", outcome.Farewell,
		"snapshots", stateIndex,
	)
	return nil
}
