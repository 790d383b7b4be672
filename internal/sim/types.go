// Package sim implements the turn-based doppelganger simulation engine:
// shared world state, per-agent turn generation, the round orchestrator,
// the session runner, and post-hoc compatibility scoring.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Position is a 2-D coordinate on the simulation board.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Item is a named point of interest agents may move toward. Items are
// fixed at configuration time and never move during a run.
type Item struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Agent is one participant in a simulation run. Role is the stable key
// used for positions ("agent1", "agent2", ...); identity data stays in
// the profile provider and is never copied into world state.
type Agent struct {
	Role     string
	UserID   string
	Name     string // the doppelganger's display name in transcripts
	Position Position
}

// ActionType tags the world action attached to an utterance.
type ActionType string

const (
	ActionNone     ActionType = "none"
	ActionMove     ActionType = "move"
	ActionInteract ActionType = "interact"
)

// Action is the world action an agent chose alongside its utterance.
type Action struct {
	Type      ActionType `json:"type"`
	Target    string     `json:"target,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// TurnResult is the outcome of one agent's turn.
type TurnResult struct {
	Utterance      string
	Action         Action
	NarrativeEvent string // non-empty when the turn changed the world
}

// FailurePolicy selects what a turn does when generation fails.
type FailurePolicy int

const (
	// FallbackOnError substitutes a neutral utterance and a none action,
	// logging the failure. Used for best-effort world simulation.
	FallbackOnError FailurePolicy = iota
	// PropagateError surfaces a *GenerationError and ends the run. Used
	// for user-facing match sessions where a silent filler turn would
	// corrupt the result.
	PropagateError
)

// PairingPolicy selects which counterpart an agent addresses in rounds
// with more than two participants.
type PairingPolicy int

const (
	// PairFirstOther pairs the speaker with the first other agent in
	// participant order. This is the default.
	PairFirstOther PairingPolicy = iota
	// PairPreviousSpeaker pairs the speaker with the agent who spoke
	// immediately before it in the round.
	PairPreviousSpeaker
)

// EngineConfig carries the named knobs of the orchestrator.
type EngineConfig struct {
	BoardWidth  float64
	BoardHeight float64
	MaxRounds   int
	OnGenError  FailurePolicy
	Pairing     PairingPolicy

	// StrictFidelity instructs thinly-trained agents to deflect rather
	// than invent specifics. A prompt-level constraint, not a separate
	// code path.
	StrictFidelity bool
}

// DefaultEngineConfig returns the standard board and loop bounds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BoardWidth:  600,
		BoardHeight: 400,
		MaxRounds:   10,
		OnGenError:  FallbackOnError,
		Pairing:     PairFirstOther,
	}
}

// Status is the lifecycle state of one simulation run (repetition).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Configuration-time errors. These propagate synchronously, before any
// world state exists or any generation call is made.
var (
	ErrIdentityNotFound         = errors.New("participant identity not found")
	ErrInsufficientParticipants = errors.New("at least 2 participants are required")
	ErrInvalidScoringInput      = errors.New("scoring requires a goal and at least one pairing")
)

// GenerationError wraps a failed or unparseable model call.
type GenerationError struct {
	Stage string // "turn" or "score"
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generator is the sole contact point with the underlying language
// model. Both methods must return strictly machine-parseable JSON.
// Implemented by llm.Client; tests substitute fakes.
type Generator interface {
	GenerateTurn(ctx context.Context, system, user string) (json.RawMessage, error)
	GenerateScores(ctx context.Context, system, user string) (json.RawMessage, error)
}
