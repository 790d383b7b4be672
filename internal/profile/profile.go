// Package profile resolves doppelganger identities: who a simulated agent
// represents, what it knows about them, and which identities are trained
// enough to take part in a simulation.
package profile

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no identity exists for a user ID.
var ErrNotFound = errors.New("identity not found")

// KnowledgeBase is the structured knowledge extracted from a user's
// training sessions. Fields mirror the extraction schema used by the
// training pipeline; all of them are optional.
type KnowledgeBase struct {
	Behaviors struct {
		Habits           []string `json:"habits_and_routines,omitempty"`
		DecisionPatterns []string `json:"decision_patterns,omitempty"`
	} `json:"behaviors,omitempty"`
	Preferences struct {
		Likes    []string `json:"likes,omitempty"`
		Dislikes []string `json:"dislikes,omitempty"`
	} `json:"preferences,omitempty"`
	KeyAnecdotes []string `json:"key_anecdotes,omitempty"`
}

// Empty reports whether the knowledge base carries no extracted facts.
func (kb KnowledgeBase) Empty() bool {
	return len(kb.Behaviors.Habits) == 0 &&
		len(kb.Behaviors.DecisionPatterns) == 0 &&
		len(kb.Preferences.Likes) == 0 &&
		len(kb.Preferences.Dislikes) == 0 &&
		len(kb.KeyAnecdotes) == 0
}

// Demographics holds the declared profile attributes used for hard
// compatibility rules.
type Demographics struct {
	Age         int    `json:"age,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Orientation string `json:"orientation,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Identity is one user's doppelganger profile.
type Identity struct {
	UserID             string
	DisplayName        string // the human's name
	AgentName          string // the doppelganger's name, used in transcripts
	KnowledgeBase      KnowledgeBase
	TrainingUtterances []string // raw things the user said during training
	Demographics       Demographics
}

// Trained reports whether the identity has enough training data to be
// eligible for simulation.
func (id *Identity) Trained() bool {
	return len(id.TrainingUtterances) > 0 || !id.KnowledgeBase.Empty()
}

// TrainingSummary renders the raw training utterances as prompt context,
// most recent last, capped at limit entries.
func (id *Identity) TrainingSummary(limit int) string {
	utterances := id.TrainingUtterances
	if limit > 0 && len(utterances) > limit {
		utterances = utterances[len(utterances)-limit:]
	}
	var b strings.Builder
	for _, u := range utterances {
		b.WriteString(id.DisplayName)
		b.WriteString(": ")
		b.WriteString(u)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Provider resolves identities. Implemented by the persistence store;
// consumers depend on this interface so tests can substitute fixtures.
type Provider interface {
	// Identity returns the identity for a user ID, or ErrNotFound.
	Identity(ctx context.Context, userID string) (*Identity, error)

	// EligibleIdentities returns all trained identities, for random
	// participant resolution.
	EligibleIdentities(ctx context.Context) ([]*Identity, error)
}
