package sim

import (
	"context"
	"log/slog"
	"strings"

	"github.com/talgya/doppelsim/internal/profile"
)

// farewellMarkers end the conversation loop when any utterance contains
// one of them (case-insensitive substring).
var farewellMarkers = []string{"goodbye", "see you", "nice meeting you"}

// Engine drives the bounded round-robin turn loop for one run. It owns
// the world state exclusively while a round is in progress.
type Engine struct {
	cfg      EngineConfig
	gen      Generator
	profiles profile.Provider
}

// NewEngine wires the orchestrator to its generator and identity source.
func NewEngine(cfg EngineConfig, gen Generator, profiles profile.Provider) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultEngineConfig().MaxRounds
	}
	return &Engine{cfg: cfg, gen: gen, profiles: profiles}
}

// RoundHook is called after every completed round (including a round cut
// short by a farewell), with the world already updated. The runner uses
// it to persist snapshots.
type RoundHook func(w *WorldState, round int) error

// Outcome summarizes a finished turn loop.
type Outcome struct {
	Rounds   int  // rounds executed, counting a partial final round
	Farewell bool // true when a farewell marker ended the loop early
}

// Run executes the conversation loop: up to MaxRounds rounds, one turn
// per agent per round in participant order. Each agent sees every prior
// utterance of the same round; turns are strictly sequential. Returns a
// non-nil error only for fatal conditions (propagated generation
// failure, cancellation); the hard round cap and farewells are normal
// completions.
func (e *Engine) Run(ctx context.Context, agents []*Agent, w *WorldState, goal string, onRound RoundHook) (*Outcome, error) {
	type pendingMove struct {
		agent  *Agent
		target string
	}

	for round := 0; round < e.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		farewell := false
		var moves []pendingMove

		for i, agent := range agents {
			other := e.counterpartFor(i, agents)

			result, err := e.generateTurn(ctx, agent, other, w, goal)
			if err != nil {
				return nil, err
			}

			w.AppendUtterance(round, agent, result.Utterance, result.Action)
			if result.NarrativeEvent != "" {
				w.AppendEvent(result.NarrativeEvent)
				moves = append(moves, pendingMove{agent: agent, target: result.Action.Target})
			}

			if containsFarewell(result.Utterance) {
				slog.Debug("farewell detected", "role", agent.Role, "round", round)
				farewell = true
				break
			}
		}

		// Consolidate agents that moved to the same item this round.
		byTarget := make(map[string][]*Agent)
		for _, m := range moves {
			key := strings.ToLower(m.target)
			byTarget[key] = append(byTarget[key], m.agent)
		}
		for target, movers := range byTarget {
			if len(movers) < 2 {
				continue
			}
			if item, ok := w.FindItem(target); ok {
				w.AppendEvent(w.ConsolidateMove(movers, item))
			}
		}

		if onRound != nil {
			if err := onRound(w, round); err != nil {
				return nil, err
			}
		}

		if farewell {
			return &Outcome{Rounds: round + 1, Farewell: true}, nil
		}
	}

	return &Outcome{Rounds: e.cfg.MaxRounds}, nil
}

// counterpartFor picks who the speaker addresses, per the configured
// pairing policy.
func (e *Engine) counterpartFor(i int, agents []*Agent) *Agent {
	n := len(agents)
	if e.cfg.Pairing == PairPreviousSpeaker {
		return agents[(i-1+n)%n]
	}
	// First other agent in participant order.
	if i == 0 {
		return agents[1%n]
	}
	return agents[0]
}

func containsFarewell(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, marker := range farewellMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
