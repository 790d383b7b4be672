package sim

import (
	"fmt"
	"math"
	"strings"
)

// moveOffset keeps two agents converging on the same item from landing
// on identical coordinates.
const moveOffset = 10

// mutualMoveRadius is the circle agents are placed on when a round's
// moves to one item are consolidated.
const mutualMoveRadius = 20

// WorldState is the single shared mutable object for one simulation
// run. It is owned exclusively by the orchestrator while a round is in
// progress; the runner only reads it between rounds.
type WorldState struct {
	Items          []Item
	AgentPositions map[string]Position

	transcript strings.Builder
	events     []string
	turns      []TurnRecord
}

// TurnRecord is the structured form of one transcript entry.
type TurnRecord struct {
	Round     int    `json:"round"`
	Role      string `json:"role"`
	AgentName string `json:"agent_name"`
	Utterance string `json:"utterance"`
	Action    Action `json:"action"`
}

// Snapshot is an immutable copy of world state at one point in a run,
// persisted after the initial state and after every completed round.
type Snapshot struct {
	StateIndex      int                 `json:"state_index"`
	AgentPositions  map[string]Position `json:"agent_positions"`
	Transcript      string              `json:"transcript"`
	Items           []Item              `json:"items"`
	NarrativeEvents []string            `json:"narrative_events"`
	Round           int                 `json:"round"`
}

// NewWorldState builds the initial world for a run. Agents are spread
// evenly on a circle inscribed in the board (radius 25% of the smaller
// dimension) so nobody starts on top of anybody else.
func NewWorldState(cfg EngineConfig, agents []*Agent, items []Item) *WorldState {
	w := &WorldState{
		Items:          make([]Item, len(items)),
		AgentPositions: make(map[string]Position, len(agents)),
	}
	copy(w.Items, items)

	radius := math.Min(cfg.BoardWidth, cfg.BoardHeight) * 0.25
	centerX := cfg.BoardWidth / 2
	centerY := cfg.BoardHeight / 2
	for i, a := range agents {
		angle := float64(i) / float64(len(agents)) * 2 * math.Pi
		a.Position = Position{
			X: centerX + math.Cos(angle)*radius,
			Y: centerY + math.Sin(angle)*radius,
		}
		w.AgentPositions[a.Role] = a.Position
	}
	return w
}

// Transcript returns the interleaved utterance/event log so far.
func (w *WorldState) Transcript() string { return w.transcript.String() }

// Events returns the narrative events recorded so far.
func (w *WorldState) Events() []string { return w.events }

// Turns returns the structured turn records so far.
func (w *WorldState) Turns() []TurnRecord { return w.turns }

// LastLine returns the most recent transcript line, for "X just said"
// prompt context.
func (w *WorldState) LastLine() string {
	t := w.transcript.String()
	if i := strings.LastIndex(t, "\n"); i >= 0 {
		return t[i+1:]
	}
	return t
}

// AppendUtterance records one agent's utterance in both the flat
// transcript and the structured turn log.
func (w *WorldState) AppendUtterance(round int, a *Agent, utterance string, action Action) {
	fmt.Fprintf(&w.transcript, "\n%s: %s", a.Name, utterance)
	w.turns = append(w.turns, TurnRecord{
		Round:     round,
		Role:      a.Role,
		AgentName: a.Name,
		Utterance: utterance,
		Action:    action,
	})
}

// AppendEvent records a narrative event as a bracketed transcript line.
func (w *WorldState) AppendEvent(event string) {
	w.events = append(w.events, event)
	fmt.Fprintf(&w.transcript, "\n[%s]", event)
}

// FindItem matches a move target against item names, case-insensitively.
func (w *WorldState) FindItem(name string) (Item, bool) {
	for _, it := range w.Items {
		if strings.EqualFold(it.Name, name) {
			return it, true
		}
	}
	return Item{}, false
}

// ApplyMove places the agent at the item with a small role-dependent
// offset and returns the narrative event describing the move.
func (w *WorldState) ApplyMove(a *Agent, item Item) string {
	off := float64(moveOffset)
	if a.Role == "agent1" {
		off = -moveOffset
	}
	a.Position = Position{X: item.X + off, Y: item.Y + off}
	w.AgentPositions[a.Role] = a.Position
	return fmt.Sprintf("%s moves to the %s", a.Name, item.Name)
}

// ConsolidateMove repositions agents that all moved to the same item in
// one round, distributing them evenly on a small circle around it. It
// overrides the per-agent offsets their individual turns computed and
// returns the single consolidated narrative event.
func (w *WorldState) ConsolidateMove(movers []*Agent, item Item) string {
	for i, a := range movers {
		angle := float64(i) / float64(len(movers)) * 2 * math.Pi
		a.Position = Position{
			X: item.X + math.Cos(angle)*mutualMoveRadius,
			Y: item.Y + math.Sin(angle)*mutualMoveRadius,
		}
		w.AgentPositions[a.Role] = a.Position
	}
	return fmt.Sprintf("All agents move to the %s", item.Name)
}

// Snapshot deep-copies the current state. Later mutations of the world
// never show through a snapshot already taken.
func (w *WorldState) Snapshot(stateIndex, round int) Snapshot {
	positions := make(map[string]Position, len(w.AgentPositions))
	for role, p := range w.AgentPositions {
		positions[role] = p
	}
	items := make([]Item, len(w.Items))
	copy(items, w.Items)
	events := make([]string, len(w.events))
	copy(events, w.events)
	return Snapshot{
		StateIndex:      stateIndex,
		AgentPositions:  positions,
		Transcript:      w.transcript.String(),
		Items:           items,
		NarrativeEvents: events,
		Round:           round,
	}
}
