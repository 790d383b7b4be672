package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/talgya/doppelsim/internal/profile"
)

// fakeProvider serves fixed identities.
type fakeProvider struct {
	identities map[string]*profile.Identity
}

func newFakeProvider(userIDs ...string) *fakeProvider {
	p := &fakeProvider{identities: make(map[string]*profile.Identity)}
	for _, id := range userIDs {
		p.identities[id] = &profile.Identity{
			UserID:             id,
			DisplayName:        "Human " + id,
			AgentName:          "Bit " + id,
			TrainingUtterances: []string{"I like long walks.", "I hate small talk."},
		}
	}
	return p
}

func (p *fakeProvider) Identity(_ context.Context, userID string) (*profile.Identity, error) {
	id, ok := p.identities[userID]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return id, nil
}

func (p *fakeProvider) EligibleIdentities(context.Context) ([]*profile.Identity, error) {
	out := make([]*profile.Identity, 0, len(p.identities))
	for _, id := range p.identities {
		if id.Trained() {
			out = append(out, id)
		}
	}
	return out, nil
}

// fakeGenerator replays scripted turn responses and records the prompts
// it was given.
type fakeGenerator struct {
	turns   []turnScript
	call    int
	systems []string
	err     error
}

type turnScript struct {
	response string
	action   string
	target   string
}

func turnJSON(response, action, target string) string {
	return fmt.Sprintf(`{"response": %q, "action": {"type": %q, "target": %q, "reasoning": "test"}}`,
		response, action, target)
}

func (g *fakeGenerator) GenerateTurn(_ context.Context, system, _ string) (json.RawMessage, error) {
	g.systems = append(g.systems, system)
	if g.err != nil {
		return nil, g.err
	}
	script := g.turns[g.call%len(g.turns)]
	g.call++
	return json.RawMessage(turnJSON(script.response, script.action, script.target)), nil
}

func (g *fakeGenerator) GenerateScores(context.Context, string, string) (json.RawMessage, error) {
	return nil, errors.New("not scripted")
}

func newTestEngine(cfg EngineConfig, gen Generator) (*Engine, []*Agent, *WorldState) {
	agents := []*Agent{
		{Role: "agent1", UserID: "u1", Name: "Bit u1"},
		{Role: "agent2", UserID: "u2", Name: "Bit u2"},
	}
	provider := newFakeProvider("u1", "u2", "u3")
	engine := NewEngine(cfg, gen, provider)
	w := NewWorldState(cfg, agents, []Item{{Name: "Bar", X: 300, Y: 200}})
	return engine, agents, w
}

func TestRunStopsAtHardCap(t *testing.T) {
	gen := &fakeGenerator{turns: []turnScript{{response: "Still chatting.", action: "none"}}}
	engine, agents, w := newTestEngine(DefaultEngineConfig(), gen)

	outcome, err := engine.Run(context.Background(), agents, w, "find a friend", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Rounds != 10 {
		t.Errorf("rounds = %d, want exactly 10", outcome.Rounds)
	}
	if outcome.Farewell {
		t.Error("farewell = true for a conversation with no farewell")
	}
	if gen.call != 20 {
		t.Errorf("generation calls = %d, want 20 (2 agents x 10 rounds)", gen.call)
	}
}

func TestRunEndsRoundImmediatelyOnFarewell(t *testing.T) {
	// Agent 1 says goodbye on its first turn; agent 2 never speaks.
	gen := &fakeGenerator{turns: []turnScript{{response: "Goodbye, this was fun!", action: "none"}}}
	engine, agents, w := newTestEngine(DefaultEngineConfig(), gen)

	rounds := 0
	outcome, err := engine.Run(context.Background(), agents, w, "", func(*WorldState, int) error {
		rounds++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Farewell {
		t.Error("farewell not reported")
	}
	if outcome.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", outcome.Rounds)
	}
	if gen.call != 1 {
		t.Errorf("generation calls = %d, want 1 (remaining agents skip their turn)", gen.call)
	}
	if rounds != 1 {
		t.Errorf("round hook fired %d times, want 1 (partial round still snapshots)", rounds)
	}
	if strings.Contains(w.Transcript(), "Bit u2:") {
		t.Error("agent after the farewell still got a turn")
	}
}

func TestFarewellMarkersAreCaseInsensitiveSubstrings(t *testing.T) {
	tests := []struct {
		utterance string
		want      bool
	}{
		{"Well, GOODBYE then", true},
		{"see you around!", true},
		{"It was so nice meeting you today", true},
		{"good morning", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := containsFarewell(tt.utterance); got != tt.want {
			t.Errorf("containsFarewell(%q) = %v, want %v", tt.utterance, got, tt.want)
		}
	}
}

func TestHistoryVisibleToNextAgentWithinRound(t *testing.T) {
	gen := &fakeGenerator{turns: []turnScript{
		{response: "Opening line from one.", action: "none"},
		{response: "Reply from two.", action: "none"},
	}}
	cfg := DefaultEngineConfig()
	cfg.MaxRounds = 1
	engine, agents, w := newTestEngine(cfg, gen)

	if _, err := engine.Run(context.Background(), agents, w, "", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gen.systems) != 2 {
		t.Fatalf("prompts captured = %d, want 2", len(gen.systems))
	}
	if strings.Contains(gen.systems[0], "Opening line from one.") {
		t.Error("first speaker saw its own yet-unspoken line")
	}
	if !strings.Contains(gen.systems[1], "Opening line from one.") {
		t.Error("second speaker did not see the first speaker's utterance from the same round")
	}
}

func TestMutualMoveConsolidatesOnce(t *testing.T) {
	gen := &fakeGenerator{turns: []turnScript{
		{response: "Let's go to the bar.", action: "move", target: "bar"},
		{response: "Sure, meet you at the Bar.", action: "move", target: "Bar"},
		{response: "I'll stay here.", action: "none"},
	}}
	cfg := DefaultEngineConfig()
	cfg.MaxRounds = 1
	provider := newFakeProvider("u1", "u2", "u3")
	agents := []*Agent{
		{Role: "agent1", UserID: "u1", Name: "Bit u1"},
		{Role: "agent2", UserID: "u2", Name: "Bit u2"},
		{Role: "agent3", UserID: "u3", Name: "Bit u3"},
	}
	engine := NewEngine(cfg, gen, provider)
	w := NewWorldState(cfg, agents, []Item{{Name: "Bar", X: 300, Y: 200}})
	agent3Start := w.AgentPositions["agent3"]

	if _, err := engine.Run(context.Background(), agents, w, "", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, a := range agents[:2] {
		dx := a.Position.X - 300
		dy := a.Position.Y - 200
		if dist := dx*dx + dy*dy; dist > mutualMoveRadius*mutualMoveRadius+1e-6 {
			t.Errorf("%s: not within consolidation radius of the Bar (d²=%.2f)", a.Role, dist)
		}
	}
	if w.AgentPositions["agent3"] != agent3Start {
		t.Error("agent3 moved despite a none action")
	}

	consolidated := 0
	for _, ev := range w.Events() {
		if strings.HasPrefix(ev, "All agents move") {
			consolidated++
		}
	}
	if consolidated != 1 {
		t.Errorf("consolidated events = %d, want exactly 1", consolidated)
	}
}

func TestMoveToUnknownItemKeepsUtteranceDropsMove(t *testing.T) {
	gen := &fakeGenerator{turns: []turnScript{
		{response: "Let's check out the sofa.", action: "move", target: "Sofa"},
		{response: "There is no sofa.", action: "none"},
	}}
	cfg := DefaultEngineConfig()
	cfg.MaxRounds = 1
	engine, agents, w := newTestEngine(cfg, gen)
	start := w.AgentPositions["agent1"]

	if _, err := engine.Run(context.Background(), agents, w, "", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.AgentPositions["agent1"] != start {
		t.Error("agent moved to an item that does not exist")
	}
	if len(w.Events()) != 0 {
		t.Errorf("events = %v, want none for an unmatched move", w.Events())
	}
	if !strings.Contains(w.Transcript(), "Let's check out the sofa.") {
		t.Error("utterance was dropped along with the invalid move")
	}
}

func TestGenerationErrorFallsBackByDefault(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	cfg := DefaultEngineConfig()
	cfg.MaxRounds = 1
	engine, agents, w := newTestEngine(cfg, gen)

	if _, err := engine.Run(context.Background(), agents, w, "", nil); err != nil {
		t.Fatalf("Run: %v (fallback mode must not propagate)", err)
	}
	if !strings.Contains(w.Transcript(), fallbackUtterance) {
		t.Error("fallback utterance missing from transcript")
	}
}

func TestGenerationErrorPropagatesInStrictMode(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	cfg := DefaultEngineConfig()
	cfg.OnGenError = PropagateError
	engine, agents, w := newTestEngine(cfg, gen)

	_, err := engine.Run(context.Background(), agents, w, "", nil)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if genErr.Stage != "turn" {
		t.Errorf("stage = %q, want turn", genErr.Stage)
	}
}

func TestMalformedPayloadIsAGenerationError(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "the model rambled instead"},
		{"missing action", `{"response": "hi"}`},
		{"bad action type", `{"response": "hi", "action": {"type": "teleport"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseTurnPayload(json.RawMessage(tt.raw)); err == nil {
				t.Errorf("parseTurnPayload(%q) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestCounterpartPolicies(t *testing.T) {
	agents := []*Agent{
		{Role: "agent1"}, {Role: "agent2"}, {Role: "agent3"},
	}

	first := NewEngine(EngineConfig{Pairing: PairFirstOther}, nil, nil)
	if got := first.counterpartFor(0, agents); got.Role != "agent2" {
		t.Errorf("PairFirstOther for agent1 = %s, want agent2", got.Role)
	}
	if got := first.counterpartFor(2, agents); got.Role != "agent1" {
		t.Errorf("PairFirstOther for agent3 = %s, want agent1", got.Role)
	}

	prev := NewEngine(EngineConfig{Pairing: PairPreviousSpeaker}, nil, nil)
	if got := prev.counterpartFor(0, agents); got.Role != "agent3" {
		t.Errorf("PairPreviousSpeaker for agent1 = %s, want agent3", got.Role)
	}
	if got := prev.counterpartFor(2, agents); got.Role != "agent2" {
		t.Errorf("PairPreviousSpeaker for agent3 = %s, want agent2", got.Role)
	}
}

func TestStrictFidelityAddsPromptConstraint(t *testing.T) {
	identity := &profile.Identity{UserID: "u1", DisplayName: "Ana", AgentName: "Bit Ana"}
	agent := &Agent{Role: "agent1", UserID: "u1", Name: "Bit Ana"}
	other := &Agent{Role: "agent2", UserID: "u2", Name: "Bit Bo"}
	w := NewWorldState(DefaultEngineConfig(), []*Agent{agent, other}, nil)

	relaxed := buildTurnSystemPrompt(identity, agent, other, w, "", false)
	strict := buildTurnSystemPrompt(identity, agent, other, w, "", true)

	if strings.Contains(relaxed, "Never invent") {
		t.Error("fidelity constraint present without StrictFidelity")
	}
	if !strings.Contains(strict, "Never invent") {
		t.Error("fidelity constraint missing with StrictFidelity")
	}
}
