package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/talgya/doppelsim/internal/profile"
)

// fallbackUtterance is what an agent says when its generation call
// failed and the engine is running in fallback mode.
const fallbackUtterance = "I'm not sure what to say right now."

// turnSchema validates the model's JSON before it is decoded. The model
// is already constrained to this shape by the response schema; this
// catches providers that return something looser anyway.
var turnSchema = jsonschema.MustCompileString("turn.schema.json", `{
	"type": "object",
	"required": ["response", "action"],
	"properties": {
		"response": {"type": "string"},
		"action": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"enum": ["move", "interact", "none"]},
				"target": {"type": ["string", "null"]},
				"reasoning": {"type": ["string", "null"]}
			}
		}
	}
}`)

// turnPayload is the wire shape of one structured turn response.
type turnPayload struct {
	Response string `json:"response"`
	Action   struct {
		Type      string `json:"type"`
		Target    string `json:"target"`
		Reasoning string `json:"reasoning"`
	} `json:"action"`
}

// trailingUtterances bounds how much raw training data goes into a turn
// prompt.
const trailingUtterances = 10

// generateTurn runs one agent's turn: assemble the prompt context, make
// one structured model call, resolve the chosen action against the
// world. The world is mutated only on a successful move match; a target
// naming no item downgrades the action to none and keeps the utterance.
func (e *Engine) generateTurn(ctx context.Context, agent, other *Agent, w *WorldState, goal string) (*TurnResult, error) {
	identity, err := e.profiles.Identity(ctx, agent.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", agent.Role, err)
	}

	system := buildTurnSystemPrompt(identity, agent, other, w, goal, e.cfg.StrictFidelity)
	user := buildTurnUserPrompt(other, w)

	raw, err := e.gen.GenerateTurn(ctx, system, user)
	if err != nil {
		return e.turnFailure(agent, &GenerationError{Stage: "turn", Err: err})
	}

	payload, err := parseTurnPayload(raw)
	if err != nil {
		return e.turnFailure(agent, &GenerationError{Stage: "turn", Err: err})
	}

	result := &TurnResult{
		Utterance: payload.Response,
		Action: Action{
			Type:      ActionType(payload.Action.Type),
			Target:    payload.Action.Target,
			Reasoning: payload.Action.Reasoning,
		},
	}
	if result.Utterance == "" {
		result.Utterance = "..."
	}

	if result.Action.Type == ActionMove && result.Action.Target != "" {
		if item, ok := w.FindItem(result.Action.Target); ok {
			result.NarrativeEvent = w.ApplyMove(agent, item)
		} else {
			// Unknown target: keep the utterance, drop the move.
			result.Action.Type = ActionNone
		}
	}
	return result, nil
}

// turnFailure applies the configured failure policy.
func (e *Engine) turnFailure(agent *Agent, genErr *GenerationError) (*TurnResult, error) {
	if e.cfg.OnGenError == PropagateError {
		return nil, genErr
	}
	slog.Warn("turn generation failed, using fallback",
		"role", agent.Role,
		"agent", agent.Name,
		"error", genErr.Err,
	)
	return &TurnResult{
		Utterance: fallbackUtterance,
		Action:    Action{Type: ActionNone, Reasoning: "generation failed"},
	}, nil
}

func parseTurnPayload(raw json.RawMessage) (*turnPayload, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode turn response: %w", err)
	}
	if err := turnSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("turn response schema: %w", err)
	}
	var payload turnPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode turn response: %w", err)
	}
	if payload.Action.Type == "" {
		payload.Action.Type = string(ActionNone)
	}
	return &payload, nil
}

func buildTurnSystemPrompt(identity *profile.Identity, agent, other *Agent, w *WorldState, goal string, strictFidelity bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, an AI agent representing %s in a simulated space.\n\n",
		agent.Name, identity.DisplayName)

	if goal != "" {
		fmt.Fprintf(&b, "GOAL OF THIS INTERACTION: %s\n\n", goal)
	}

	fmt.Fprintf(&b, "YOUR TRAINING DATA (what you know about %s):\n", identity.DisplayName)
	training := identity.TrainingSummary(trailingUtterances)
	if training == "" {
		training = "No training data yet."
	}
	b.WriteString(training)
	b.WriteString("\n\n")

	writeKnowledge(&b, identity)

	b.WriteString("CURRENT WORLD STATE:\n")
	fmt.Fprintf(&b, "- Available items in the space: %s\n", itemList(w.Items))
	fmt.Fprintf(&b, "- Your current position: (%.0f, %.0f)\n", agent.Position.X, agent.Position.Y)
	fmt.Fprintf(&b, "- %s's position: (%.0f, %.0f)\n\n", other.Name, other.Position.X, other.Position.Y)

	b.WriteString("CONVERSATION SO FAR:\n")
	if t := w.Transcript(); t != "" {
		b.WriteString(strings.TrimSpace(t))
	} else {
		b.WriteString("Conversation just started.")
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, `INSTRUCTIONS:
- You are having a natural conversation with %s
- You can suggest moving to items if it makes sense contextually
- You can agree to move if the other agent suggests it
- Be natural and conversational - movement decisions should feel organic
- Reference items by their exact names as listed above
`, other.Name)

	if strictFidelity {
		fmt.Fprintf(&b, `- Only say things supported by your training data about %s
- If you do not know something about %s, deflect or give a short, noncommittal answer
- Never invent specific facts, preferences, or stories that are not in your training data
`, identity.DisplayName, identity.DisplayName)
	}

	b.WriteString(`
Respond ONLY with JSON in this exact structure:
{
  "response": "Your natural conversational text response",
  "action": {
    "type": "move" | "interact" | "none",
    "target": "item name or null",
    "reasoning": "Brief explanation of your action decision"
  }
}`)
	return b.String()
}

func buildTurnUserPrompt(other *Agent, w *WorldState) string {
	last := w.LastLine()
	if last == "" {
		last = "Hello!"
	}
	return fmt.Sprintf("Continue the conversation. %s just said: %q", other.Name, last)
}

func writeKnowledge(b *strings.Builder, identity *profile.Identity) {
	kb := identity.KnowledgeBase
	if kb.Empty() {
		return
	}
	b.WriteString("YOUR PERSONALITY & BEHAVIORS:\n")
	if len(kb.Behaviors.Habits) > 0 {
		fmt.Fprintf(b, "Habits & Routines: %s\n", strings.Join(kb.Behaviors.Habits, ", "))
	}
	if len(kb.Preferences.Likes) > 0 {
		fmt.Fprintf(b, "Likes: %s\n", strings.Join(kb.Preferences.Likes, ", "))
	}
	if len(kb.Preferences.Dislikes) > 0 {
		fmt.Fprintf(b, "Dislikes: %s\n", strings.Join(kb.Preferences.Dislikes, ", "))
	}
	if len(kb.Behaviors.DecisionPatterns) > 0 {
		fmt.Fprintf(b, "Decision Patterns: %s\n", strings.Join(kb.Behaviors.DecisionPatterns, ", "))
	}
	if len(kb.KeyAnecdotes) > 0 {
		n := len(kb.KeyAnecdotes)
		if n > 2 {
			n = 2
		}
		fmt.Fprintf(b, "Key Stories: %s\n", strings.Join(kb.KeyAnecdotes[:n], " | "))
	}
	b.WriteString("\n")
}

func itemList(items []Item) string {
	if len(items) == 0 {
		return "None"
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf("%s at position (%.0f, %.0f)", it.Name, it.X, it.Y)
	}
	return strings.Join(parts, ", ")
}
