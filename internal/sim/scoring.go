package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/talgya/doppelsim/internal/profile"
)

// Dealbreaker scores are forced into this band no matter what the
// transcript looked like.
const (
	dealbreakerScoreMin = 5
	dealbreakerScoreMax = 20
)

// Pairing is one counterpart to score against the subject: their
// identity metadata plus the full transcript of the simulated
// conversation.
type Pairing struct {
	UserID       string               `json:"user_id"`
	UserName     string               `json:"user_name"`
	AgentName    string               `json:"agent_name"`
	Demographics profile.Demographics `json:"demographics"`
	Transcript   string               `json:"transcript"`
}

// Score is the compatibility verdict for one pairing.
type Score struct {
	UserID      string `json:"user_id"`
	Score       int    `json:"score"`
	Dealbreaker bool   `json:"dealbreaker"`
	Reasoning   string `json:"reasoning"`
}

var scoresSchema = jsonschema.MustCompileString("scores.schema.json", `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["user_id", "score", "reasoning"],
		"properties": {
			"user_id": {"type": "string"},
			"score": {"type": "number"},
			"dealbreaker": {"type": "boolean"},
			"reasoning": {"type": "string"}
		}
	}
}`)

// Scorer runs the post-hoc compatibility evaluation: one structured
// model call over finished transcripts, with hard dealbreaker rules
// applied before conversational quality is considered.
type Scorer struct {
	gen Generator
}

// NewScorer wires the scorer to its generator.
func NewScorer(gen Generator) *Scorer {
	return &Scorer{gen: gen}
}

// Score evaluates every pairing against the subject for the stated
// goal. Input problems are rejected before any generation call; the
// result carries exactly one entry per pairing, in input order.
func (s *Scorer) Score(ctx context.Context, goal string, subject *profile.Identity, pairings []Pairing) ([]Score, error) {
	if strings.TrimSpace(goal) == "" || len(pairings) == 0 {
		return nil, ErrInvalidScoringInput
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: missing subject identity", ErrInvalidScoringInput)
	}

	system := buildScoringSystemPrompt(goal, subject)
	user := buildScoringUserPrompt(subject, pairings)

	raw, err := s.gen.GenerateScores(ctx, system, user)
	if err != nil {
		return nil, &GenerationError{Stage: "score", Err: err}
	}

	parsed, err := parseScoresPayload(raw)
	if err != nil {
		return nil, &GenerationError{Stage: "score", Err: err}
	}

	byUser := make(map[string]Score, len(parsed))
	for _, sc := range parsed {
		byUser[sc.UserID] = sc
	}

	out := make([]Score, 0, len(pairings))
	for _, p := range pairings {
		sc, ok := byUser[p.UserID]
		if !ok {
			return nil, &GenerationError{
				Stage: "score",
				Err:   fmt.Errorf("no score returned for user %s", p.UserID),
			}
		}
		out = append(out, clampScore(sc))
	}
	return out, nil
}

// clampScore enforces the numeric contract regardless of what the model
// returned: scores live in [0,100], and a dealbreaker pins the score
// into the low band.
func clampScore(sc Score) Score {
	if sc.Score < 0 {
		sc.Score = 0
	}
	if sc.Score > 100 {
		sc.Score = 100
	}
	if sc.Dealbreaker {
		if sc.Score < dealbreakerScoreMin {
			sc.Score = dealbreakerScoreMin
		}
		if sc.Score > dealbreakerScoreMax {
			sc.Score = dealbreakerScoreMax
		}
	}
	return sc
}

func parseScoresPayload(raw json.RawMessage) ([]Score, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode scores response: %w", err)
	}
	if err := scoresSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("scores response schema: %w", err)
	}
	var scores []Score
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil, fmt.Errorf("decode scores response: %w", err)
	}
	return scores, nil
}

func buildScoringSystemPrompt(goal string, subject *profile.Identity) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You evaluate compatibility between %s and each person they had a simulated conversation with.
The stated goal was: %q

Evaluate each pairing in two phases.

PHASE 1, DEALBREAKERS (checked first, overrides everything):
A dealbreaker exists when the declared profiles are fundamentally incompatible with the goal.
For romantic goals, a gender/orientation mismatch between the two profiles is a dealbreaker.
If a dealbreaker applies: set "dealbreaker" to true and the score between %d and %d,
regardless of how well the conversation went, and say which rule applied in the reasoning.

PHASE 2, CONVERSATION QUALITY (only when no dealbreaker applies):
Score 0-100 from the transcript: shared interests surfaced, conversational flow,
reciprocity, and concrete plans or warmth toward the goal.
Calibrate honestly: a typical pairing should land between 40 and 60.
Scores above 85 should be rare and require an unusually strong transcript.
Cite specific moments from the transcript in the reasoning.

Respond ONLY with a JSON array, one object per pairing:
[{"user_id": "...", "score": <0-100 integer>, "dealbreaker": <bool>, "reasoning": "..."}]`,
		subject.DisplayName, goal, dealbreakerScoreMin, dealbreakerScoreMax)

	return b.String()
}

func buildScoringUserPrompt(subject *profile.Identity, pairings []Pairing) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SUBJECT: %s\n", subject.DisplayName)
	writeDemographics(&b, subject.Demographics)
	b.WriteString("\n")

	for i, p := range pairings {
		fmt.Fprintf(&b, "PAIRING %d: user_id %s (%s, represented by %s)\n", i+1, p.UserID, p.UserName, p.AgentName)
		writeDemographics(&b, p.Demographics)
		b.WriteString("TRANSCRIPT:\n")
		b.WriteString(strings.TrimSpace(p.Transcript))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Score all %d pairings.", len(pairings))
	return b.String()
}

func writeDemographics(b *strings.Builder, d profile.Demographics) {
	if d.Age > 0 {
		fmt.Fprintf(b, "Age: %d\n", d.Age)
	}
	if d.Gender != "" {
		fmt.Fprintf(b, "Gender: %s\n", d.Gender)
	}
	if d.Orientation != "" {
		fmt.Fprintf(b, "Orientation: %s\n", d.Orientation)
	}
	if d.Location != "" {
		fmt.Fprintf(b, "Location: %s\n", d.Location)
	}
}
