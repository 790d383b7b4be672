package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/talgya/doppelsim/internal/sim"
)

const scenarioYAML = `
name: couch-date
goal: find a romantic partner
repetitions: 3
max_rounds: 6
strict_errors: true
fidelity: true
items:
  - name: Couch
    x: 200
    y: 150
  - name: Bar
    x: 450
    y: 300
participants:
  - user_id: u1
  - random: true
`

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenarioYAML), 0644); err != nil {
		t.Fatal(err)
	}

	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Name != "couch-date" || len(sc.Items) != 2 || len(sc.Participants) != 2 {
		t.Fatalf("scenario = %+v", sc)
	}

	cfg := sc.SessionConfig()
	if cfg.Goal != "find a romantic partner" || cfg.Repetitions != 3 {
		t.Errorf("session = %+v", cfg)
	}
	if cfg.Engine.MaxRounds != 6 {
		t.Errorf("max rounds = %d, want 6", cfg.Engine.MaxRounds)
	}
	if cfg.Engine.OnGenError != sim.PropagateError {
		t.Error("strict_errors did not select PropagateError")
	}
	if !cfg.Engine.StrictFidelity {
		t.Error("fidelity flag lost")
	}
	if !cfg.Participants[1].Random || cfg.Participants[0].UserID != "u1" {
		t.Errorf("participants = %+v", cfg.Participants)
	}
	if cfg.Items[1] != (sim.Item{Name: "Bar", X: 450, Y: 300}) {
		t.Errorf("items = %+v", cfg.Items)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadScenarioErrors(t *testing.T) {
	if _, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: want error")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("items: {not: [a, list"), 0644)
	if _, err := LoadScenario(bad); err == nil {
		t.Error("malformed yaml: want error")
	}
}
