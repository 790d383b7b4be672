// Package config loads service configuration from the environment (with
// optional .env file) and scenario presets from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/talgya/doppelsim/internal/sim"
)

// Config is the service-level configuration.
type Config struct {
	GeminiAPIKey string
	GeminiModel  string
	DBPath       string
	Port         int
	AdminKey     string // bearer token for mutating endpoints; empty disables them
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  os.Getenv("GEMINI_MODEL"),
		DBPath:       os.Getenv("DB_PATH"),
		AdminKey:     os.Getenv("ADMIN_KEY"),
		Port:         8080,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/doppelsim.db"
	}
	if p := os.Getenv("PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.Port = port
		}
	}
	return cfg
}

// Scenario is a reusable simulation preset loaded from YAML.
type Scenario struct {
	Name         string `yaml:"name"`
	Goal         string `yaml:"goal"`
	Repetitions  int    `yaml:"repetitions"`
	MaxRounds    int    `yaml:"max_rounds"`
	StrictErrors bool   `yaml:"strict_errors"`
	Fidelity     bool   `yaml:"fidelity"`
	Items        []struct {
		Name string  `yaml:"name"`
		X    float64 `yaml:"x"`
		Y    float64 `yaml:"y"`
	} `yaml:"items"`
	Participants []struct {
		UserID string `yaml:"user_id"`
		Random bool   `yaml:"random"`
	} `yaml:"participants"`
}

// LoadScenario parses a scenario preset file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &sc, nil
}

// SessionConfig converts a scenario into runnable session configuration.
func (sc *Scenario) SessionConfig() sim.SessionConfig {
	cfg := sim.SessionConfig{
		Goal:        sc.Goal,
		Repetitions: sc.Repetitions,
		Engine:      sim.DefaultEngineConfig(),
	}
	if sc.MaxRounds > 0 {
		cfg.Engine.MaxRounds = sc.MaxRounds
	}
	if sc.StrictErrors {
		cfg.Engine.OnGenError = sim.PropagateError
	}
	cfg.Engine.StrictFidelity = sc.Fidelity
	for _, it := range sc.Items {
		cfg.Items = append(cfg.Items, sim.Item{Name: it.Name, X: it.X, Y: it.Y})
	}
	for _, p := range sc.Participants {
		cfg.Participants = append(cfg.Participants, sim.Participant{UserID: p.UserID, Random: p.Random})
	}
	return cfg
}
