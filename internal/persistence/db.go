// Package persistence provides the SQLite store for identities,
// training conversations, simulations, runs, and append-only state
// snapshots. Snapshot transcripts are zstd-compressed at rest.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/talgya/doppelsim/internal/profile"
	"github.com/talgya/doppelsim/internal/sim"
)

// Store wraps a SQLite connection. It implements profile.Provider and
// sim.SnapshotStore.
type Store struct {
	conn *sqlx.DB
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	s := &Store{conn: conn, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		knowledge_base_json TEXT NOT NULL DEFAULT '{}',
		demographics_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id),
		user_message TEXT NOT NULL,
		agent_response TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS simulations (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		config_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS simulation_runs (
		id TEXT PRIMARY KEY,
		simulation_id TEXT NOT NULL REFERENCES simulations(id),
		run_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(simulation_id, run_index)
	);

	CREATE TABLE IF NOT EXISTS simulation_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES simulation_runs(id),
		state_index INTEGER NOT NULL,
		agent_positions_json TEXT NOT NULL,
		transcript BLOB NOT NULL,
		items_json TEXT NOT NULL,
		events_json TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(run_id, state_index)
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
	CREATE INDEX IF NOT EXISTS idx_runs_simulation ON simulation_runs(simulation_id);
	CREATE INDEX IF NOT EXISTS idx_states_run ON simulation_states(run_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// SaveIdentity inserts or replaces a user's profile row. Training
// utterances are stored per-conversation, not here.
func (s *Store) SaveIdentity(ctx context.Context, id *profile.Identity) error {
	kb, err := json.Marshal(id.KnowledgeBase)
	if err != nil {
		return fmt.Errorf("marshal knowledge base: %w", err)
	}
	demo, err := json.Marshal(id.Demographics)
	if err != nil {
		return fmt.Errorf("marshal demographics: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO users (id, name, agent_name, knowledge_base_json, demographics_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			agent_name = excluded.agent_name,
			knowledge_base_json = excluded.knowledge_base_json,
			demographics_json = excluded.demographics_json`,
		id.UserID, id.DisplayName, id.AgentName, string(kb), string(demo), now())
	return err
}

// AddTrainingUtterance records one training exchange for a user.
func (s *Store) AddTrainingUtterance(ctx context.Context, userID, userMessage, agentResponse string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO conversations (user_id, user_message, agent_response, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, userMessage, agentResponse, now())
	return err
}

type userRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	AgentName    string `db:"agent_name"`
	Knowledge    string `db:"knowledge_base_json"`
	Demographics string `db:"demographics_json"`
}

func (s *Store) identityFromRow(ctx context.Context, row userRow) (*profile.Identity, error) {
	id := &profile.Identity{
		UserID:      row.ID,
		DisplayName: row.Name,
		AgentName:   row.AgentName,
	}
	if err := json.Unmarshal([]byte(row.Knowledge), &id.KnowledgeBase); err != nil {
		return nil, fmt.Errorf("knowledge base for %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Demographics), &id.Demographics); err != nil {
		return nil, fmt.Errorf("demographics for %s: %w", row.ID, err)
	}
	if err := s.conn.SelectContext(ctx, &id.TrainingUtterances, `
		SELECT user_message FROM conversations WHERE user_id = ? ORDER BY id`,
		row.ID); err != nil {
		return nil, fmt.Errorf("conversations for %s: %w", row.ID, err)
	}
	return id, nil
}

// Identity implements profile.Provider.
func (s *Store) Identity(ctx context.Context, userID string) (*profile.Identity, error) {
	var row userRow
	err := s.conn.GetContext(ctx, &row, `
		SELECT id, name, agent_name, knowledge_base_json, demographics_json
		FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, profile.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return s.identityFromRow(ctx, row)
}

// EligibleIdentities implements profile.Provider: identities with any
// training data at all.
func (s *Store) EligibleIdentities(ctx context.Context) ([]*profile.Identity, error) {
	var rows []userRow
	if err := s.conn.SelectContext(ctx, &rows, `
		SELECT id, name, agent_name, knowledge_base_json, demographics_json
		FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var out []*profile.Identity
	for _, row := range rows {
		id, err := s.identityFromRow(ctx, row)
		if err != nil {
			return nil, err
		}
		if id.Trained() {
			out = append(out, id)
		}
	}
	return out, nil
}

// RunRecord is one persisted repetition of a simulation.
type RunRecord struct {
	ID           string `db:"id" json:"id"`
	SimulationID string `db:"simulation_id" json:"simulation_id"`
	RunIndex     int    `db:"run_index" json:"run_index"`
	Status       string `db:"status" json:"status"`
	Error        string `db:"error" json:"error,omitempty"`
	CreatedAt    string `db:"created_at" json:"created_at"`
	UpdatedAt    string `db:"updated_at" json:"updated_at"`
}

// CreateSimulation persists a simulation and its pending run rows in
// one transaction. runIDs must carry one ID per repetition.
func (s *Store) CreateSimulation(ctx context.Context, simID, goal string, cfg sim.SessionConfig, runIDs []string) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO simulations (id, goal, config_json, created_at) VALUES (?, ?, ?, ?)`,
		simID, goal, string(cfgJSON), ts); err != nil {
		return fmt.Errorf("insert simulation: %w", err)
	}
	for i, runID := range runIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO simulation_runs (id, simulation_id, run_index, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, simID, i, string(sim.StatusPending), ts, ts); err != nil {
			return fmt.Errorf("insert run %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Runs returns a simulation's runs ordered by run index.
func (s *Store) Runs(ctx context.Context, simID string) ([]RunRecord, error) {
	var runs []RunRecord
	if err := s.conn.SelectContext(ctx, &runs, `
		SELECT id, simulation_id, run_index, status, error, created_at, updated_at
		FROM simulation_runs WHERE simulation_id = ? ORDER BY run_index`,
		simID); err != nil {
		return nil, fmt.Errorf("load runs for %s: %w", simID, err)
	}
	return runs, nil
}

// SetRunStatus implements sim.SnapshotStore.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status sim.Status, message string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE simulation_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), message, now(), runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// FailInterruptedRuns marks runs a previous process left pending or
// running as failed. Sessions live in-process, so nothing will ever
// finish them; their already-persisted snapshots stay viewable.
func (s *Store) FailInterruptedRuns(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE simulation_runs SET status = ?, error = 'interrupted by restart', updated_at = ?
		WHERE status IN (?, ?)`,
		string(sim.StatusFailed), now(), string(sim.StatusPending), string(sim.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// PersistState implements sim.SnapshotStore. Writes are insert-only:
// the UNIQUE(run_id, state_index) constraint rejects any attempt to
// rewrite history.
func (s *Store) PersistState(ctx context.Context, runID string, snap sim.Snapshot) error {
	positions, err := json.Marshal(snap.AgentPositions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	items, err := json.Marshal(snap.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	events, err := json.Marshal(snap.NarrativeEvents)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	transcript := s.enc.EncodeAll([]byte(snap.Transcript), nil)

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO simulation_states
			(run_id, state_index, agent_positions_json, transcript, items_json, events_json, round_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, snap.StateIndex, string(positions), transcript, string(items), string(events), snap.Round, now())
	if err != nil {
		return fmt.Errorf("insert state %d for run %s: %w", snap.StateIndex, runID, err)
	}
	return nil
}

type stateRow struct {
	StateIndex int    `db:"state_index"`
	Positions  string `db:"agent_positions_json"`
	Transcript []byte `db:"transcript"`
	Items      string `db:"items_json"`
	Events     string `db:"events_json"`
	Round      int    `db:"round_number"`
}

// States returns a run's snapshots ordered by state index, transcripts
// decompressed.
func (s *Store) States(ctx context.Context, runID string) ([]sim.Snapshot, error) {
	var rows []stateRow
	if err := s.conn.SelectContext(ctx, &rows, `
		SELECT state_index, agent_positions_json, transcript, items_json, events_json, round_number
		FROM simulation_states WHERE run_id = ? ORDER BY state_index`,
		runID); err != nil {
		return nil, fmt.Errorf("load states for %s: %w", runID, err)
	}

	out := make([]sim.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap := sim.Snapshot{StateIndex: row.StateIndex, Round: row.Round}
		if err := json.Unmarshal([]byte(row.Positions), &snap.AgentPositions); err != nil {
			return nil, fmt.Errorf("state %d positions: %w", row.StateIndex, err)
		}
		if err := json.Unmarshal([]byte(row.Items), &snap.Items); err != nil {
			return nil, fmt.Errorf("state %d items: %w", row.StateIndex, err)
		}
		if err := json.Unmarshal([]byte(row.Events), &snap.NarrativeEvents); err != nil {
			return nil, fmt.Errorf("state %d events: %w", row.StateIndex, err)
		}
		transcript, err := s.dec.DecodeAll(row.Transcript, nil)
		if err != nil {
			return nil, fmt.Errorf("state %d transcript: %w", row.StateIndex, err)
		}
		snap.Transcript = string(transcript)
		out = append(out, snap)
	}
	return out, nil
}
