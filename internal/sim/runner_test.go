package sim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// memStore records statuses and snapshots in memory.
type memStore struct {
	mu        sync.Mutex
	statuses  map[string][]Status
	messages  map[string]string
	snapshots map[string][]Snapshot
}

func newMemStore() *memStore {
	return &memStore{
		statuses:  make(map[string][]Status),
		messages:  make(map[string]string),
		snapshots: make(map[string][]Snapshot),
	}
}

func (m *memStore) PersistState(_ context.Context, runID string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[runID] = append(m.snapshots[runID], snap)
	return nil
}

func (m *memStore) SetRunStatus(_ context.Context, runID string, status Status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[runID] = append(m.statuses[runID], status)
	m.messages[runID] = message
	return nil
}

func chattyGenerator() *fakeGenerator {
	return &fakeGenerator{turns: []turnScript{
		{response: "How has your week been?", action: "none"},
		{response: "Pretty good, lots of biking.", action: "none"},
	}}
}

func friendSession() SessionConfig {
	return SessionConfig{
		Participants: []Participant{{UserID: "u1"}, {UserID: "u2"}},
		Items:        []Item{{Name: "Couch", X: 200, Y: 150}},
		Goal:         "find a friend",
		Repetitions:  1,
	}
}

func TestRunSessionHappyPath(t *testing.T) {
	store := newMemStore()
	runner := NewRunner(chattyGenerator(), newFakeProvider("u1", "u2"), store, 1)

	if err := runner.RunSession(context.Background(), friendSession(), []string{"run-1"}); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	wantStatuses := []Status{StatusRunning, StatusCompleted}
	got := store.statuses["run-1"]
	if len(got) != len(wantStatuses) {
		t.Fatalf("statuses = %v, want %v", got, wantStatuses)
	}
	for i := range wantStatuses {
		if got[i] != wantStatuses[i] {
			t.Fatalf("statuses = %v, want %v", got, wantStatuses)
		}
	}

	snaps := store.snapshots["run-1"]
	if len(snaps) != 11 { // initial + 10 rounds at the hard cap
		t.Fatalf("snapshots = %d, want 11", len(snaps))
	}
	if snaps[len(snaps)-1].Transcript == "" {
		t.Error("final transcript is empty")
	}
}

func TestSnapshotsAreMonotonicWithPrefixTranscripts(t *testing.T) {
	store := newMemStore()
	runner := NewRunner(chattyGenerator(), newFakeProvider("u1", "u2"), store, 1)

	if err := runner.RunSession(context.Background(), friendSession(), []string{"run-1"}); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	snaps := store.snapshots["run-1"]
	for i, snap := range snaps {
		if snap.StateIndex != i {
			t.Errorf("snapshot %d has state index %d", i, snap.StateIndex)
		}
		if i == 0 {
			if snap.Transcript != "" {
				t.Errorf("initial snapshot transcript = %q, want empty", snap.Transcript)
			}
			continue
		}
		prev := snaps[i-1]
		if !strings.HasPrefix(snap.Transcript, prev.Transcript) {
			t.Errorf("snapshot %d transcript is not a superset of snapshot %d", i, i-1)
		}
		if len(snap.Transcript) <= len(prev.Transcript) {
			t.Errorf("snapshot %d transcript did not grow", i)
		}
	}
}

func TestRunSessionRepetitionsAreIndependent(t *testing.T) {
	store := newMemStore()
	runner := NewRunner(chattyGenerator(), newFakeProvider("u1", "u2"), store, 1)

	cfg := friendSession()
	cfg.Repetitions = 3
	runIDs := []string{"run-a", "run-b", "run-c"}
	if err := runner.RunSession(context.Background(), cfg, runIDs); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	for _, runID := range runIDs {
		snaps := store.snapshots[runID]
		if len(snaps) == 0 {
			t.Errorf("%s: no snapshots", runID)
			continue
		}
		if snaps[0].StateIndex != 0 {
			t.Errorf("%s: first snapshot index = %d, want 0 (fresh sequence per repetition)", runID, snaps[0].StateIndex)
		}
		last := store.statuses[runID][len(store.statuses[runID])-1]
		if last != StatusCompleted {
			t.Errorf("%s: final status = %s, want completed", runID, last)
		}
	}
}

func TestRunSessionStrictFailureMarksRunFailed(t *testing.T) {
	store := newMemStore()
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	runner := NewRunner(gen, newFakeProvider("u1", "u2"), store, 1)

	cfg := friendSession()
	cfg.Engine = DefaultEngineConfig()
	cfg.Engine.OnGenError = PropagateError

	err := runner.RunSession(context.Background(), cfg, []string{"run-1"})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}

	statuses := store.statuses["run-1"]
	if statuses[len(statuses)-1] != StatusFailed {
		t.Errorf("final status = %s, want failed", statuses[len(statuses)-1])
	}
	if store.messages["run-1"] == "" {
		t.Error("failed run has no error message")
	}
	// The initial snapshot persisted before the failure must survive.
	if len(store.snapshots["run-1"]) != 1 {
		t.Errorf("snapshots = %d, want the pre-failure snapshot kept", len(store.snapshots["run-1"]))
	}
}

func TestRunSessionCancellationMarksRunStopped(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())

	gen := &fakeGenerator{turns: []turnScript{{response: "Talking...", action: "none"}}}
	runner := NewRunner(gen, newFakeProvider("u1", "u2"), store, 1)
	runner.OnSnapshot = func(string, Snapshot) {
		cancel() // abort after the first persisted snapshot
	}

	err := runner.RunSession(ctx, friendSession(), []string{"run-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	statuses := store.statuses["run-1"]
	if statuses[len(statuses)-1] != StatusStopped {
		t.Errorf("final status = %s, want stopped", statuses[len(statuses)-1])
	}
	if len(store.snapshots["run-1"]) == 0 {
		t.Error("persisted snapshots were lost on cancellation")
	}
}

func TestResolveParticipantsRandomSlotsAreDistinct(t *testing.T) {
	runner := NewRunner(nil, newFakeProvider("u1", "u2"), newMemStore(), 1)

	// With a pool of exactly 2 and 2 random slots, any repeat would be a
	// selection bug. Run it repeatedly to flush out luck.
	for i := 0; i < 50; i++ {
		agents, err := runner.ResolveParticipants(context.Background(), []Participant{
			{Random: true}, {Random: true},
		})
		if err != nil {
			t.Fatalf("ResolveParticipants: %v", err)
		}
		if agents[0].UserID == agents[1].UserID {
			t.Fatalf("iteration %d: both random slots resolved to %s", i, agents[0].UserID)
		}
	}
}

func TestResolveParticipantsFallsBackToRepeatsWhenPoolTooSmall(t *testing.T) {
	runner := NewRunner(nil, newFakeProvider("u1"), newMemStore(), 1)

	agents, err := runner.ResolveParticipants(context.Background(), []Participant{
		{Random: true}, {Random: true},
	})
	if err != nil {
		t.Fatalf("ResolveParticipants: %v", err)
	}
	if agents[0].UserID != "u1" || agents[1].UserID != "u1" {
		t.Errorf("expected both slots to fall back to the only identity, got %s/%s",
			agents[0].UserID, agents[1].UserID)
	}
}

func TestResolveParticipantsErrors(t *testing.T) {
	runner := NewRunner(nil, newFakeProvider("u1", "u2"), newMemStore(), 1)
	ctx := context.Background()

	if _, err := runner.ResolveParticipants(ctx, []Participant{{UserID: "u1"}}); !errors.Is(err, ErrInsufficientParticipants) {
		t.Errorf("one participant: err = %v, want ErrInsufficientParticipants", err)
	}
	if _, err := runner.ResolveParticipants(ctx, []Participant{{UserID: "u1"}, {UserID: "ghost"}}); !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("unknown participant: err = %v, want ErrIdentityNotFound", err)
	}
	if err := runner.RunSession(ctx, SessionConfig{Participants: []Participant{{UserID: "u1"}}}, []string{"r"}); !errors.Is(err, ErrInsufficientParticipants) {
		t.Errorf("RunSession with one participant: err = %v, want ErrInsufficientParticipants", err)
	}
}

func TestRolesFollowParticipantOrder(t *testing.T) {
	runner := NewRunner(nil, newFakeProvider("u1", "u2", "u3"), newMemStore(), 1)

	agents, err := runner.ResolveParticipants(context.Background(), []Participant{
		{UserID: "u3"}, {UserID: "u1"}, {UserID: "u2"},
	})
	if err != nil {
		t.Fatalf("ResolveParticipants: %v", err)
	}
	for i, want := range []string{"agent1", "agent2", "agent3"} {
		if agents[i].Role != want {
			t.Errorf("agents[%d].Role = %s, want %s", i, agents[i].Role, want)
		}
	}
	if agents[0].UserID != "u3" {
		t.Errorf("agent1 backed by %s, want u3", agents[0].UserID)
	}
}
