// Package state persists a small JSON run-status snapshot describing the
// uploader's current stage per provider/cluster pair, a timeline of
// notable events, and the result of the most recent check-config pass —
// adapted from the teacher's atomic-rename status store, repurposed from
// migration-pipeline stages to upload-run stages (§4 supplemented feature:
// a queryable run status alongside the graphite metrics file).
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StageSnapshot holds the latest status for one (provider, cluster) pair.
type StageSnapshot struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is one timeline record in the run's history.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
}

// Snapshot is the persisted run-status structure.
type Snapshot struct {
	RunStatus string                   `json:"runStatus"`
	Stages    map[string]StageSnapshot `json:"stages"`
	Metrics   map[string]float64       `json:"metrics"`
	Events    []Event                  `json:"events"`
	Check     *CheckResult             `json:"check,omitempty"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// CheckResult stores the latest check-config run's cluster-by-cluster diff.
type CheckResult struct {
	Status          string              `json:"status"`
	Message         string              `json:"message,omitempty"`
	StartedAt       time.Time           `json:"startedAt,omitempty"`
	FinishedAt      time.Time           `json:"finishedAt,omitempty"`
	DurationSeconds float64             `json:"durationSeconds,omitempty"`
	ClusterDiffs    map[string][]string `json:"clusterDiffs,omitempty"`
}

// Store persists a Snapshot to disk via a write-to-temp-then-rename, so a
// reader never observes a partially-written file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a state store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the current snapshot, or a fresh idle one if none exists yet.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{
				RunStatus: "idle",
				Stages:    map[string]StageSnapshot{},
				Metrics:   map[string]float64{},
				Events:    []Event{},
				UpdatedAt: time.Now(),
			}, nil
		}
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Write persists snap, stamping UpdatedAt.
func (s *Store) Write(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(snap)
}

func (s *Store) write(snap Snapshot) error {
	snap.UpdatedAt = time.Now()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	temp := s.path + ".tmp"
	if err := os.WriteFile(temp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(temp, s.path)
}

// UpdateStage records the latest stage status for key (conventionally
// "provider:cluster").
func (s *Store) UpdateStage(key string, status string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return err
	}
	if snap.Stages == nil {
		snap.Stages = map[string]StageSnapshot{}
	}
	snap.Stages[key] = StageSnapshot{
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	return s.write(snap)
}

// SetRunStatus updates the overall run status and, if message is non-empty,
// appends an event recording the transition.
func (s *Store) SetRunStatus(status string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return err
	}
	snap.RunStatus = status
	if message != "" {
		snap.Events = append(snap.Events, Event{
			Timestamp: time.Now(),
			Type:      status,
			Message:   message,
		})
	}
	return s.write(snap)
}

// UpdateMetrics merges a batch of metric values into the snapshot — a
// cheap in-process mirror of the graphite file for a status query to read
// without parsing it.
func (s *Store) UpdateMetrics(updates map[string]float64) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return err
	}
	if snap.Metrics == nil {
		snap.Metrics = map[string]float64{}
	}
	for k, v := range updates {
		snap.Metrics[k] = v
	}
	return s.write(snap)
}

// SaveCheckResult records the latest check-config run's result.
func (s *Store) SaveCheckResult(res CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return err
	}
	snap.Check = &res
	return s.write(snap)
}
