// Package checkpoint implements Pilot's versioned per-session checkpoint
// store (spec §4.7): an agent resuming cold reads the current checkpoint
// and a human-readable restoration prompt built from it.
//
// Grounded on the generic load/save-around-one-atomic-JSON-file shape every
// teacher Manager hand-rolls (witness.Manager.loadState/saveState,
// refinery.Manager.loadState/saveState) — Pilot makes that shape explicit
// as Store, since checkpoint, cost ledgers, and the claim table all want
// the same atomic-write-with-history-rotation behavior.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// DefaultMaxHistory is spec §4.7's "rotates history to at most N (default
// 5)".
const DefaultMaxHistory = 5

// Checkpoint is one session's saved progress snapshot.
type Checkpoint struct {
	SessionID      string         `json:"session_id"`
	Version        int            `json:"version"`
	TaskID         string         `json:"task_id,omitempty"`
	TaskTitle      string         `json:"task_title,omitempty"`
	PlanStep       int            `json:"plan_step,omitempty"`
	TotalSteps     int            `json:"total_steps,omitempty"`
	CompletedSteps []string       `json:"completed_steps,omitempty"`
	KeyDecisions   []string       `json:"key_decisions,omitempty"`
	FilesModified  []string       `json:"files_modified,omitempty"`
	ImportantNotes []string       `json:"important_notes,omitempty"`
	CurrentContext string         `json:"current_context,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store persists versioned checkpoints under
// <town>/.pilot/memory/agents/<session-id>/.
type Store struct {
	townRoot   string
	maxHistory int
}

// New returns a Store rooted at townRoot, rotating history to
// DefaultMaxHistory entries.
func New(townRoot string) *Store {
	return &Store{townRoot: townRoot, maxHistory: DefaultMaxHistory}
}

// WithMaxHistory overrides the default history rotation depth (policy-driven).
func (s *Store) WithMaxHistory(n int) *Store {
	s.maxHistory = n
	return s
}

func (s *Store) dir(sessionID string) string {
	return filepath.Join(constants.CheckpointsDir(s.townRoot), sessionID)
}

func (s *Store) currentPath(sessionID string) string {
	return filepath.Join(s.dir(sessionID), "checkpoint.json")
}

func (s *Store) historyDir(sessionID string) string {
	return filepath.Join(s.dir(sessionID), "history")
}

func (s *Store) historyPath(sessionID string, version int) string {
	return filepath.Join(s.historyDir(sessionID), fmt.Sprintf("checkpoint-v%d.json", version))
}

// Save implements spec §4.7's save(sessionId, data): atomically writes a
// versioned snapshot, archiving the previous current file to history and
// rotating history to at most maxHistory entries.
func (s *Store) Save(sessionID string, cp Checkpoint) (*Checkpoint, error) {
	prev, err := s.Load(sessionID)
	if err != nil {
		return nil, err
	}

	cp.SessionID = sessionID
	cp.CreatedAt = time.Now()
	if prev != nil {
		cp.Version = prev.Version + 1
		if err := util.AtomicWriteJSON(s.historyPath(sessionID, prev.Version), prev); err != nil {
			return nil, err
		}
		if err := s.rotateHistory(sessionID); err != nil {
			return nil, err
		}
	} else {
		cp.Version = 1
	}

	if err := util.AtomicWriteJSON(s.currentPath(sessionID), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Load implements spec §4.7's load(sessionId): reads the current file, or
// (nil, nil) if the session never checkpointed.
func (s *Store) Load(sessionID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := util.ReadJSON(s.currentPath(sessionID), &cp); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// Delete implements spec §4.7's delete(sessionId): removes the current file
// and the entire history subdirectory.
func (s *Store) Delete(sessionID string) error {
	if err := os.RemoveAll(s.dir(sessionID)); err != nil {
		return err
	}
	return nil
}

// rotateHistory keeps only the maxHistory most recent checkpoint-v<N>.json
// files, deleting the oldest first.
func (s *Store) rotateHistory(sessionID string) error {
	entries, err := os.ReadDir(s.historyDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) <= s.maxHistory {
		return nil
	}

	type versioned struct {
		name    string
		version int
	}
	var files []versioned
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "checkpoint-v") {
			continue
		}
		files = append(files, versioned{name: e.Name(), version: parseHistoryVersion(e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })

	excess := len(files) - s.maxHistory
	for i := 0; i < excess; i++ {
		if err := os.Remove(filepath.Join(s.historyDir(sessionID), files[i].name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// parseHistoryVersion extracts N from "checkpoint-vN.json". Returns 0 on any
// parse failure so a malformed filename sorts first (oldest) rather than
// panicking or blocking rotation.
func parseHistoryVersion(name string) int {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-v"), ".json")
	n := 0
	for _, c := range trimmed {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
