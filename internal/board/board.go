// Package board maintains the small shared file each agent session
// publishes its progress to, so peers and the TUI status board can see
// "who's doing what, to which files" without asking each agent directly
// (spec §4.6). Grounded on the teacher's "render live operational state from
// files on disk" idiom (internal/cmd/dashboard.go, internal/tui/feed) and on
// checkpoint.Store's one-file-per-key atomic write shape.
package board

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// Status is a published snapshot's coarse activity state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
)

// Snapshot is one session's entry on the board (spec §4.6).
type Snapshot struct {
	SessionID     string    `json:"session_id"`
	TaskID        string    `json:"task_id,omitempty"`
	TaskTitle     string    `json:"task_title,omitempty"`
	Step          int       `json:"step,omitempty"`
	TotalSteps    int       `json:"total_steps,omitempty"`
	Status        Status    `json:"status"`
	FilesModified []string  `json:"files_modified,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Board publishes and queries session snapshots under
// <town>/.pilot/state/board/<session-id>.json.
type Board struct {
	townRoot string
}

// New returns a Board rooted at townRoot.
func New(townRoot string) *Board {
	return &Board{townRoot: townRoot}
}

func (b *Board) path(sessionID string) string {
	return filepath.Join(constants.BoardDir(b.townRoot), sessionID+".json")
}

// PublishProgress implements spec §4.6's publishProgress(sessionId,
// snapshot): writes the snapshot atomically, stamping UpdatedAt.
func (b *Board) PublishProgress(sessionID string, snap Snapshot) error {
	snap.SessionID = sessionID
	snap.UpdatedAt = time.Now()
	return util.AtomicWriteJSON(b.path(sessionID), snap)
}

// RemoveAgent implements spec §4.6's removeAgent(sessionId): deletes the
// entry on end. Missing is not an error — the agent may never have
// published.
func (b *Board) RemoveAgent(sessionID string) error {
	err := os.Remove(b.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// all reads every published snapshot, skipping files that fail to parse
// (a concurrent write mid-read, or a leftover malformed entry) rather than
// failing the whole read.
func (b *Board) all() ([]Snapshot, error) {
	dir := constants.BoardDir(b.townRoot)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var s Snapshot
		if err := util.ReadJSON(filepath.Join(dir, e.Name()), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}
