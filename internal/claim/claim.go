// Package claim implements task claim/lease and area locking (spec §4.3).
// Grounded on internal/quota.Manager's lock-then-load-then-save pattern,
// applied here to a claims table and an area-lock table each persisted as
// their own JSON file under <town>/.pilot/state/claims and .pilot/state/areas.
package claim

import (
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/util"
)

// Claim is one row of the claim table (spec §3).
type Claim struct {
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id"`
	ClaimedAt   time.Time `json:"claimed_at"`
	LeaseExpiry time.Time `json:"lease_expires_at"`
}

// Valid reports whether the claim's lease has not yet expired.
func (c Claim) Valid() bool { return time.Now().Before(c.LeaseExpiry) }

// table is the on-disk shape of the claim file: task id -> claim.
type table struct {
	Claims map[string]Claim `json:"claims"`
}

// Manager owns the claim table for one town, guarded by an flock.
type Manager struct {
	townRoot string
	log      *eventlog.Log
	isLive   func(sessionID string) bool
}

// New returns a claim Manager. isLive reports whether a session id is
// currently live — injected so claim never imports session directly and can
// be tested without a real registry.
func New(townRoot string, isLive func(sessionID string) bool) *Manager {
	return &Manager{townRoot: townRoot, log: eventlog.Open(townRoot), isLive: isLive}
}

func (m *Manager) path() string {
	return constants.ClaimsDir(m.townRoot) + "/claims.json"
}

func (m *Manager) lockPath() string {
	return constants.ClaimsDir(m.townRoot) + "/.claims.lock"
}

func (m *Manager) load() (*table, error) {
	var t table
	if err := util.ReadJSON(m.path(), &t); err != nil {
		if os.IsNotExist(err) {
			return &table{Claims: map[string]Claim{}}, nil
		}
		return nil, err
	}
	if t.Claims == nil {
		t.Claims = map[string]Claim{}
	}
	return &t, nil
}

func (m *Manager) save(t *table) error {
	return util.AtomicWriteJSON(m.path(), t)
}

// ConflictError is a structured denial (spec §4.3: "never exceptions").
type ConflictError struct {
	TaskID          string
	ExistingSession string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s already claimed by session %s", e.TaskID, e.ExistingSession)
}

// Claim implements spec §4.3's claim(session, taskId, leaseMs): fails with a
// ConflictError if another live session holds the same task with a
// non-expired lease.
func (m *Manager) Claim(sessionID, taskID string, lease time.Duration) (*Claim, error) {
	var result *Claim
	var conflict *ConflictError
	err := lock.WithLock(m.lockPath(), func() error {
		t, err := m.load()
		if err != nil {
			return err
		}
		if existing, ok := t.Claims[taskID]; ok && existing.Valid() && existing.SessionID != sessionID && m.isLive(existing.SessionID) {
			conflict = &ConflictError{TaskID: taskID, ExistingSession: existing.SessionID}
			return nil
		}
		c := Claim{TaskID: taskID, SessionID: sessionID, ClaimedAt: time.Now(), LeaseExpiry: time.Now().Add(lease)}
		t.Claims[taskID] = c
		if err := m.save(t); err != nil {
			return err
		}
		result = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return nil, conflict
	}
	_ = m.log.Append(eventlog.TaskClaimed, sessionID, map[string]any{"task_id": taskID})
	return result, nil
}

// Release implements spec §4.3's release(session): clears every claim held
// by sessionID. Area/file unlock and worktree removal are the caller's
// responsibility (area.Manager, worktree.Manager) — claim only owns the
// claim table itself.
func (m *Manager) Release(sessionID string) ([]string, error) {
	var released []string
	err := lock.WithLock(m.lockPath(), func() error {
		t, err := m.load()
		if err != nil {
			return err
		}
		for taskID, c := range t.Claims {
			if c.SessionID == sessionID {
				delete(t.Claims, taskID)
				released = append(released, taskID)
			}
		}
		return m.save(t)
	})
	if err != nil {
		return nil, err
	}
	for _, taskID := range released {
		_ = m.log.Append(eventlog.TaskReleased, sessionID, map[string]any{"task_id": taskID})
	}
	return released, nil
}

// Extend implements spec §4.3's extend(session, ms): bumps expiry only if
// sessionID still holds the claim.
func (m *Manager) Extend(sessionID, taskID string, by time.Duration) error {
	return lock.WithLock(m.lockPath(), func() error {
		t, err := m.load()
		if err != nil {
			return err
		}
		c, ok := t.Claims[taskID]
		if !ok || c.SessionID != sessionID {
			return &ConflictError{TaskID: taskID, ExistingSession: c.SessionID}
		}
		c.LeaseExpiry = time.Now().Add(by)
		t.Claims[taskID] = c
		return m.save(t)
	})
}

// Get returns the current claim for taskID, if any and unexpired.
func (m *Manager) Get(taskID string) (*Claim, bool) {
	t, err := m.load()
	if err != nil {
		return nil, false
	}
	c, ok := t.Claims[taskID]
	if !ok || !c.Valid() {
		return nil, false
	}
	return &c, true
}

// HolderOf returns the session id holding taskID, or "" if unclaimed/expired.
func (m *Manager) HolderOf(taskID string) string {
	if c, ok := m.Get(taskID); ok {
		return c.SessionID
	}
	return ""
}
