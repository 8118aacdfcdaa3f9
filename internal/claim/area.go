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

// AreaLock is one row of the area-lock table.
type AreaLock struct {
	Area      string    `json:"area"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
}

type areaTable struct {
	Locks map[string]AreaLock `json:"locks"`
}

// AreaManager guards the symbolic-zone mutual-exclusion table (spec §4.3).
type AreaManager struct {
	townRoot string
	log      *eventlog.Log
	isLive   func(sessionID string) bool
}

// NewAreaManager returns an AreaManager for townRoot.
func NewAreaManager(townRoot string, isLive func(sessionID string) bool) *AreaManager {
	return &AreaManager{townRoot: townRoot, log: eventlog.Open(townRoot), isLive: isLive}
}

func (a *AreaManager) path() string {
	return constants.AreasDir(a.townRoot) + "/areas.json"
}

func (a *AreaManager) lockPath() string {
	return constants.AreasDir(a.townRoot) + "/.areas.lock"
}

func (a *AreaManager) load() (*areaTable, error) {
	var t areaTable
	if err := util.ReadJSON(a.path(), &t); err != nil {
		if os.IsNotExist(err) {
			return &areaTable{Locks: map[string]AreaLock{}}, nil
		}
		return nil, err
	}
	if t.Locks == nil {
		t.Locks = map[string]AreaLock{}
	}
	return &t, nil
}

func (a *AreaManager) save(t *areaTable) error {
	return util.AtomicWriteJSON(a.path(), t)
}

// LockArea implements spec §4.3's lockArea(session, area): fails with a
// ConflictError if any other live session already holds it.
func (a *AreaManager) LockArea(sessionID, area string) error {
	var conflict *ConflictError
	err := lock.WithLock(a.lockPath(), func() error {
		t, err := a.load()
		if err != nil {
			return err
		}
		if existing, ok := t.Locks[area]; ok && existing.SessionID != sessionID && a.isLive(existing.SessionID) {
			conflict = &ConflictError{TaskID: area, ExistingSession: existing.SessionID}
			return nil
		}
		t.Locks[area] = AreaLock{Area: area, SessionID: sessionID, LockedAt: time.Now()}
		return a.save(t)
	})
	if err != nil {
		return err
	}
	if conflict != nil {
		return conflict
	}
	return a.log.Append(eventlog.AreaLocked, sessionID, map[string]any{"area": area})
}

// UnlockArea releases area if sessionID holds it. No-op (not an error) if
// sessionID does not hold it.
func (a *AreaManager) UnlockArea(sessionID, area string) error {
	released := false
	err := lock.WithLock(a.lockPath(), func() error {
		t, err := a.load()
		if err != nil {
			return err
		}
		if existing, ok := t.Locks[area]; ok && existing.SessionID == sessionID {
			delete(t.Locks, area)
			released = true
			return a.save(t)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if released {
		return a.log.Append(eventlog.AreaUnlocked, sessionID, map[string]any{"area": area})
	}
	return nil
}

// ReleaseAll releases every area held by sessionID (spec §4.3: "released
// implicitly on release/end").
func (a *AreaManager) ReleaseAll(sessionID string) ([]string, error) {
	var released []string
	err := lock.WithLock(a.lockPath(), func() error {
		t, err := a.load()
		if err != nil {
			return err
		}
		for area, l := range t.Locks {
			if l.SessionID == sessionID {
				delete(t.Locks, area)
				released = append(released, area)
			}
		}
		return a.save(t)
	})
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		_ = a.log.Append(eventlog.LocksReleased, sessionID, map[string]any{"areas": released})
	}
	return released, nil
}

// HolderOf returns the session id holding area, or "" if unlocked.
func (a *AreaManager) HolderOf(area string) string {
	t, err := a.load()
	if err != nil {
		return ""
	}
	return t.Locks[area].SessionID
}

// CheckEditAllowed implements spec §4.3's "an attempted Edit/Write on a file
// belonging to a foreign-locked area is denied": resolves path's area via
// areaForPath and denies if a different live session holds it.
func (a *AreaManager) CheckEditAllowed(sessionID, path string, areaForPath func(string) string) error {
	area := areaForPath(path)
	if area == "" {
		return nil
	}
	holder := a.HolderOf(area)
	if holder != "" && holder != sessionID && a.isLive(holder) {
		return fmt.Errorf("path %q is in area %q, locked by session %s", path, area, holder)
	}
	return nil
}
