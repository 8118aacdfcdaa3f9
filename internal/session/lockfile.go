package session

import (
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// Lockfile is the on-disk shape of state/locks/<S-id>.lock (spec §6).
type Lockfile struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid"`
	CreatedAt time.Time `json:"created_at"`
}

func lockfilePath(townRoot, sessionID string) string {
	return filepath.Join(constants.LocksDir(townRoot), sessionID+".lock")
}

func writeLockfile(townRoot string, lf Lockfile) error {
	return util.AtomicWriteJSON(lockfilePath(townRoot, lf.SessionID), lf)
}

func readLockfile(townRoot, sessionID string) (*Lockfile, error) {
	var lf Lockfile
	if err := util.ReadJSON(lockfilePath(townRoot, sessionID), &lf); err != nil {
		return nil, err
	}
	return &lf, nil
}

func removeLockfile(townRoot, sessionID string) {
	_ = os.Remove(lockfilePath(townRoot, sessionID))
}
