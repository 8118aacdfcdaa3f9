package session

import (
	"github.com/steveyegge/pilot/internal/util"
)

// maxAncestorWalk bounds the parent-PID walk so a runaway or cyclic process
// tree can never spin forever (spec §4.2: "bounded to ≈10 levels").
const maxAncestorWalk = 10

// WalkToAssistantPID walks the process tree upward from startPID looking for
// the first ancestor whose command matches assistantProcessName (the
// single most important correctness lever per spec §4.2: without it,
// multiple terminals collapse onto the same session). Falls back to
// startPID if no match is found within maxAncestorWalk hops, or if ps(1)
// is unavailable.
func WalkToAssistantPID(startPID int, assistantProcessName string) int {
	pid := startPID
	for i := 0; i < maxAncestorWalk; i++ {
		cmd, err := util.ProcessCommand(pid)
		if err == nil && cmd == assistantProcessName {
			return pid
		}
		parent, err := util.ParentPID(pid)
		if err != nil || parent <= 1 || parent == pid {
			break
		}
		pid = parent
	}
	return startPID
}

// IsAlive implements spec §4.2's isAlive: fast path via the lockfile's
// recorded PID, falling back to the session state's parent_pid.
func IsAlive(townRoot string, st *State) bool {
	if lf, err := readLockfile(townRoot, st.ID); err == nil {
		if util.ProcessAlive(lf.PID) {
			return true
		}
		// Stale lockfile — the recorded PID is confirmed dead (ESRCH),
		// remove it so future readers don't trust it.
		removeLockfile(townRoot, st.ID)
	}
	return util.ProcessAlive(st.ParentPID)
}

// zombieRepaired reports the invariant repair spec §4.2 names explicitly:
// status active with ended_at set must be flipped to ended.
func zombieRepaired(st *State) bool {
	if st.IsZombie() {
		st.Status = StatusEnded
		return true
	}
	return false
}
