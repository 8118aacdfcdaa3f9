// Package session implements Pilot's session registry: identity, state
// files, lockfiles, liveness, and resurrection (spec §4.2). Grounded on
// gastown's internal/session package — its PID+start-time tracked-PID idiom
// (pidtrack.go) and its town-root marker walk (mail.detectTownRoot,
// consolidated here into FindTownRoot) — generalized from tmux-pane
// liveness to Pilot's hook-invoked, filesystem-only liveness model.
package session

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/util"
)

// Registry manages session state files under a single town root.
type Registry struct {
	townRoot string
	policy   *policy.Policy
	log      *eventlog.Log
}

// New returns a Registry rooted at townRoot.
func New(townRoot string, pol *policy.Policy) *Registry {
	return &Registry{townRoot: townRoot, policy: pol, log: eventlog.Open(townRoot)}
}

func (r *Registry) statePath(id string) string {
	return filepath.Join(constants.SessionsDir(r.townRoot), id+".json")
}

func (r *Registry) registryLockPath() string {
	return filepath.Join(constants.SessionsDir(r.townRoot), ".registry.lock")
}

// Context is the caller-supplied information register() needs (spec §4.2).
type Context struct {
	Role                 Role
	AgentName            string
	HookPID              int // the invoking hook process's own PID
	AssistantProcessName string
}

// Register implements spec §4.2's register(): resurrects a matching ended
// session if one exists, else creates a fresh one. Atomic under the
// registry's flock.
func (r *Registry) Register(ctx Context) (*State, error) {
	assistantName := ctx.AssistantProcessName
	if assistantName == "" {
		assistantName = r.policy.AssistantProcessName
	}
	parentPID := WalkToAssistantPID(ctx.HookPID, assistantName)

	var result *State
	err := lock.WithLock(r.registryLockPath(), func() error {
		sessions, err := r.listAll()
		if err != nil {
			return err
		}

		if candidate := mostRecentEndedByParent(sessions, parentPID); candidate != nil {
			candidate.Status = StatusActive
			candidate.PID = ctx.HookPID
			candidate.ParentPID = parentPID
			candidate.Heartbeat = time.Now()
			candidate.EndedAt = time.Time{}
			candidate.EndReason = ""
			if err := r.save(candidate); err != nil {
				return err
			}
			if err := writeLockfile(r.townRoot, Lockfile{
				SessionID: candidate.ID, PID: ctx.HookPID, ParentPID: parentPID, CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
			_ = r.log.Append(eventlog.SessionResurrected, candidate.ID, map[string]any{"role": string(candidate.Role)})
			result = candidate
			return nil
		}

		st := &State{
			ID:        NewID(),
			Role:      ctx.Role,
			AgentName: ctx.AgentName,
			ParentPID: parentPID,
			PID:       ctx.HookPID,
			Heartbeat: time.Now(),
			Status:    StatusActive,
			CreatedAt: time.Now(),
		}
		if err := r.save(st); err != nil {
			return err
		}
		if err := writeLockfile(r.townRoot, Lockfile{
			SessionID: st.ID, PID: ctx.HookPID, ParentPID: parentPID, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		_ = r.log.Append(eventlog.SessionStarted, st.ID, map[string]any{"role": string(st.Role)})
		result = st
		return nil
	})
	return result, err
}

func mostRecentEndedByParent(sessions []*State, parentPID int) *State {
	var best *State
	for _, s := range sessions {
		if s.Status != StatusEnded || s.ParentPID != parentPID {
			continue
		}
		if best == nil || s.EndedAt.After(best.EndedAt) {
			best = s
		}
	}
	return best
}

// Get loads a single session by id.
func (r *Registry) Get(id string) (*State, error) {
	var st State
	if err := util.ReadJSON(r.statePath(id), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *Registry) save(st *State) error {
	return util.AtomicWriteJSON(r.statePath(st.ID), st)
}

// Update applies mutate to sessionID's state under the registry lock and
// persists the result — the one mutation path for fields claim/area/loop
// code needs to reflect onto the session record (ClaimedTaskID,
// LeaseExpires, LockedAreas, LockedFiles) without each caller reimplementing
// load-mutate-save.
func (r *Registry) Update(sessionID string, mutate func(*State)) error {
	return lock.WithLock(r.registryLockPath(), func() error {
		st, err := r.Get(sessionID)
		if err != nil {
			return err
		}
		mutate(st)
		return r.save(st)
	})
}

func (r *Registry) listAll() ([]*State, error) {
	dir := constants.SessionsDir(r.townRoot)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*State
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var st State
		if err := util.ReadJSON(filepath.Join(dir, e.Name()), &st); err != nil {
			continue
		}
		out = append(out, &st)
	}
	return out, nil
}

// IsAlive implements spec §4.2's isAlive.
func (r *Registry) IsAlive(sessionID string) bool {
	st, err := r.Get(sessionID)
	if err != nil {
		return false
	}
	return r.isLive(st)
}

func (r *Registry) isLive(st *State) bool {
	if st.Status != StatusActive || !st.EndedAt.IsZero() {
		return false
	}
	if time.Since(st.Heartbeat) < r.policy.StaleAfter() {
		return true
	}
	return IsAlive(r.townRoot, st)
}

// GetActiveSessions returns all live sessions, optionally excluding one id.
func (r *Registry) GetActiveSessions(exclude string) ([]*State, error) {
	all, err := r.listAll()
	if err != nil {
		return nil, err
	}
	var out []*State
	for _, s := range all {
		if s.ID == exclude {
			continue
		}
		if r.isLive(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Heartbeat implements spec §4.2's heartbeat(): locates the session for
// parentPID (falling back to the most recently-modified active session) and
// refreshes its timestamp, logging an event only every
// constants.HeartbeatLogThrottle to bound event-log growth.
func (r *Registry) Heartbeat(parentPID int) (*State, error) {
	var result *State
	err := lock.WithLock(r.registryLockPath(), func() error {
		all, err := r.listAll()
		if err != nil {
			return err
		}
		st := findByParentOrNewest(all, parentPID)
		if st == nil {
			return nil
		}
		shouldLog := time.Since(st.Heartbeat) >= constants.HeartbeatLogThrottle
		st.Heartbeat = time.Now()
		if err := r.save(st); err != nil {
			return err
		}
		if shouldLog {
			_ = r.log.Append(eventlog.Heartbeat, st.ID, nil)
		}
		result = st
		return nil
	})
	return result, err
}

func findByParentOrNewest(all []*State, parentPID int) *State {
	var byParent, newest *State
	for _, s := range all {
		if s.Status != StatusActive {
			continue
		}
		if s.ParentPID == parentPID && (byParent == nil || s.Heartbeat.After(byParent.Heartbeat)) {
			byParent = s
		}
		if newest == nil || s.Heartbeat.After(newest.Heartbeat) {
			newest = s
		}
	}
	if byParent != nil {
		return byParent
	}
	return newest
}

// CleanupResult summarizes one cleanupStaleSessions sweep.
type CleanupResult struct {
	ZombiesRepaired int
	Refreshed       int
	Ended           []string
}

// CleanupStaleSessions implements spec §4.2's cleanupStaleSessions: repairs
// zombies, refreshes or ends sessions with stale heartbeats based on
// process liveness. Orphan worktree GC and cursor cleanup are triggered by
// the caller (PM loop), which has those collaborators wired in.
func (r *Registry) CleanupStaleSessions() (CleanupResult, error) {
	var res CleanupResult
	err := lock.WithLock(r.registryLockPath(), func() error {
		all, err := r.listAll()
		if err != nil {
			return err
		}
		for _, st := range all {
			changed := false
			if zombieRepaired(st) {
				res.ZombiesRepaired++
				changed = true
			}
			if st.Status == StatusActive && time.Since(st.Heartbeat) >= r.policy.StaleAfter() {
				if IsAlive(r.townRoot, st) {
					st.Heartbeat = time.Now()
					res.Refreshed++
				} else {
					st.Status = StatusEnded
					st.EndedAt = time.Now()
					st.EndReason = "heartbeat_timeout"
					res.Ended = append(res.Ended, st.ID)
					_ = r.log.Append(eventlog.SessionEnded, st.ID, map[string]any{"reason": st.EndReason})
				}
				changed = true
			}
			if changed {
				if err := r.save(st); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return res, err
}

// ArchiveSessions implements spec §4.2's archiveSessions: moves ended
// sessions older than threshold into an archive subdirectory.
func (r *Registry) ArchiveSessions(threshold time.Duration) (int, error) {
	archiveDir := constants.ArchiveDir(r.townRoot)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return 0, err
	}
	all, err := r.listAll()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, st := range all {
		if st.Status != StatusEnded || st.EndedAt.IsZero() {
			continue
		}
		if time.Since(st.EndedAt) < threshold {
			continue
		}
		src := r.statePath(st.ID)
		dst := filepath.Join(archiveDir, st.ID+".json")
		if err := os.Rename(src, dst); err != nil {
			continue
		}
		removeLockfile(r.townRoot, st.ID)
		moved++
	}
	return moved, nil
}

// End marks a session ended with reason, releasing nothing else — callers
// (claim/worktree) are responsible for their own release-on-end paths.
func (r *Registry) End(sessionID, reason string) error {
	return lock.WithLock(r.registryLockPath(), func() error {
		st, err := r.Get(sessionID)
		if err != nil {
			return err
		}
		st.Status = StatusEnded
		st.EndedAt = time.Now()
		st.EndReason = reason
		if err := r.save(st); err != nil {
			return err
		}
		removeLockfile(r.townRoot, sessionID)
		return r.log.Append(eventlog.SessionEnded, sessionID, map[string]any{"reason": reason})
	})
}
