package scheduler

import (
	"os"
	"path/filepath"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/session"
	"github.com/steveyegge/pilot/internal/util"
)

// areaStats is one role's recent hit/total counts per area.
type areaStats struct {
	Hits  int64 `json:"hits"`
	Total int64 `json:"total"`
}

type roleAffinity struct {
	Areas map[string]areaStats `json:"areas"`
}

// neutralAffinity is returned for an area with no recorded history, so a
// brand-new area/role pairing neither helps nor hurts a candidate's score.
const neutralAffinity = 0.5

// AffinityStore persists spec §4.9's "recent success rate of this role on
// files overlapping the task's area", one small JSON file per role under
// <town>/.pilot/state/affinity/<role>.json, flock-guarded like every other
// small per-role memory in this codebase (recovery.TestFailureMemory is the
// other instance of the same shape).
type AffinityStore struct {
	townRoot string
}

// NewAffinityStore returns an AffinityStore rooted at townRoot.
func NewAffinityStore(townRoot string) *AffinityStore {
	return &AffinityStore{townRoot: townRoot}
}

func (a *AffinityStore) path(role session.Role) string {
	return filepath.Join(constants.AffinityDir(a.townRoot), string(role)+".json")
}

func (a *AffinityStore) lockPath(role session.Role) string {
	return a.path(role) + ".lock"
}

func (a *AffinityStore) load(role session.Role) (*roleAffinity, error) {
	var ra roleAffinity
	if err := util.ReadJSON(a.path(role), &ra); err != nil {
		if os.IsNotExist(err) {
			return &roleAffinity{Areas: map[string]areaStats{}}, nil
		}
		return nil, err
	}
	if ra.Areas == nil {
		ra.Areas = map[string]areaStats{}
	}
	return &ra, nil
}

// SuccessRate returns role's recent success rate on area, or neutralAffinity
// if there is no recorded history yet.
func (a *AffinityStore) SuccessRate(role session.Role, area string) float64 {
	if area == "" {
		return neutralAffinity
	}
	ra, err := a.load(role)
	if err != nil {
		return neutralAffinity
	}
	st, ok := ra.Areas[area]
	if !ok || st.Total == 0 {
		return neutralAffinity
	}
	return float64(st.Hits) / float64(st.Total)
}

// RecordOutcome records one task completion's success/failure for role on
// area, feeding future scoring decisions.
func (a *AffinityStore) RecordOutcome(role session.Role, area string, success bool) error {
	if area == "" {
		return nil
	}
	return lock.WithLock(a.lockPath(role), func() error {
		ra, err := a.load(role)
		if err != nil {
			return err
		}
		st := ra.Areas[area]
		st.Total++
		if success {
			st.Hits++
		}
		ra.Areas[area] = st
		return util.AtomicWriteJSON(a.path(role), ra)
	})
}
