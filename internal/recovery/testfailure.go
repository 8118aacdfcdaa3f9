package recovery

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/util"
)

// Resolution is a remembered fix for a test-failure pattern seen before,
// under one role.
type Resolution struct {
	Pattern    string    `json:"pattern"`
	Resolution string    `json:"resolution"`
	RecordedAt time.Time `json:"recorded_at"`
}

type roleMemory struct {
	Resolutions []Resolution `json:"resolutions"`
}

// maxResolutionsPerRole bounds each role's memory file — this is a small
// per-role memory, not a growing log (spec §4.8).
const maxResolutionsPerRole = 50

// TestFailureMemory implements spec §4.8's "test-failure via pattern
// extraction against a small per-role memory of past resolutions",
// persisted as one JSON file per role under
// <town>/.pilot/memory/test_failures/<role>.json.
type TestFailureMemory struct {
	townRoot string
}

// NewTestFailureMemory returns a TestFailureMemory rooted at townRoot.
func NewTestFailureMemory(townRoot string) *TestFailureMemory {
	return &TestFailureMemory{townRoot: townRoot}
}

func (m *TestFailureMemory) path(role string) string {
	return filepath.Join(constants.PilotDir(m.townRoot), "memory", "test_failures", role+".json")
}

func (m *TestFailureMemory) lockPath(role string) string {
	return m.path(role) + ".lock"
}

func (m *TestFailureMemory) load(role string) (*roleMemory, error) {
	var rm roleMemory
	if err := util.ReadJSON(m.path(role), &rm); err != nil {
		if os.IsNotExist(err) {
			return &roleMemory{}, nil
		}
		return nil, err
	}
	return &rm, nil
}

// ExtractPattern reduces a raw test-failure output to a stable key: the
// first line matching a common "FAIL"/"assert"/"panic" signature, with
// file:line-style noise stripped so near-identical failures from different
// runs still match the same stored pattern.
func ExtractPattern(output string) string {
	lines := regexp.MustCompile(`\r?\n`).Split(output, -1)
	signature := regexp.MustCompile(`(?i)(fail|error|assert|panic)`)
	loc := regexp.MustCompile(`[\w./-]+\.go:\d+`)
	for _, line := range lines {
		if signature.MatchString(line) {
			return loc.ReplaceAllString(line, "<loc>")
		}
	}
	if len(lines) > 0 {
		return lines[0]
	}
	return output
}

// Lookup returns a remembered resolution for pattern under role, if any.
func (m *TestFailureMemory) Lookup(role, pattern string) (string, bool) {
	rm, err := m.load(role)
	if err != nil {
		return "", false
	}
	for _, r := range rm.Resolutions {
		if r.Pattern == pattern {
			return r.Resolution, true
		}
	}
	return "", false
}

// Record adds or updates a resolution for pattern under role, trimming the
// oldest entry once the role's memory exceeds maxResolutionsPerRole.
func (m *TestFailureMemory) Record(role, pattern, resolution string) error {
	return lock.WithLock(m.lockPath(role), func() error {
		rm, err := m.load(role)
		if err != nil {
			return err
		}
		for i, r := range rm.Resolutions {
			if r.Pattern == pattern {
				rm.Resolutions[i].Resolution = resolution
				rm.Resolutions[i].RecordedAt = time.Now()
				return util.AtomicWriteJSON(m.path(role), rm)
			}
		}
		rm.Resolutions = append(rm.Resolutions, Resolution{Pattern: pattern, Resolution: resolution, RecordedAt: time.Now()})
		if len(rm.Resolutions) > maxResolutionsPerRole {
			rm.Resolutions = rm.Resolutions[len(rm.Resolutions)-maxResolutionsPerRole:]
		}
		return util.AtomicWriteJSON(m.path(role), rm)
	})
}
