package session

import (
	"os"
	"path/filepath"

	"github.com/steveyegge/pilot/internal/constants"
)

// FindTownRoot walks up from startDir looking for a ".pilot" marker
// directory, returning the first ancestor (inclusive of startDir) that has
// one. Consolidates a walk the original gastown implementation duplicated
// across several callers (mail.detectTownRoot, refinery, cmd/handoff) into
// one shared helper.
func FindTownRoot(startDir string) (string, bool) {
	dir := startDir
	for {
		marker := filepath.Join(dir, constants.DirPilot)
		if info, err := os.Stat(marker); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// MustFindTownRoot is FindTownRoot with a fallback to the current directory
// when no marker is found, matching the teacher's degrade-to-cwd idiom for
// commands invoked outside of a recognized workspace.
func MustFindTownRoot(startDir string) string {
	if root, ok := FindTownRoot(startDir); ok {
		return root
	}
	return startDir
}
