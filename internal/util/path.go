package util

import (
	"os"
	"regexp"
	"strings"
	"sync"
)

var (
	homeDir     string
	homeDirOnce sync.Once
)

func cachedHomeDir() string {
	homeDirOnce.Do(func() {
		homeDir, _ = os.UserHomeDir()
	})
	return homeDir
}

// ExpandHome expands a leading ~/ to the user's home directory. Returns the
// path unchanged if it doesn't start with ~/ or the home directory is
// unknown.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home := cachedHomeDir()
	if home == "" {
		return path
	}
	return home + path[1:]
}

var unsafeTaskID = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeTaskID reduces a task id to the alphanumerics/hyphen/underscore
// subset, lowercased, before it is ever allowed to appear in a shell
// command, branch name, or filesystem path (spec §4.4: "Shell interpolation
// of unsanitized input is forbidden").
func SanitizeTaskID(id string) string {
	lower := strings.ToLower(id)
	safe := unsafeTaskID.ReplaceAllString(lower, "-")
	safe = strings.Trim(safe, "-")
	if safe == "" {
		safe = "task"
	}
	return safe
}
