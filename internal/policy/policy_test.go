package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	p, err := Load(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.MaxConcurrentSessions != Defaults().MaxConcurrentSessions {
		t.Fatalf("got %d, want default", p.MaxConcurrentSessions)
	}
	if p.HeartbeatInterval != 30*time.Second {
		t.Fatalf("got %v, want 30s", p.HeartbeatInterval)
	}
}

func TestLoadOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pilot.toml")
	doc := `
max_concurrent_sessions = 3

[budget_per_task]
warn_tokens = 100
block_tokens = 200
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.MaxConcurrentSessions != 3 {
		t.Fatalf("got %d, want 3", p.MaxConcurrentSessions)
	}
	if p.BudgetPerTask.WarnTokens != 100 || p.BudgetPerTask.BlockTokens != 200 {
		t.Fatalf("got %+v, want 100/200", p.BudgetPerTask)
	}
	// Untouched fields keep their coded defaults.
	if p.WorktreeEnabled != true {
		t.Fatalf("got WorktreeEnabled=%v, want true (default)", p.WorktreeEnabled)
	}
	if p.Pool.Max != 12 {
		t.Fatalf("got Pool.Max=%d, want 12 (default)", p.Pool.Max)
	}
}

func TestStaleAfter(t *testing.T) {
	p := Defaults()
	p.HeartbeatIntervalSec = 10
	p.StaleMultiplier = 3
	p.resolveDurations()
	if got, want := p.StaleAfter(), 30*time.Second; got != want {
		t.Fatalf("StaleAfter() = %v, want %v", got, want)
	}
}

func TestSchedulerWeightsNormalize(t *testing.T) {
	w := SchedulerWeights{Skill: 2, Load: 2, Affinity: 2, Cost: 2}.Normalize()
	if w.Skill != 0.25 || w.Load != 0.25 || w.Affinity != 0.25 || w.Cost != 0.25 {
		t.Fatalf("got %+v, want all 0.25", w)
	}
}

func TestAreaForPath(t *testing.T) {
	p := Defaults()
	cases := map[string]string{
		"internal/bus/bus.go":    "backend",
		"src/components/App.tsx": "frontend",
		"docs/readme.md":         "docs",
		"pkg/agent_test.go":      "tests",
		"unknown/file.xyz":       "",
	}
	for path, want := range cases {
		if got := p.AreaForPath(path); got != want {
			t.Errorf("AreaForPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestLoaderPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pilot.toml")
	if err := os.WriteFile(path, []byte("max_concurrent_sessions = 1\n"), 0644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}

	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	if got := l.Get().MaxConcurrentSessions; got != 1 {
		t.Fatalf("got %d, want 1", got)
	}

	// Bump mtime forward explicitly so the poll-on-Get fallback is
	// deterministic even if fsnotify events don't land before Get runs.
	if err := os.WriteFile(path, []byte("max_concurrent_sessions = 5\n"), 0644); err != nil {
		t.Fatalf("rewriting policy: %v", err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Get().MaxConcurrentSessions == 5 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("got %d, want 5 after reload", l.Get().MaxConcurrentSessions)
}
