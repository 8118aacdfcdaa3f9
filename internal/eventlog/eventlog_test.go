package eventlog

import (
	"testing"
	"time"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	log := Open(dir)
	if err := log.Append(SessionStarted, "S-abc123-dead", map[string]any{"role": "backend"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(TaskClaimed, "S-abc123-dead", map[string]any{"task_id": "T-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := ReadAll(dir)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != SessionStarted || entries[0].SessionID != "S-abc123-dead" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if !entries[0].TS.Equal(fixed) {
		t.Fatalf("got ts %v, want %v", entries[0].TS, fixed)
	}
	if entries[1].Extra["task_id"] != "T-1" {
		t.Fatalf("got extra %+v, want task_id=T-1", entries[1].Extra)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	dir := t.TempDir()
	entries, err := ReadAll(dir)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if entries != nil {
		t.Fatalf("got %v, want nil", entries)
	}
}
