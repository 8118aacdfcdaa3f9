package board

import (
	"os"
	"testing"

	"github.com/steveyegge/pilot/internal/bus"
)

func TestPublishAndRemoveAgent(t *testing.T) {
	dir := t.TempDir()
	b := New(dir)

	if err := b.PublishProgress("S-1", Snapshot{TaskID: "T-1", Status: StatusWorking}); err != nil {
		t.Fatalf("PublishProgress: %v", err)
	}

	snap, ok, err := b.GetAgentContext("S-1")
	if err != nil {
		t.Fatalf("GetAgentContext: %v", err)
	}
	if !ok || snap.TaskID != "T-1" {
		t.Fatalf("got %+v, ok=%v, want TaskID=T-1", snap, ok)
	}

	if err := b.RemoveAgent("S-1"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	_, ok, err = b.GetAgentContext("S-1")
	if err != nil {
		t.Fatalf("GetAgentContext (after remove): %v", err)
	}
	if ok {
		t.Fatal("expected snapshot to be gone after RemoveAgent")
	}
}

func TestRemoveAgentMissingIsNotError(t *testing.T) {
	b := New(t.TempDir())
	if err := b.RemoveAgent("S-nope"); err != nil {
		t.Fatalf("RemoveAgent on missing session: %v", err)
	}
}

func TestGetRelatedProgress(t *testing.T) {
	b := New(t.TempDir())
	_ = b.PublishProgress("S-1", Snapshot{TaskID: "T-1"})
	_ = b.PublishProgress("S-2", Snapshot{TaskID: "T-1"})
	_ = b.PublishProgress("S-3", Snapshot{TaskID: "T-2"})

	related, err := b.GetRelatedProgress("T-1")
	if err != nil {
		t.Fatalf("GetRelatedProgress: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("got %d, want 2", len(related))
	}
}

func TestGetAgentsOnFilesExcludesSelf(t *testing.T) {
	b := New(t.TempDir())
	_ = b.PublishProgress("S-1", Snapshot{FilesModified: []string{"a.go", "b.go"}})
	_ = b.PublishProgress("S-2", Snapshot{FilesModified: []string{"b.go"}})
	_ = b.PublishProgress("S-3", Snapshot{FilesModified: []string{"c.go"}})

	agents, err := b.GetAgentsOnFiles([]string{"b.go"}, "S-1")
	if err != nil {
		t.Fatalf("GetAgentsOnFiles: %v", err)
	}
	if len(agents) != 1 || agents[0].SessionID != "S-2" {
		t.Fatalf("got %+v, want only S-2", agents)
	}
}

func TestGetStatusBoardSkipsMalformedEntry(t *testing.T) {
	b := New(t.TempDir())
	_ = b.PublishProgress("S-1", Snapshot{Status: StatusIdle})

	// Write garbage alongside the valid entry to confirm the reader
	// tolerates it rather than failing the whole scan.
	if err := writeGarbage(b, "S-bad"); err != nil {
		t.Fatalf("writeGarbage: %v", err)
	}

	board, err := b.GetStatusBoard()
	if err != nil {
		t.Fatalf("GetStatusBoard: %v", err)
	}
	if len(board) != 1 {
		t.Fatalf("got %d entries, want 1 (malformed entry skipped)", len(board))
	}
}

func writeGarbage(b *Board, sessionID string) error {
	return os.WriteFile(b.path(sessionID), []byte("{not json"), 0644)
}

func TestInjectContextWrapsBusMessages(t *testing.T) {
	b := New(t.TempDir())
	_ = b.PublishProgress("S-2", Snapshot{TaskID: "T-9", FilesModified: []string{"x.go"}})

	msgs := []bus.Message{
		{From: "S-1", Topic: "edit", Payload: bus.Payload{Data: map[string]any{"files": []any{"x.go"}}}},
	}

	out, err := b.InjectContext("S-1", WrapMessages(msgs))
	if err != nil {
		t.Fatalf("InjectContext: %v", err)
	}
	if len(out) != 1 || len(out[0].PeersOnFiles) != 1 {
		t.Fatalf("got %+v, want one peer on x.go", out)
	}
}
