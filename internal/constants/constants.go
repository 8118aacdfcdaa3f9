// Package constants centralizes paths, timeouts, and other literals shared
// across Pilot's components so that layout changes happen in one place.
package constants

import (
	"path/filepath"
	"time"
)

// Directory names under a town root (<town>/.pilot/...).
const (
	DirPilot   = ".pilot"
	DirRuntime = "runtime"
	DirState   = "state"

	DirSessions  = "sessions"
	DirArchive   = "archive"
	DirLocks     = "locks"
	DirClaims    = "claims"
	DirAreas     = "areas"
	DirWorktrees = "worktrees"
	DirBoard     = "board"
	DirCosts     = "costs"
	DirCheckouts = "checkouts"
	DirAffinity  = "affinity"
	DirLoopState = "loopstate"
)

// File names.
const (
	FileEventLog     = "events.jsonl"
	FilePolicy       = "pilot.toml"
	FileBus          = "bus.jsonl"
	FilePendingAcks  = "pending_acks.jsonl"
	FileDLQ          = "dlq.jsonl"
	FileHumanQueue   = "human_queue.jsonl"
	FileChannelIn    = "channel_in.jsonl"
	FileChannelOut   = "channel_out.jsonl"
	FileAuditLog     = "channel_audit.jsonl"
	FileApprovals    = "approvals.json"
	FileConversation = "conversations.json"
	FileTasks        = "tasks.json"
)

// Default timings (spec §4.1, §5).
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleMultiplier   = 3
	DefaultLeaseDuration     = 30 * time.Minute
	HeartbeatLogThrottle     = 5 * time.Minute
	DefaultArchiveThreshold  = 24 * time.Hour

	ExternalProgramTimeout = 10 * time.Second
	MergeTimeout           = 30 * time.Second

	DefaultActivePollInterval = 2 * time.Second
	DefaultIdlePollInterval   = 30 * time.Second

	MaxAckRetries = 3
)

// PilotDir returns <townRoot>/.pilot.
func PilotDir(townRoot string) string {
	return filepath.Join(townRoot, DirPilot)
}

// RuntimeDir returns <townRoot>/.pilot/runtime.
func RuntimeDir(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), DirRuntime)
}

// StateDir returns <townRoot>/.pilot/state.
func StateDir(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), DirState)
}

// SessionsDir returns <townRoot>/.pilot/state/sessions.
func SessionsDir(townRoot string) string {
	return filepath.Join(StateDir(townRoot), DirSessions)
}

// ArchiveDir returns <townRoot>/.pilot/state/sessions/archive.
func ArchiveDir(townRoot string) string {
	return filepath.Join(SessionsDir(townRoot), DirArchive)
}

// LocksDir returns <townRoot>/.pilot/state/locks.
func LocksDir(townRoot string) string {
	return filepath.Join(StateDir(townRoot), DirLocks)
}

// ClaimsDir returns <townRoot>/.pilot/state/claims.
func ClaimsDir(townRoot string) string {
	return filepath.Join(StateDir(townRoot), DirClaims)
}

// AreasDir returns <townRoot>/.pilot/state/areas.
func AreasDir(townRoot string) string {
	return filepath.Join(StateDir(townRoot), DirAreas)
}

// WorktreesDir returns <townRoot>/.pilot/worktrees.
func WorktreesDir(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), DirWorktrees)
}

// BoardDir returns <townRoot>/.pilot/state/board.
func BoardDir(townRoot string) string {
	return filepath.Join(StateDir(townRoot), DirBoard)
}

// CostsDir returns <townRoot>/.pilot/costs.
func CostsDir(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), DirCosts)
}

// AffinityDir returns <townRoot>/.pilot/state/affinity.
func AffinityDir(townRoot string) string {
	return filepath.Join(StateDir(townRoot), DirAffinity)
}

// LoopStateDir returns <townRoot>/.pilot/state/loopstate.
func LoopStateDir(townRoot string) string {
	return filepath.Join(StateDir(townRoot), DirLoopState)
}

// EventLogPath returns <townRoot>/.pilot/events.jsonl.
func EventLogPath(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), FileEventLog)
}

// TasksPath returns <townRoot>/.pilot/tasks.json, the collaborator
// package's default TaskSource backlog file.
func TasksPath(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), FileTasks)
}

// PolicyPath returns <townRoot>/pilot.toml.
func PolicyPath(townRoot string) string {
	return filepath.Join(townRoot, FilePolicy)
}

// BusDir returns <townRoot>/.pilot/bus.
func BusDir(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), "bus")
}

// CheckpointsDir returns <townRoot>/.pilot/memory/agents.
func CheckpointsDir(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), "memory", "agents")
}

// ChannelDir returns <townRoot>/.pilot/channel.
func ChannelDir(townRoot string) string {
	return filepath.Join(PilotDir(townRoot), "channel")
}
