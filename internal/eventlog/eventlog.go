// Package eventlog is Pilot's sole logging mechanism: an append-only JSONL
// stream of lifecycle records at <town>/.pilot/events.jsonl. The teacher
// carries no external logging dependency of its own — every package in
// gastown logs lifecycle facts straight to its own JSONL trail instead — so
// Pilot follows the same convention rather than bolting on a logging
// library the corpus never reaches for.
package eventlog

import (
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// Type enumerates the event kinds the core produces (spec §6).
type Type string

const (
	SessionStarted      Type = "session_started"
	SessionEnded        Type = "session_ended"
	SessionResurrected  Type = "session_resurrected"
	SessionRecovered    Type = "session_recovered"
	TaskClaimed         Type = "task_claimed"
	TaskReleased        Type = "task_released"
	TaskAssigned        Type = "task_assigned"
	AreaLocked          Type = "area_locked"
	AreaUnlocked        Type = "area_unlocked"
	LocksReleased       Type = "locks_released"
	Heartbeat           Type = "heartbeat"
	CheckpointSaved     Type = "checkpoint_saved"
	RecoveryAttempted   Type = "recovery_attempted"
	RecoverySucceeded   Type = "recovery_succeeded"
	RecoveryFailed      Type = "recovery_failed"
	MessageSent         Type = "message_sent"
	MessageAcked        Type = "message_acked"
	MessageNacked       Type = "message_nacked"
	MessageDLQed        Type = "message_dlq"
	MessageEscalated    Type = "message_escalated"
	BudgetWarned        Type = "budget_warned"
	BudgetExceeded      Type = "budget_exceeded"
	WorktreeCreated     Type = "worktree_created"
	WorktreeMerged      Type = "worktree_merged"
	WorktreeRemoved     Type = "worktree_removed"
	ScanError           Type = "scan_error"
	EscalationExhausted Type = "escalation_exhausted"
)

// Record is one line of the event log. Fields is a free-form payload carrying
// whatever additional keys a given event type needs (task id, reason, etc.),
// matching spec §6's "{ts, type, session_id?, …}" shape.
type Record struct {
	TS        time.Time      `json:"ts"`
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the fixed ts/type/session_id keys so
// the on-disk record is a single flat object, not a nested "fields" blob.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["ts"] = r.TS.UTC().Format(time.RFC3339Nano)
	out["type"] = string(r.Type)
	if r.SessionID != "" {
		out["session_id"] = r.SessionID
	}
	return marshalFlat(out)
}

// Log appends records to a single town's event stream.
type Log struct {
	path string
}

// Open returns a Log bound to <townRoot>/.pilot/events.jsonl. The file and
// parent directories are created lazily on first Append.
func Open(townRoot string) *Log {
	return &Log{path: constants.EventLogPath(townRoot)}
}

// Append writes one record, assembled fully in memory before a single
// append write call (spec §9: "one logical record per write call").
func (l *Log) Append(typ Type, sessionID string, fields map[string]any) error {
	rec := Record{TS: now(), Type: typ, SessionID: sessionID, Fields: fields}
	data, err := rec.MarshalJSON()
	if err != nil {
		return err
	}
	return util.AppendLine(l.path, data)
}

// now is a seam so tests can't accidentally depend on wall-clock ordering;
// production always uses the real clock.
var now = time.Now
