package session

import "time"

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Role is one of the fixed agent roles (spec §3).
type Role string

const (
	RoleFrontend Role = "frontend"
	RoleBackend  Role = "backend"
	RoleTesting  Role = "testing"
	RoleSecurity Role = "security"
	RolePM       Role = "pm"
	RoleDesign   Role = "design"
	RoleReview   Role = "review"
	RoleInfra    Role = "infra"
)

// State is the on-disk shape of a session (spec §3, §6: one JSON file under
// state/sessions/<S-id>.json).
type State struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	AgentName     string    `json:"agent_name"`
	ClaimedTaskID string    `json:"claimed_task_id,omitempty"`
	LeaseExpires  time.Time `json:"lease_expires_at,omitempty"`
	LockedAreas   []string  `json:"locked_areas,omitempty"`
	LockedFiles   []string  `json:"locked_files,omitempty"`
	ParentPID     int       `json:"parent_pid"`
	PID           int       `json:"pid"`
	Heartbeat     time.Time `json:"heartbeat_at"`
	Status        Status    `json:"status"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsZombie reports the invariant violation: status active but ended_at set
// (spec §3: "must be repaired by cleanup").
func (s *State) IsZombie() bool {
	return s.Status == StatusActive && !s.EndedAt.IsZero()
}

// hasArea reports whether the session currently holds area.
func (s *State) hasArea(area string) bool {
	for _, a := range s.LockedAreas {
		if a == area {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
