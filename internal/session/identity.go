package session

import "os"

// ResolveIdentity implements spec §4.2's session identity resolution for
// tools invoked outside hook context: (1) env var, (2) direct parent PID
// match against active sessions' pid or parent_pid, (3) walked assistant
// PID match, (4) resurrection candidate. Never guesses by recency — per
// spec, "guessing causes cross-terminal bleed" — so a caller that exhausts
// all four steps gets "", false rather than an arbitrary session.
func (r *Registry) ResolveIdentity(envSessionID string, callerPID int) (string, bool) {
	if envSessionID != "" {
		if _, err := r.Get(envSessionID); err == nil {
			return envSessionID, true
		}
	}

	all, err := r.listAll()
	if err != nil {
		return "", false
	}

	for _, s := range all {
		if s.Status != StatusActive {
			continue
		}
		if s.PID == callerPID || s.ParentPID == callerPID {
			return s.ID, true
		}
	}

	assistantName := r.policy.AssistantProcessName
	walked := WalkToAssistantPID(callerPID, assistantName)
	if walked != callerPID {
		for _, s := range all {
			if s.Status == StatusActive && s.ParentPID == walked {
				return s.ID, true
			}
		}
	}

	if candidate := mostRecentEndedByParent(all, walked); candidate != nil {
		return candidate.ID, true
	}

	return "", false
}

// EnvSessionID reads the canonical environment variable a session's own
// hooks are invoked with.
func EnvSessionID() string {
	return os.Getenv("PILOT_SESSION_ID")
}
