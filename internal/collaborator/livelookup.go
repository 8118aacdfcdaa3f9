// Package collaborator supplies the concrete, town-local implementations of
// the narrow collaborator interfaces the rest of Pilot only consumes
// abstractly (spec §6: "contract only, not implemented here" — bus.LiveLookup,
// agentloop.Runtime/TaskSource/TrackerStatus). Nothing in bus, claim,
// agentloop, or pmloop imports this package; cmd/pilot wires these types in
// at startup, the same way gastown's cmd layer is the only place that
// constructs a concrete quota.TmuxExecutor or mail.Router and hands it to a
// collaborator-agnostic core.
package collaborator

import "github.com/steveyegge/pilot/internal/session"

// knownRoles lists every session.Role Pilot recognizes, used to resolve a
// capability name to a role when no richer agent-registry collaborator is
// configured (spec §4.5's sendToCapability "resolves the capability to a
// role via the agent registry" — here, the identity mapping is the
// registry: a capability is a role name).
var knownRoles = []session.Role{
	session.RoleFrontend, session.RoleBackend, session.RoleTesting, session.RoleSecurity,
	session.RolePM, session.RoleDesign, session.RoleReview, session.RoleInfra,
}

// SessionLookup implements bus.LiveLookup directly against a town's
// session.Registry, and also exposes IsLive for claim.New/claim.NewAreaManager's
// injected isLive func — every town needs exactly one of these, so unlike
// the genuinely optional collaborators (MergeResolver, IssueCreator,
// PRStatusScanner) this one is always constructed by cmd/pilot.
type SessionLookup struct {
	Sessions *session.Registry
}

// NewSessionLookup returns a SessionLookup backed by sessions.
func NewSessionLookup(sessions *session.Registry) *SessionLookup {
	return &SessionLookup{Sessions: sessions}
}

func (s *SessionLookup) SessionsWithRole(role string) []string {
	active, err := s.Sessions.GetActiveSessions("")
	if err != nil {
		return nil
	}
	var ids []string
	for _, st := range active {
		if string(st.Role) == role {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

func (s *SessionLookup) SessionIDForAgentName(agentName string) (string, bool) {
	active, err := s.Sessions.GetActiveSessions("")
	if err != nil {
		return "", false
	}
	for _, st := range active {
		if st.AgentName == agentName {
			return st.ID, true
		}
	}
	return "", false
}

func (s *SessionLookup) RoleForCapability(capability string) (string, bool) {
	for _, r := range knownRoles {
		if string(r) == capability {
			return capability, true
		}
	}
	return "", false
}

func (s *SessionLookup) AllLiveSessionIDs() []string {
	active, err := s.Sessions.GetActiveSessions("")
	if err != nil {
		return nil
	}
	ids := make([]string, len(active))
	for i, st := range active {
		ids[i] = st.ID
	}
	return ids
}

// IsLive reports whether sessionID is currently live, suitable for
// claim.New/claim.NewAreaManager/worktree.GCOrphans's injected isLive funcs.
func (s *SessionLookup) IsLive(sessionID string) bool {
	return s.Sessions.IsAlive(sessionID)
}
