package cmd

import (
	"fmt"
	"os"

	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/collaborator"
	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/session"
)

// townRoot resolves the town root for commands that require an existing
// .pilot directory (everything except `pilot init`), mirroring gastown's
// workspace.FindFromCwdOrError.
func townRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, ok := session.FindTownRoot(cwd)
	if !ok {
		return "", fmt.Errorf("not in a pilot town (no .pilot directory found); run 'pilot init' first")
	}
	return root, nil
}

// loadPolicy loads pilot.toml from root. policy.Load already degrades to
// Defaults() when the file doesn't exist yet.
func loadPolicy(root string) (*policy.Policy, error) {
	return policy.Load(constants.PolicyPath(root))
}

// collaborators bundles the handful of constructed objects almost every
// subcommand needs, avoiding repeating this wiring sequence in every verb's
// RunE the way a much larger gastown command would via its own per-command
// context struct.
type collaborators struct {
	root     string
	policy   *policy.Policy
	sessions *session.Registry
	claims   *claim.Manager
	areas    *claim.AreaManager
	lookup   *collaborator.SessionLookup
	bus      *bus.Bus
}

func newCollaborators() (*collaborators, error) {
	root, err := townRoot()
	if err != nil {
		return nil, err
	}
	pol, err := loadPolicy(root)
	if err != nil {
		return nil, err
	}
	sessions := session.New(root, pol)
	lookup := collaborator.NewSessionLookup(sessions)
	claims := claim.New(root, lookup.IsLive)
	areas := claim.NewAreaManager(root, lookup.IsLive)
	b := bus.New(root, lookup)
	return &collaborators{
		root: root, policy: pol, sessions: sessions, claims: claims,
		areas: areas, lookup: lookup, bus: b,
	}, nil
}

// callerIdentity resolves the session id for the process invoking the CLI,
// via session.ResolveIdentity — the same lookup hooks use to figure out
// "who am I" without an explicit --session flag.
func callerIdentity(sessions *session.Registry) (string, bool) {
	return sessions.ResolveIdentity(session.EnvSessionID(), os.Getpid())
}
