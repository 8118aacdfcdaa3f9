package board

// GetStatusBoard implements spec §4.6's getStatusBoard(): every published
// snapshot, for the TUI and doctor-style views.
func (b *Board) GetStatusBoard() ([]Snapshot, error) {
	return b.all()
}

// GetAgentContext implements spec §4.6's getAgentContext(sessionId): the
// single snapshot for one session, or ok=false if it never published.
func (b *Board) GetAgentContext(sessionID string) (Snapshot, bool, error) {
	snaps, err := b.all()
	if err != nil {
		return Snapshot{}, false, err
	}
	for _, s := range snaps {
		if s.SessionID == sessionID {
			return s, true, nil
		}
	}
	return Snapshot{}, false, nil
}

// GetRelatedProgress implements spec §4.6's getRelatedProgress(taskId):
// every snapshot currently claiming or working on taskId.
func (b *Board) GetRelatedProgress(taskID string) ([]Snapshot, error) {
	snaps, err := b.all()
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, s := range snaps {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetAgentsOnFiles implements spec §4.6's getAgentsOnFiles(paths, exclude):
// every session (other than exclude) whose files_modified intersects paths
// — this is the cheapest mechanism by which two agents avoid stomping on
// the same file.
func (b *Board) GetAgentsOnFiles(paths []string, exclude string) ([]Snapshot, error) {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}

	snaps, err := b.all()
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, s := range snaps {
		if s.SessionID == exclude {
			continue
		}
		for _, f := range s.FilesModified {
			if want[f] {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

// RelatedContextQuery is spec §4.6's getRelatedContext({files, from, topic})
// request shape.
type RelatedContextQuery struct {
	Files []string
	From  string
	Topic string
}

// RelatedContext is what getRelatedContext returns: peers touching the same
// files, plus tasks that share those files.
type RelatedContext struct {
	PeersOnFiles []Snapshot `json:"peers_on_files,omitempty"`
	RelatedTasks []string   `json:"related_tasks,omitempty"`
}

// GetRelatedContext implements spec §4.6's getRelatedContext.
func (b *Board) GetRelatedContext(q RelatedContextQuery) (RelatedContext, error) {
	peers, err := b.GetAgentsOnFiles(q.Files, q.From)
	if err != nil {
		return RelatedContext{}, err
	}
	seen := map[string]bool{}
	var tasks []string
	for _, p := range peers {
		if p.TaskID != "" && !seen[p.TaskID] {
			seen[p.TaskID] = true
			tasks = append(tasks, p.TaskID)
		}
	}
	return RelatedContext{PeersOnFiles: peers, RelatedTasks: tasks}, nil
}

// Contextualizable is satisfied by anything injectContext can enrich — bus
// messages in practice, but kept narrow here to avoid an import cycle with
// internal/bus.
type Contextualizable interface {
	ContextFiles() []string
	ContextTopic() string
}

// InjectContext implements spec §4.6's injectContext(sessionId, messages):
// for each message, attaches a _context map built from peer decisions and
// related tasks touching the same files.
func (b *Board) InjectContext(sessionID string, messages []Contextualizable) ([]RelatedContext, error) {
	out := make([]RelatedContext, len(messages))
	for i, m := range messages {
		rc, err := b.GetRelatedContext(RelatedContextQuery{Files: m.ContextFiles(), From: sessionID, Topic: m.ContextTopic()})
		if err != nil {
			return nil, err
		}
		out[i] = rc
	}
	return out, nil
}
