package collaborator

import (
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/pilot/internal/agentloop"
	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/decompose"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/util"
)

// storedTask is one backlog entry, keyed by ID in the on-disk table.
type storedTask struct {
	agentloop.Task
	Labels     []string  `json:"labels,omitempty"`
	Ready      bool      `json:"ready"`
	InProgress bool      `json:"in_progress"`
	Done       bool      `json:"done"`
	ParentID   string    `json:"parent_id,omitempty"`
	Decomposed bool      `json:"decomposed"`
	CreatedAt  time.Time `json:"created_at"`
}

type taskTable struct {
	Tasks map[string]*storedTask `json:"tasks"`
}

// TaskStore is the default agentloop.TaskSource/agentloop.TrackerStatus: a
// flat JSON backlog file, guarded by an flock, following the exact
// lock-load-mutate-atomic-save shape claim.Manager and claim.AreaManager use
// for their own tables (internal/claim/claim.go). It also exposes Add and
// Decompose so cmd/pilot's `task` subcommands have somewhere real to put
// work and a real call site for internal/decompose, which otherwise has no
// caller anywhere in Pilot.
type TaskStore struct {
	townRoot string
	log      *eventlog.Log
}

// NewTaskStore returns a TaskStore for townRoot.
func NewTaskStore(townRoot string) *TaskStore {
	return &TaskStore{townRoot: townRoot, log: eventlog.Open(townRoot)}
}

func (s *TaskStore) path() string     { return constants.TasksPath(s.townRoot) }
func (s *TaskStore) lockPath() string { return constants.TasksPath(s.townRoot) + ".lock" }

func (s *TaskStore) load() (*taskTable, error) {
	var t taskTable
	if err := util.ReadJSON(s.path(), &t); err != nil {
		if os.IsNotExist(err) {
			return &taskTable{Tasks: map[string]*storedTask{}}, nil
		}
		return nil, err
	}
	if t.Tasks == nil {
		t.Tasks = map[string]*storedTask{}
	}
	return &t, nil
}

func (s *TaskStore) save(t *taskTable) error {
	return util.AtomicWriteJSON(s.path(), t)
}

// Add inserts a ready-to-claim task into the backlog.
func (s *TaskStore) Add(task agentloop.Task, labels []string) error {
	return lock.WithLock(s.lockPath(), func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		t.Tasks[task.ID] = &storedTask{Task: task, Labels: labels, Ready: true, CreatedAt: time.Now()}
		if err := s.save(t); err != nil {
			return err
		}
		return s.log.Append(eventlog.Type("task_added"), "", map[string]any{"task_id": task.ID, "area": task.Area})
	})
}

// List returns every backlog task, in no particular order.
func (s *TaskStore) List() ([]storedTask, error) {
	t, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]storedTask, 0, len(t.Tasks))
	for _, st := range t.Tasks {
		out = append(out, *st)
	}
	return out, nil
}

// NextReadyTask implements agentloop.TaskSource: the first backlog task
// tagged for role that is ready, not yet claimed, and not done. Matching
// against role uses Area, the same role<->area convention
// policy.AreaForPath and decompose.ClassifyTaskDomain both already use.
func (s *TaskStore) NextReadyTask(role string) (agentloop.Task, bool, error) {
	t, err := s.load()
	if err != nil {
		return agentloop.Task{}, false, err
	}
	for _, st := range t.Tasks {
		if !st.Ready || st.InProgress || st.Done {
			continue
		}
		if st.Area != "" && st.Area != role {
			continue
		}
		return st.Task, true, nil
	}
	return agentloop.Task{}, false, nil
}

// MarkInProgress implements agentloop.TrackerStatus.
func (s *TaskStore) MarkInProgress(taskID string) error {
	return s.mutate(taskID, func(st *storedTask) { st.InProgress = true })
}

// MarkDone implements agentloop.TrackerStatus.
func (s *TaskStore) MarkDone(taskID string) error {
	return s.mutate(taskID, func(st *storedTask) { st.Done = true; st.InProgress = false; st.Ready = false })
}

func (s *TaskStore) mutate(taskID string, fn func(*storedTask)) error {
	return lock.WithLock(s.lockPath(), func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		st, ok := t.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s not found", taskID)
		}
		fn(st)
		return s.save(t)
	})
}

// Decompose implements spec §4.10's decomposeTask against one backlog entry:
// it runs internal/decompose's shouldDecompose/classifyTaskDomain/
// generateSubtasks pipeline and, if the task is large enough to split,
// replaces it with its generated subtasks (each inheriting ParentID so the
// original remains traceable) rather than leaving both the parent and its
// children ready to claim.
func (s *TaskStore) Decompose(taskID string) (decompose.Result, error) {
	var result decompose.Result
	err := lock.WithLock(s.lockPath(), func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		st, ok := t.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s not found", taskID)
		}

		dtask := decompose.Task{ID: st.ID, Title: st.Title, Description: st.Description, Labels: st.Labels}
		result = decompose.DecomposeTask(dtask, "")
		if !result.Decomposed {
			return nil
		}

		st.Ready = false
		st.Decomposed = true
		for i, sub := range result.Subtasks {
			subID := fmt.Sprintf("%s.%d", taskID, i+1)
			t.Tasks[subID] = &storedTask{
				Task: agentloop.Task{
					ID: subID, Title: sub.Title, Description: sub.Description, Area: string(result.Domain),
				},
				Labels: sub.Labels, Ready: true, ParentID: taskID, CreatedAt: time.Now(),
			}
		}
		return s.save(t)
	})
	return result, err
}
