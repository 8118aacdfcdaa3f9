// Package scheduler implements Pilot's multi-factor scoring scheduler and
// optional autoscaler (spec §4.9). Grounded on the teacher's dispatch idiom
// in internal/deacon/redispatch.go — load a small persisted decision state,
// evaluate eligibility, pick a target, record the outcome — generalized from
// "redispatch one recovered bead to a rig" (cooldown + attempt-count gating,
// no scoring) to "score every live agent against a task and assign the
// argmax", since the teacher never scores candidates, only gates a single
// retry decision.
package scheduler

import (
	"sort"
	"time"

	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/session"
)

// Task is the scheduling input for one unit of work (spec §4.9).
type Task struct {
	ID                   string
	RequiredCapabilities []string
	Area                 string
	CreatedAt            time.Time
}

// Assignment is scheduleOne's/schedule's verdict for one task.
type Assignment struct {
	TaskID    string
	SessionID string
	Score     float64
}

// Result is schedule(tasks)'s return shape.
type Result struct {
	Assignments []Assignment
	Unassigned  []string
}

// CostLookup is the narrow view into agent token spend the cost tracker
// supplies — injected so scheduler never imports internal/cost directly and
// stays testable without a real ledger (same narrow-interface idiom as
// bus.LiveLookup and board.Contextualizable).
type CostLookup interface {
	// AgentTodayTokens returns sessionID's token spend so far today.
	AgentTodayTokens(sessionID string) int64
	// BudgetExceeded reports whether sessionID is over its per-agent-day
	// block threshold (spec §4.11's checkBudget "exceeded" status).
	BudgetExceeded(sessionID string) bool
}

// noCostLookup is the zero-value CostLookup used when none is wired —
// nothing is ever over budget and costHealth reads as perfectly healthy.
type noCostLookup struct{}

func (noCostLookup) AgentTodayTokens(string) int64 { return 0 }
func (noCostLookup) BudgetExceeded(string) bool    { return false }

// roleCapabilities maps each fixed role (spec §3) to the capability tags it
// satisfies. A task's RequiredCapabilities are matched against this set, not
// against the bare role name, so a task can ask for "go" or "api" without
// knowing role names.
var roleCapabilities = map[session.Role][]string{
	session.RoleFrontend: {"frontend", "ui", "react", "css"},
	session.RoleBackend:  {"backend", "go", "api", "server"},
	session.RoleTesting:  {"testing", "qa", "test"},
	session.RoleSecurity: {"security", "audit", "compliance"},
	session.RolePM:       {"pm", "planning"},
	session.RoleDesign:   {"design", "ux", "figma"},
	session.RoleReview:   {"review"},
	session.RoleInfra:    {"infra", "devops", "ci"},
}

// DefaultAgentCapacity is how many tasks one agent is assumed to carry
// concurrently absent any override (spec §4.9's loadFraction denominator).
const DefaultAgentCapacity = 1

// Scheduler implements spec §4.9's scheduleOne/schedule over live sessions.
type Scheduler struct {
	Policy   *policy.Policy
	Sessions *session.Registry
	Claims   *claim.Manager
	Areas    *claim.AreaManager
	Cost     CostLookup
	Affinity *AffinityStore

	// Capacity overrides DefaultAgentCapacity per session id when set.
	Capacity map[string]int

	log *eventlog.Log
}

// New returns a Scheduler. cost may be nil (treated as noCostLookup).
func New(townRoot string, pol *policy.Policy, sessions *session.Registry, claims *claim.Manager, areas *claim.AreaManager, cost CostLookup) *Scheduler {
	if cost == nil {
		cost = noCostLookup{}
	}
	return &Scheduler{
		Policy: pol, Sessions: sessions, Claims: claims, Areas: areas, Cost: cost,
		Affinity: NewAffinityStore(townRoot), log: eventlog.Open(townRoot),
	}
}

// candidate is one live agent under consideration, with its current booked
// load (live claim count, mutated during schedule's greedy bookkeeping).
type candidate struct {
	sessionID string
	role      session.Role
	active    int
	capacity  int
}

func (s *Scheduler) capacityFor(sessionID string) int {
	if c, ok := s.Capacity[sessionID]; ok && c > 0 {
		return c
	}
	return DefaultAgentCapacity
}

// eligibleCandidates lists every live session with its current active-claim
// count, excluding none — area/budget eligibility is checked per task in
// score, since it depends on the task's area.
func (s *Scheduler) eligibleCandidates() ([]candidate, error) {
	live, err := s.Sessions.GetActiveSessions("")
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(live))
	for _, st := range live {
		active := 0
		if st.ClaimedTaskID != "" {
			active = 1
		}
		out = append(out, candidate{sessionID: st.ID, role: st.Role, active: active, capacity: s.capacityFor(st.ID)})
	}
	return out, nil
}

// eligibleForTask reports whether c may be assigned task: not over its
// per-agent-day budget, and not locked out of the task's area by another
// live session.
func (s *Scheduler) eligibleForTask(c candidate, task Task) bool {
	if s.Cost.BudgetExceeded(c.sessionID) {
		return false
	}
	if task.Area != "" && s.Areas != nil {
		if holder := s.Areas.HolderOf(task.Area); holder != "" && holder != c.sessionID {
			return false
		}
	}
	return true
}

// score implements spec §4.9's score(agent, task) formula.
func (s *Scheduler) score(c candidate, task Task, now time.Time) float64 {
	w := s.Policy.SchedulerWeights.Normalize()

	skillMatch := 1.0
	if len(task.RequiredCapabilities) > 0 {
		caps := roleCapabilities[c.role]
		have := 0
		for _, req := range task.RequiredCapabilities {
			if containsStr(caps, req) {
				have++
			}
		}
		skillMatch = float64(have) / float64(len(task.RequiredCapabilities))
	}

	loadFraction := 0.0
	if c.capacity > 0 {
		loadFraction = float64(c.active) / float64(c.capacity)
	}
	if loadFraction > 1 {
		loadFraction = 1
	}

	affinity := s.Affinity.SuccessRate(c.role, task.Area)

	warn := s.Policy.BudgetPerAgentDay.WarnTokens
	costHealth := 1.0
	if warn > 0 {
		frac := float64(s.Cost.AgentTodayTokens(c.sessionID)) / float64(warn)
		if frac > 1 {
			frac = 1
		}
		costHealth = 1 - frac
	}

	boost := starvationBoost(task.CreatedAt, now, s.Policy.Starvation)

	return w.Skill*skillMatch + w.Load*(1-loadFraction) + w.Affinity*affinity + w.Cost*costHealth + boost
}

// starvationBoost implements spec §4.9's starvation term: zero until the
// task has been unassigned longer than the configured interval, then grows
// linearly with age, capped at boost_max.
func starvationBoost(createdAt, now time.Time, p policy.StarvationParams) float64 {
	if createdAt.IsZero() || p.IntervalMs <= 0 {
		return 0
	}
	ageMs := float64(now.Sub(createdAt).Milliseconds())
	if ageMs <= p.IntervalMs {
		return 0
	}
	boost := ageMs / p.IntervalMs * p.K
	if boost > p.BoostMax {
		boost = p.BoostMax
	}
	return boost
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ScheduleOne implements spec §4.9's scheduleOne(task): argmax over eligible
// live agents, nil when nothing is eligible. Ties broken by session id
// lexicographic order for determinism.
func (s *Scheduler) ScheduleOne(task Task) (*Assignment, error) {
	candidates, err := s.eligibleCandidates()
	if err != nil {
		return nil, err
	}
	now := time.Now()

	var best *Assignment
	for _, c := range candidates {
		if !s.eligibleForTask(c, task) || c.active >= c.capacity {
			continue
		}
		sc := s.score(c, task, now)
		if best == nil || sc > best.Score || (sc == best.Score && c.sessionID < best.SessionID) {
			best = &Assignment{TaskID: task.ID, SessionID: c.sessionID, Score: sc}
		}
	}
	if best != nil {
		_ = s.log.Append(eventlog.TaskAssigned, best.SessionID, map[string]any{"task_id": task.ID, "score": best.Score})
	}
	return best, nil
}

// pairScore is one (task, agent) scored combination considered by Schedule's
// greedy assignment pass.
type pairScore struct {
	taskIdx int
	agent   string
	score   float64
}

// Schedule implements spec §4.9's schedule(tasks): scores every eligible
// (task, agent) pair once, then walks them in descending score order
// assigning each task to the best remaining agent with capacity left,
// bookkeeping each agent's active count as it's assigned. Ties broken by
// task order, then agent id.
func (s *Scheduler) Schedule(tasks []Task) (*Result, error) {
	candidates, err := s.eligibleCandidates()
	if err != nil {
		return nil, err
	}
	capLeft := make(map[string]int, len(candidates))
	role := make(map[string]session.Role, len(candidates))
	for _, c := range candidates {
		capLeft[c.sessionID] = c.capacity - c.active
		role[c.sessionID] = c.role
	}

	now := time.Now()
	var pairs []pairScore
	for i, task := range tasks {
		for _, c := range candidates {
			if !s.eligibleForTask(c, task) {
				continue
			}
			pairs = append(pairs, pairScore{taskIdx: i, agent: c.sessionID, score: s.score(c, task, now)})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		if pairs[i].taskIdx != pairs[j].taskIdx {
			return pairs[i].taskIdx < pairs[j].taskIdx
		}
		return pairs[i].agent < pairs[j].agent
	})

	assigned := make(map[int]bool, len(tasks))
	res := &Result{}
	for _, p := range pairs {
		if assigned[p.taskIdx] || capLeft[p.agent] <= 0 {
			continue
		}
		assigned[p.taskIdx] = true
		capLeft[p.agent]--
		a := Assignment{TaskID: tasks[p.taskIdx].ID, SessionID: p.agent, Score: p.score}
		res.Assignments = append(res.Assignments, a)
		_ = s.log.Append(eventlog.TaskAssigned, p.agent, map[string]any{"task_id": a.TaskID, "score": a.Score})
	}
	for i, task := range tasks {
		if !assigned[i] {
			res.Unassigned = append(res.Unassigned, task.ID)
		}
	}
	return res, nil
}
