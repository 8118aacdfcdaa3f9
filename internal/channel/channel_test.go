package channel

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/cost"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/session"
)

type fakeLookup struct{}

func (fakeLookup) SessionsWithRole(string) []string            { return nil }
func (fakeLookup) SessionIDForAgentName(string) (string, bool) { return "", false }
func (fakeLookup) RoleForCapability(string) (string, bool)     { return "", false }
func (fakeLookup) AllLiveSessionIDs() []string                 { return nil }

// fakeTransport is an in-memory Transport so tests never touch the
// filesystem-cursor implementation's timing.
type fakeTransport struct {
	inbox []InboundRecord
	sent  []OutboundRecord
}

func (f *fakeTransport) Poll() ([]InboundRecord, error) {
	out := f.inbox
	f.inbox = nil
	return out, nil
}

func (f *fakeTransport) Send(rec OutboundRecord) error {
	f.sent = append(f.sent, rec)
	return nil
}

type fakeIssues struct {
	id  string
	err error
}

func (f *fakeIssues) CreateTicket(title, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

type fixture struct {
	h         *Handler
	sessions  *session.Registry
	claims    *claim.Manager
	areas     *claim.AreaManager
	b         *bus.Bus
	brd       *board.Board
	transport *fakeTransport
	pol       *policy.Policy
}

func newFixture(t *testing.T, allowlist []string) *fixture {
	t.Helper()
	dir := t.TempDir()
	pol := policy.Defaults()
	pol.ChannelAllowlist = allowlist
	alwaysLive := func(string) bool { return true }
	sessions := session.New(dir, pol)
	claims := claim.New(dir, alwaysLive)
	areas := claim.NewAreaManager(dir, alwaysLive)
	b := bus.New(dir, fakeLookup{})
	brd := board.New(dir)
	costs := cost.New(dir, pol)
	transport := &fakeTransport{}

	h := New(dir, pol, sessions, claims, areas, b, brd, costs, transport, nil)

	return &fixture{h: h, sessions: sessions, claims: claims, areas: areas, b: b, brd: brd, transport: transport, pol: pol}
}

func (f *fixture) registerAgent(t *testing.T, role session.Role) *session.State {
	t.Helper()
	st, err := f.sessions.Register(session.Context{Role: role, HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return st
}

func inRec(chatID, senderID, text string) InboundRecord {
	return InboundRecord{ID: chatID + "-" + text, ChatID: chatID, SenderID: senderID, Text: text, TS: time.Now()}
}

func TestUnauthorizedSenderRejectedWithEmptyAllowlist(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.inbox = []InboundRecord{inRec("c1", "anyone", "status")}

	n, err := f.h.DrainAndDispatch()
	if err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 processed, got %d", n)
	}
	if len(f.transport.sent) != 1 || f.transport.sent[0].Text != "Sender not authorized." {
		t.Fatalf("want rejection reply, got %+v", f.transport.sent)
	}
}

func TestAllowlistedSenderAccepted(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "status")}

	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if len(f.transport.sent) != 1 || f.transport.sent[0].Text != "No active agents." {
		t.Fatalf("want status reply, got %+v", f.transport.sent)
	}
}

func TestRateLimitPerMinuteEnforced(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.pol.ChannelRateLimitPerMinute = 1
	f.h.RateLimiter = NewRateLimiter(1, 100)

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "status")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "status")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if len(f.transport.sent) != 2 {
		t.Fatalf("want 2 replies, got %d", len(f.transport.sent))
	}
	if f.transport.sent[1].Text != "Rate limit exceeded, try again shortly." {
		t.Fatalf("want rate-limit reply, got %q", f.transport.sent[1].Text)
	}
}

func TestUnknownActionReplies(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "frobnicate")}

	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if f.transport.sent[0].Text != "Unknown action" {
		t.Fatalf("want Unknown action, got %q", f.transport.sent[0].Text)
	}
}

func TestPSListsActiveSessions(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "ps")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("want 1 reply, got %d", len(f.transport.sent))
	}
	if got := f.transport.sent[0].Text; got == "No active sessions." {
		t.Fatalf("expected agent %s to be listed, got %q", agent.ID, got)
	}
}

func TestIdeaWithoutTrackerConfigured(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "idea add retries to the bus")}

	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	got := f.transport.sent[0].Text
	if got != "No issue tracker configured; idea not filed: add retries to the bus" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestIdeaWithTrackerConfigured(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.h.Issues = &fakeIssues{id: "TICK-1"}
	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "idea add retries")}

	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if got := f.transport.sent[0].Text; got != "Filed as TICK-1" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestIdeaWithoutTextPromptsForOne(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "idea")}

	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if got := f.transport.sent[0].Text; got[:5] != "Send " {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestKillAgentReleasesClaimAndEndsSession(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)
	if _, err := f.claims.Claim(agent.ID, "task-1", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "kill_agent "+agent.ID)}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if got := f.transport.sent[0].Text; got != "Killed "+agent.ID {
		t.Fatalf("unexpected reply: %q", got)
	}
	if _, ok := f.claims.Get("task-1"); ok {
		t.Fatalf("want claim released after kill_agent")
	}
	st, err := f.sessions.Get(agent.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if st.Status != session.StatusEnded {
		t.Fatalf("want session ended, got %s", st.Status)
	}
}

func TestApproveResolvesExplicitApprovalID(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)

	msg, err := f.b.Send(bus.Message{
		From: agent.ID, ToRole: "pm", Type: bus.TypeRequest, Topic: "plan_approval_request",
		Priority: bus.PriorityNormal, Payload: bus.Payload{Action: "plan_approval_request"},
	})
	if err != nil {
		t.Fatalf("send plan_approval_request: %v", err)
	}

	if err := f.h.RegisterApproval(PendingApproval{
		ApprovalID: "appr-1", Kind: ApprovalPlan, TaskID: "task-1",
		ChatID: "c1", SessionID: agent.ID, CorrelationID: msg.ID,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("RegisterApproval: %v", err)
	}

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "approve appr-1")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if got := f.transport.sent[0].Text; got != "approved approval appr-1 for task task-1." {
		t.Fatalf("unexpected reply: %q", got)
	}

	msgs, err := f.b.ReadMessages(agent.ID, bus.Filter{})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.CorrelationID == msg.ID && m.Payload.Action == "approve" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want an approve response correlated to %s, got %+v", msg.ID, msgs)
	}
}

func TestApproveFallsBackToSinglePending(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)

	if err := f.h.RegisterApproval(PendingApproval{
		ApprovalID: "appr-only", Kind: ApprovalPlan, TaskID: "task-9",
		ChatID: "c1", SessionID: agent.ID, CorrelationID: "corr-9",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("RegisterApproval: %v", err)
	}

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "approve")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if got := f.transport.sent[0].Text; got != "approved approval appr-only for task task-9." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestRejectEscalationRequiresExplicitID(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)

	if err := f.h.RegisterApproval(PendingApproval{
		ApprovalID: "esc-1", Kind: ApprovalEscalation,
		ChatID: "c1", SessionID: agent.ID, CorrelationID: "corr-esc",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("RegisterApproval: %v", err)
	}

	// No id given: a single-pending fallback never applies to escalations.
	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "reject_escalation")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if got := f.transport.sent[0].Text; got != "No matching pending approval found." {
		t.Fatalf("unexpected reply: %q", got)
	}

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "reject_escalation esc-1")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	if got := f.transport.sent[0].Text; got != "rejected approval esc-1 for task ." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestApprovalTimeoutEscalatesOnceAndNeverAgain(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)

	if err := f.h.RegisterApproval(PendingApproval{
		ApprovalID: "appr-late", Kind: ApprovalPlan, TaskID: "task-2",
		ChatID: "c1", SessionID: agent.ID, CorrelationID: "corr-2",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("RegisterApproval: %v", err)
	}

	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("first DrainAndDispatch: %v", err)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("want 1 timeout notification, got %d", len(f.transport.sent))
	}

	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("second DrainAndDispatch: %v", err)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("want no repeat notification, got %d total", len(f.transport.sent))
	}
}

func TestBudgetReportsAgentAndDailyTotals(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)
	if err := f.h.Costs.RecordTaskCost(agent.ID, "task-3", 4000); err != nil {
		t.Fatalf("RecordTaskCost: %v", err)
	}

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "budget "+agent.ID)}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	want := fmt.Sprintf("%s: 1000 tokens today, 1000 total", agent.ID)
	if got := f.transport.sent[0].Text; got != want {
		t.Fatalf("unexpected reply: got %q want %q", got, want)
	}
}

func TestPauseAllResumeAndLockdownSmoke(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.registerAgent(t, session.RoleBackend)

	for _, text := range []string{"pause_all", "resume", "lockdown"} {
		f.transport.inbox = []InboundRecord{inRec("c1", "ops", text)}
		if _, err := f.h.DrainAndDispatch(); err != nil {
			t.Fatalf("DrainAndDispatch(%q): %v", text, err)
		}
	}
	if len(f.transport.sent) != 3 {
		t.Fatalf("want 3 replies, got %d", len(f.transport.sent))
	}
	for i, rec := range f.transport.sent {
		if rec.Text == "" {
			t.Fatalf("reply %d empty", i)
		}
	}
}

func TestLogsFiltersBySessionID(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	agent := f.registerAgent(t, session.RoleBackend)

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "logs "+agent.ID)}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	got := f.transport.sent[0].Text
	if got == "" {
		t.Fatalf("want non-empty logs reply")
	}
}

func TestMorningReportIncludesDailySpendAndSessionCount(t *testing.T) {
	f := newFixture(t, []string{"ops"})
	f.registerAgent(t, session.RoleBackend)

	f.transport.inbox = []InboundRecord{inRec("c1", "ops", "morning_report")}
	if _, err := f.h.DrainAndDispatch(); err != nil {
		t.Fatalf("DrainAndDispatch: %v", err)
	}
	got := f.transport.sent[0].Text
	if got == "" {
		t.Fatalf("want non-empty morning report")
	}
}
