package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/cost"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/session"
)

// IssueCreator files a ticket in whatever tracker a town has wired in (spec
// §4.14's "idea" action). Optional — a town with no tracker collaborator
// configured leaves this nil and "idea" replies that it has nowhere to
// file the suggestion.
type IssueCreator interface {
	CreateTicket(title, body string) (string, error)
}

// Handler drains an external channel's inbox and dispatches spec §4.14's
// fixed action table. Dependencies are concrete collaborator types, not
// narrow interfaces: Handler sits at the top of the dependency graph next
// to pmloop.Loop, nothing else needs to depend on it, so there is no import
// cycle to avoid by narrowing.
type Handler struct {
	TownRoot string
	Policy   *policy.Policy

	Sessions *session.Registry
	Claims   *claim.Manager
	Areas    *claim.AreaManager
	Bus      *bus.Bus
	Board    *board.Board
	Costs    *cost.Tracker

	Transport Transport
	Issues    IssueCreator // may be nil

	RateLimiter *RateLimiter

	log *eventlog.Log
}

// New returns a Handler wired to the given collaborators. If pol is nil,
// policy.Defaults() behavior is expected to already have been applied by
// the caller.
func New(townRoot string, pol *policy.Policy, sessions *session.Registry, claims *claim.Manager,
	areas *claim.AreaManager, b *bus.Bus, brd *board.Board, costs *cost.Tracker, transport Transport, issues IssueCreator) *Handler {
	return &Handler{
		TownRoot: townRoot, Policy: pol,
		Sessions: sessions, Claims: claims, Areas: areas, Bus: b, Board: brd, Costs: costs,
		Transport: transport, Issues: issues,
		RateLimiter: NewRateLimiter(pol.ChannelRateLimitPerMinute, pol.ChannelRateLimitPerHour),
		log:         eventlog.Open(townRoot),
	}
}

// DrainAndDispatch implements pmloop.ChannelScanner: poll the transport,
// authorize/rate-limit/act on every inbound record, and sweep any
// now-overdue pending approval. Returns the number of records processed.
func (h *Handler) DrainAndDispatch() (int, error) {
	if err := h.checkApprovalTimeouts(); err != nil {
		return 0, err
	}

	records, err := h.Transport.Poll()
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		h.dispatch(rec)
	}
	return len(records), nil
}

func (h *Handler) dispatch(rec InboundRecord) {
	action, _ := firstWord(rec.Text)

	if !h.authorized(rec.SenderID) {
		h.audit(rec.ChatID, rec.SenderID, action, false, false)
		h.reply(rec.ChatID, "Sender not authorized.")
		return
	}
	if !h.RateLimiter.Allow(rec.ChatID) {
		h.audit(rec.ChatID, rec.SenderID, action, true, true)
		h.reply(rec.ChatID, "Rate limit exceeded, try again shortly.")
		return
	}
	h.audit(rec.ChatID, rec.SenderID, action, true, false)
	_ = h.recordTurn(rec.ChatID, "user", rec.Text)

	reply := h.act(rec, action)
	h.reply(rec.ChatID, reply)
}

// authorized implements spec §4.14's sender allowlist: an empty list
// rejects every sender, there is no implicit "allow all".
func (h *Handler) authorized(senderID string) bool {
	for _, id := range h.Policy.ChannelAllowlist {
		if id == senderID {
			return true
		}
	}
	return false
}

// reply truncates text to the policy's max message length, splitting into
// multiple outbound records rather than dropping the tail, and records each
// chunk in the chat's history.
func (h *Handler) reply(chatID, text string) {
	maxLen := h.Policy.ChannelMaxMessageLen
	for _, chunk := range splitIntoChunks(escapeMarkdown(text), maxLen) {
		_ = h.Transport.Send(OutboundRecord{ChatID: chatID, Text: chunk, TS: time.Now()})
		_ = h.recordTurn(chatID, "pilot", chunk)
	}
}

// escapeMarkdown neutralizes the handful of characters most chat Markdown
// renderers treat specially, so a reply quoting a file path or task id
// never gets partially re-formatted by the channel client.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "`", "\\`",
	)
	return r.Replace(s)
}

// splitIntoChunks breaks s into pieces of at most maxLen runes. A
// non-positive maxLen disables splitting.
func splitIntoChunks(s string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return []string{s}
	}
	var out []string
	for len(runes) > 0 {
		n := maxLen
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func firstWord(text string) (word, rest string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	return strings.ToLower(fields[0]), strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), fields[0]))
}

// act dispatches a single authorized, rate-limit-cleared record through
// spec §4.14's action table and returns the reply text.
func (h *Handler) act(rec InboundRecord, action string) string {
	_, arg := firstWord(rec.Text)
	switch action {
	case "status":
		return h.actStatus()
	case "ps":
		return h.actPS()
	case "approve":
		return h.actApprove(rec, arg)
	case "reject":
		return h.actReject(rec, arg)
	case "approve_escalation":
		return h.actApproveEscalation(rec, arg)
	case "reject_escalation":
		return h.actRejectEscalation(rec, arg)
	case "idea":
		return h.actIdea(arg)
	case "pause_all":
		return h.actPauseResume(rec, "pause", arg)
	case "resume":
		return h.actPauseResume(rec, "resume", arg)
	case "kill_agent":
		return h.actKillAgent(arg)
	case "logs":
		return h.actLogs(arg)
	case "lockdown":
		return h.actLockdown(rec)
	case "budget":
		return h.actBudget(arg)
	case "morning_report":
		return h.actMorningReport()
	default:
		return "Unknown action"
	}
}

func (h *Handler) actStatus() string {
	snaps, err := h.Board.GetStatusBoard()
	if err != nil {
		return "status: error reading board: " + err.Error()
	}
	if len(snaps) == 0 {
		return "No active agents."
	}
	var b strings.Builder
	for _, s := range snaps {
		fmt.Fprintf(&b, "%s [%s] %s (%d/%d)\n", s.SessionID, s.Status, s.TaskTitle, s.Step, s.TotalSteps)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) actPS() string {
	sessions, err := h.Sessions.GetActiveSessions("")
	if err != nil {
		return "ps: error reading sessions: " + err.Error()
	}
	if len(sessions) == 0 {
		return "No active sessions."
	}
	var b strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s role=%s task=%s\n", s.ID, s.Role, s.ClaimedTaskID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// resolveAndRespond is the shared approve/reject/approve_escalation/
// reject_escalation plumbing: find the matching PendingApproval, send the
// waiting agent loop the bus message its WAITING_APPROVAL tick is watching
// for, and remove the entry.
func (h *Handler) resolveAndRespond(kind ApprovalKind, approvalID, taskID, action, reason string) string {
	p, ok, err := h.takeApproval(kind, approvalID, taskID)
	if err != nil {
		return "error resolving approval: " + err.Error()
	}
	if !ok {
		return "No matching pending approval found."
	}
	var payloadData any
	if reason != "" {
		payloadData = reason
	}
	_, err = h.Bus.Send(bus.Message{
		From: "channel", To: p.SessionID, Type: bus.TypeResponse, Topic: "plan_approval_response",
		Priority: bus.PriorityNormal, CorrelationID: p.CorrelationID,
		Payload: bus.Payload{Action: action, Data: payloadData},
	})
	if err != nil {
		return "error notifying agent: " + err.Error()
	}
	verb := "approved"
	if action == "reject" {
		verb = "rejected"
	}
	_ = h.log.Append(eventlog.MessageSent, p.SessionID, map[string]any{"approval_id": p.ApprovalID, "task_id": p.TaskID, "action": action})
	return fmt.Sprintf("%s approval %s for task %s.", verb, p.ApprovalID, p.TaskID)
}

func (h *Handler) actApprove(rec InboundRecord, arg string) string {
	return h.resolveAndRespond(ApprovalPlan, arg, rec.TaskID, "approve", "")
}

func (h *Handler) actReject(rec InboundRecord, arg string) string {
	return h.resolveAndRespond(ApprovalPlan, "", rec.TaskID, "reject", firstNonEmptyArg(arg, "rejected by operator"))
}

func (h *Handler) actApproveEscalation(rec InboundRecord, arg string) string {
	return h.resolveAndRespond(ApprovalEscalation, arg, "", "approve", "")
}

func (h *Handler) actRejectEscalation(rec InboundRecord, arg string) string {
	return h.resolveAndRespond(ApprovalEscalation, arg, "", "reject", "rejected by operator")
}

func firstNonEmptyArg(arg, fallback string) string {
	if strings.TrimSpace(arg) != "" {
		return arg
	}
	return fallback
}

func (h *Handler) actIdea(text string) string {
	if strings.TrimSpace(text) == "" {
		return "Send the idea text after the command, e.g. \"idea add retry backoff to the bus\"."
	}
	if h.Issues == nil {
		return "No issue tracker configured; idea not filed: " + text
	}
	id, err := h.Issues.CreateTicket("Idea from channel", text)
	if err != nil {
		return "Failed to file idea: " + err.Error()
	}
	return "Filed as " + id
}

func (h *Handler) actPauseResume(rec InboundRecord, action, scopeRole string) string {
	data := map[string]any{"action": action}
	var err error
	if strings.TrimSpace(scopeRole) != "" {
		_, err = h.Bus.SendToRole("channel", scopeRole, "operator_directive", data)
	} else {
		_, err = h.Bus.SendBroadcast("channel", "operator_directive", data)
	}
	if err != nil {
		return "error sending directive: " + err.Error()
	}
	if strings.TrimSpace(scopeRole) != "" {
		return fmt.Sprintf("%s sent to role %s.", action, scopeRole)
	}
	return action + " sent to all agents."
}

func (h *Handler) actKillAgent(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "Usage: kill_agent <session-id>"
	}
	if _, err := h.Claims.Release(sessionID); err != nil {
		return "error releasing claims: " + err.Error()
	}
	if _, err := h.Areas.ReleaseAll(sessionID); err != nil {
		return "error releasing areas: " + err.Error()
	}
	if err := h.Sessions.End(sessionID, "killed via channel"); err != nil {
		return "error ending session: " + err.Error()
	}
	_ = h.Board.RemoveAgent(sessionID)
	_ = h.log.Append(eventlog.SessionEnded, sessionID, map[string]any{"reason": "killed via channel"})
	return "Killed " + sessionID
}

func (h *Handler) actLogs(arg string) string {
	entries, err := eventlog.ReadAll(h.TownRoot)
	if err != nil {
		return "error reading logs: " + err.Error()
	}
	filter := strings.TrimSpace(arg)
	const maxLines = 20
	var b strings.Builder
	shown := 0
	for i := len(entries) - 1; i >= 0 && shown < maxLines; i-- {
		e := entries[i]
		if filter != "" && e.SessionID != filter && fmt.Sprint(e.Extra["task_id"]) != filter {
			continue
		}
		fmt.Fprintf(&b, "%s %s %s\n", e.TS.Format(time.RFC3339), e.Type, e.SessionID)
		shown++
	}
	if shown == 0 {
		return "No matching log entries."
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) actLockdown(rec InboundRecord) string {
	data := map[string]any{"action": "lockdown"}
	if _, err := h.Bus.SendBroadcast("channel", "operator_directive", data); err != nil {
		return "error broadcasting lockdown: " + err.Error()
	}
	return "Lockdown broadcast to all agents."
}

func (h *Handler) actBudget(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		daily, err := h.Costs.GetDailyCost()
		if err != nil {
			return "error reading daily cost: " + err.Error()
		}
		return fmt.Sprintf("Today's total: %d tokens", daily.TotalTokens)
	}
	agent, err := h.Costs.GetAgentCost(sessionID)
	if err != nil {
		return "error reading agent cost: " + err.Error()
	}
	return fmt.Sprintf("%s: %d tokens today, %d total", sessionID, agent.TodayTokens, agent.TotalTokens)
}

func (h *Handler) actMorningReport() string {
	daily, err := h.Costs.GetDailyCost()
	if err != nil {
		return "error building report: " + err.Error()
	}
	sessions, err := h.Sessions.GetActiveSessions("")
	if err != nil {
		return "error building report: " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Daily spend: %d tokens\n", daily.TotalTokens)
	fmt.Fprintf(&b, "Active sessions: %d\n", len(sessions))
	return strings.TrimRight(b.String(), "\n")
}
