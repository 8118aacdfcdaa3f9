package bus

import (
	"testing"
	"time"
)

type fakeLookup struct {
	roles        map[string][]string
	agents       map[string]string
	capabilities map[string]string
}

func (f *fakeLookup) SessionsWithRole(role string) []string { return f.roles[role] }
func (f *fakeLookup) SessionIDForAgentName(name string) (string, bool) {
	id, ok := f.agents[name]
	return id, ok
}
func (f *fakeLookup) RoleForCapability(cap string) (string, bool) {
	r, ok := f.capabilities[cap]
	return r, ok
}
func (f *fakeLookup) AllLiveSessionIDs() []string {
	var out []string
	for _, ids := range f.roles {
		out = append(out, ids...)
	}
	return out
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	dir := t.TempDir()
	return New(dir, &fakeLookup{roles: map[string][]string{}, agents: map[string]string{}, capabilities: map[string]string{}})
}

func TestSendAssignsSeqAndValidates(t *testing.T) {
	b := newTestBus(t)

	m1, err := b.SendToRole("S-1", "backend", "task.ready", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	m2, err := b.SendToRole("S-1", "backend", "task.ready2", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m2.Seq != m1.Seq+1 {
		t.Fatalf("got seq %d then %d, want monotonic increment", m1.Seq, m2.Seq)
	}
}

func TestSendBroadcastNoRecipientRequired(t *testing.T) {
	b := newTestBus(t)
	if _, err := b.SendBroadcast("S-1", "announce", "hi"); err != nil {
		t.Fatalf("SendBroadcast: %v", err)
	}
}

func TestSendMissingRecipientFails(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Send(Message{From: "S-1", Type: TypeNotify, Topic: "x"})
	if err == nil {
		t.Fatal("expected ValidationError for missing recipient")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("got %T, want *ValidationError", err)
	}
}

func TestFYIWithRequiredAckRejected(t *testing.T) {
	var m Message
	m.From = "S-1"
	m.To = "S-2"
	m.Type = TypeNotify
	m.Topic = "x"
	m.Priority = PriorityFYI
	m.Ack = &AckContract{Required: true}
	if err := m.Validate(); err == nil {
		t.Fatal("expected validation error for fyi+required ack")
	}
}

func TestReadMessagesFiltersAndSortsByPriority(t *testing.T) {
	b := newTestBus(t)

	if _, err := b.Send(Message{From: "S-1", To: "S-2", Type: TypeNotify, Topic: "fyi", Priority: PriorityFYI}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send(Message{From: "S-1", To: "S-2", Type: TypeRequest, Topic: "urgent", Priority: PriorityBlocking}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send(Message{From: "S-3", To: "S-9", Type: TypeNotify, Topic: "not-for-me"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.ReadMessages("S-2", Filter{})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Topic != "urgent" {
		t.Fatalf("got first topic %q, want blocking-priority message first", msgs[0].Topic)
	}

	again, err := b.ReadMessages("S-2", Filter{})
	if err != nil {
		t.Fatalf("ReadMessages (second): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("got %d messages on re-read, want 0 (cursor should advance)", len(again))
	}
}

func TestQueryAgentRequiresAck(t *testing.T) {
	b := newTestBus(t)
	m, err := b.QueryAgent("S-1", "S-2", "are you done?")
	if err != nil {
		t.Fatalf("QueryAgent: %v", err)
	}
	if m.Ack == nil || !m.Ack.Required {
		t.Fatal("expected QueryAgent to set ack.required")
	}
}

func TestSendBlockingRequestEscalatesOnTimeout(t *testing.T) {
	b := newTestBus(t)
	m, err := b.SendBlockingRequest("S-1", "S-2", "need the schema decision")
	if err != nil {
		t.Fatalf("SendBlockingRequest: %v", err)
	}
	if !m.EscalateToPM {
		t.Fatal("expected escalate_to_pm to be set")
	}
	if m.Ack == nil || !m.Ack.Required || len(m.Ack.EscalationChain) == 0 {
		t.Fatal("expected SendBlockingRequest to attach a real ack contract with an escalation chain")
	}

	pt, err := b.loadPending()
	if err != nil {
		t.Fatal(err)
	}
	p, ok := pt.Pending[m.ID]
	if !ok {
		t.Fatal("expected a pending ack to be tracked")
	}
	p.DeadlineAt = time.Now().Add(-time.Minute)
	pt.Pending[m.ID] = p
	if err := b.savePending(pt); err != nil {
		t.Fatal(err)
	}

	if err := b.ProcessTimeouts(); err != nil {
		t.Fatalf("ProcessTimeouts: %v", err)
	}

	msgs, err := b.readAllLocked()
	if err != nil {
		t.Fatal(err)
	}
	var escalated bool
	for _, msg := range msgs {
		if msg.Topic == "escalation.blocking_timeout" && msg.CorrelationID == m.ID {
			escalated = true
		}
	}
	if !escalated {
		t.Fatal("expected a timed-out blocking request to produce an escalation.blocking_timeout message")
	}
}

func TestSendAckClearsPending(t *testing.T) {
	b := newTestBus(t)
	m, err := b.QueryAgent("S-1", "S-2", "ready?")
	if err != nil {
		t.Fatal(err)
	}

	t2, err := b.loadPending()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := t2.Pending[m.ID]; !ok {
		t.Fatal("expected pending ack to be tracked")
	}

	if _, err := b.SendAck("S-2", "S-1", m.ID); err != nil {
		t.Fatalf("SendAck: %v", err)
	}
	t3, err := b.loadPending()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := t3.Pending[m.ID]; ok {
		t.Fatal("expected pending ack to be cleared after SendAck")
	}
}

func TestProcessTimeoutsEscalatesThenDLQs(t *testing.T) {
	b := newTestBus(t)
	m, err := b.SendWithEscalation("S-1", "S-2", "blocked", "waiting on review")
	if err != nil {
		t.Fatal(err)
	}

	pt, err := b.loadPending()
	if err != nil {
		t.Fatal(err)
	}
	p := pt.Pending[m.ID]
	p.DeadlineAt = time.Now().Add(-time.Minute)
	pt.Pending[m.ID] = p
	if err := b.savePending(pt); err != nil {
		t.Fatal(err)
	}

	for i := 0; i <= MaxRetries; i++ {
		if err := b.ProcessTimeouts(); err != nil {
			t.Fatalf("ProcessTimeouts (round %d): %v", i, err)
		}
		pt, err := b.loadPending()
		if err != nil {
			t.Fatal(err)
		}
		if cur, ok := pt.Pending[m.ID]; ok {
			cur.DeadlineAt = time.Now().Add(-time.Minute)
			pt.Pending[m.ID] = cur
			if err := b.savePending(pt); err != nil {
				t.Fatal(err)
			}
		}
	}

	final, err := b.loadPending()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := final.Pending[m.ID]; ok {
		t.Fatal("expected pending ack to be moved to DLQ after MaxRetries")
	}
}

func TestSendToCapabilityResolvesRole(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, &fakeLookup{capabilities: map[string]string{"write-go": "backend"}})
	m, err := b.SendToCapability("S-1", "write-go", "task.ready", nil)
	if err != nil {
		t.Fatalf("SendToCapability: %v", err)
	}
	if m.ToRole != "backend" {
		t.Fatalf("got to_role %q, want backend", m.ToRole)
	}
}

func TestSendToCapabilityUnknownFails(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, &fakeLookup{capabilities: map[string]string{}})
	if _, err := b.SendToCapability("S-1", "nope", "topic", nil); err == nil {
		t.Fatal("expected error for unknown capability")
	}
}
