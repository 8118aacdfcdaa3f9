package bus

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/util"
)

// LiveLookup resolves role/agent-name/capability to live sessions. Injected
// to avoid an import cycle with internal/session and internal/scheduler's
// agent registry, the same pattern claim.Manager uses for isLive.
type LiveLookup interface {
	SessionsWithRole(role string) []string
	SessionIDForAgentName(agentName string) (string, bool)
	RoleForCapability(capability string) (string, bool)
	AllLiveSessionIDs() []string
}

// Bus is a town's message bus: bus.jsonl plus the pending-ack and DLQ
// sidecar files.
type Bus struct {
	townRoot string
	lookup   LiveLookup
	log      *eventlog.Log

	mu     sync.Mutex // serializes sequence assignment + append, per process
	seqTop int64
	seqSet bool
}

// New returns a Bus for townRoot.
func New(townRoot string, lookup LiveLookup) *Bus {
	return &Bus{townRoot: townRoot, lookup: lookup, log: eventlog.Open(townRoot)}
}

func (b *Bus) busPath() string {
	return filepath.Join(constants.BusDir(b.townRoot), constants.FileBus)
}

func (b *Bus) appendLockPath() string {
	return filepath.Join(constants.BusDir(b.townRoot), ".bus.lock")
}

// nextSeq assigns the next monotonic sequence number, scanning the existing
// log once per process lifetime then incrementing in memory — sends are
// "serialized per process at append" (spec §4.5); cross-process ordering
// relies on POSIX small-write append atomicity, same as the rest of Pilot's
// append-only files.
func (b *Bus) nextSeq() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.seqSet {
		msgs, err := b.readAllLocked()
		if err != nil {
			return 0, err
		}
		var max int64
		for _, m := range msgs {
			if m.Seq > max {
				max = m.Seq
			}
		}
		b.seqTop = max
		b.seqSet = true
	}
	b.seqTop++
	return b.seqTop, nil
}

// Send implements spec §4.5's send(msg): validates, assigns seq+id, appends
// a single JSON line. Returns a ValidationError rather than refusing
// silently (spec §7).
func (b *Bus) Send(m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.TS.IsZero() {
		m.TS = time.Now()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	seq, err := b.nextSeq()
	if err != nil {
		return nil, err
	}
	m.Seq = seq

	if err := util.AppendJSONLine(b.busPath(), m); err != nil {
		return nil, err
	}
	_ = b.log.Append(eventlog.MessageSent, m.From, map[string]any{"id": m.ID, "topic": m.Topic, "type": string(m.Type)})
	if err := b.trackPendingAck(m); err != nil {
		return &m, err
	}
	return &m, nil
}

// SendToRole implements sendToRole(role, topic, data).
func (b *Bus) SendToRole(from, role, topic string, data any) (*Message, error) {
	return b.Send(Message{From: from, ToRole: role, Type: TypeNotify, Topic: topic, Payload: Payload{Data: data}})
}

// SendToAgent implements sendToAgent(agentName, ...).
func (b *Bus) SendToAgent(from, agentName, topic string, data any) (*Message, error) {
	return b.Send(Message{From: from, ToAgent: agentName, Type: TypeNotify, Topic: topic, Payload: Payload{Data: data}})
}

// SendToCapability implements sendToCapability(cap, ...): resolves the
// capability to a role via the agent registry, then delegates to SendToRole.
func (b *Bus) SendToCapability(from, capability, topic string, data any) (*Message, error) {
	role, ok := b.lookup.RoleForCapability(capability)
	if !ok {
		return nil, &ValidationError{Errors: []string{"unknown capability: " + capability}}
	}
	return b.SendToRole(from, role, topic, data)
}

// SendBroadcast implements sendBroadcast(topic, data): to = "*".
func (b *Bus) SendBroadcast(from, topic string, data any) (*Message, error) {
	return b.Send(Message{From: from, To: "*", Type: TypeBroadcast, Topic: topic, Payload: Payload{Data: data}})
}

// QueryAgent implements queryAgent(target, question): type=query, ACK
// required.
func (b *Bus) QueryAgent(from, target, question string) (*Message, error) {
	return b.Send(Message{
		From: from, To: target, Type: TypeQuery, Topic: "query", Priority: PriorityNormal,
		Payload: Payload{Action: "query", Data: question},
		Ack:     &AckContract{Required: true, DeadlineMs: int64(2 * time.Minute / time.Millisecond)},
	})
}

// RespondToQuery implements respondToQuery(queryId, ...): type=response,
// correlation_id = queryId.
func (b *Bus) RespondToQuery(from, to, queryID string, answer any) (*Message, error) {
	return b.Send(Message{From: from, To: to, Type: TypeResponse, Topic: "response", CorrelationID: queryID, Payload: Payload{Data: answer}})
}

// SendBlockingRequest implements sendBlockingRequest(target, reason):
// priority=blocking, escalate_to_pm=true. EscalateToPM is advisory metadata
// on the message itself (spec §3); the actual ack-timeout escalation that
// it promises is driven the same way SendWithEscalation's is, by attaching
// a real AckContract with an escalation chain — otherwise ProcessTimeouts
// has nothing to act on and the message would never time out at all.
func (b *Bus) SendBlockingRequest(from, target, reason string) (*Message, error) {
	return b.Send(Message{
		From: from, To: target, Type: TypeRequest, Topic: "blocking_request", Priority: PriorityBlocking,
		Payload: Payload{Action: "blocking_request", Data: reason}, EscalateToPM: true,
		Ack: &AckContract{
			Required: true, DeadlineMs: int64(5 * time.Minute / time.Millisecond),
			EscalationChain: append([]string(nil), defaultEscalationChain...), CurrentLevel: 0,
		},
	})
}

// defaultEscalationChain is spec §4.5's "default escalation chain [peer, pm,
// human]".
var defaultEscalationChain = []string{"peer", "pm", "human"}

// SendWithEscalation implements sendWithEscalation(target, topic, data):
// priority=blocking, attaches the default escalation chain at level 0.
func (b *Bus) SendWithEscalation(from, target, topic string, data any) (*Message, error) {
	return b.Send(Message{
		From: from, To: target, Type: TypeRequest, Topic: topic, Priority: PriorityBlocking,
		Payload: Payload{Data: data},
		Ack: &AckContract{
			Required: true, DeadlineMs: int64(5 * time.Minute / time.Millisecond),
			EscalationChain: append([]string(nil), defaultEscalationChain...), CurrentLevel: 0,
		},
	})
}

// SendBlockOnTask implements sendBlockOnTask(taskId, reason): broadcast
// block waiting on a task completion event.
func (b *Bus) SendBlockOnTask(from, taskID, reason string) (*Message, error) {
	return b.Send(Message{
		From: from, To: "*", Type: TypeBlockOnTask, Topic: "task.blocked", Priority: PriorityBlocking,
		Payload: Payload{Action: "block_on_task", Data: map[string]any{"task_id": taskID, "reason": reason}},
	})
}

// NotifyTaskComplete implements notifyTaskComplete(taskId, meta): broadcast
// task.completed.
func (b *Bus) NotifyTaskComplete(from, taskID string, meta any) (*Message, error) {
	return b.Send(Message{
		From: from, To: "*", Type: TypeBroadcast, Topic: "task.completed", Priority: PriorityNormal,
		Payload: Payload{Data: map[string]any{"task_id": taskID, "meta": meta}},
	})
}

// Close releases any resources held by the Bus. Currently a no-op — kept
// for symmetry with policy.Loader's Close and to give callers a single
// teardown point if the Bus grows a background goroutine later.
func (b *Bus) Close() error { return nil }

// withAppendLock is used by sidecar files (pending acks, DLQ) that share the
// bus's append-serialization discipline without sharing bus.jsonl itself.
func (b *Bus) withAppendLock(fn func() error) error {
	return lock.WithLock(b.appendLockPath(), fn)
}
