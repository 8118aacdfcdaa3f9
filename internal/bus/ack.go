package bus

import (
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/util"
)

// MaxRetries is spec §4.5's retry ceiling before a pending ack is moved to
// the dead-letter queue.
const MaxRetries = constants.MaxAckRetries

// PendingAck tracks an outstanding ack/nack obligation for a sent message.
type PendingAck struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	DeadlineAt time.Time `json:"deadline_at"`
	Retries    int       `json:"retries"`
	Escalation []string  `json:"escalation_chain,omitempty"`
	Level      int       `json:"level"`
}

type pendingTable struct {
	Pending map[string]PendingAck `json:"pending"`
}

func (b *Bus) pendingPath() string {
	return filepath.Join(constants.BusDir(b.townRoot), constants.FilePendingAcks)
}

func (b *Bus) dlqPath() string {
	return filepath.Join(constants.BusDir(b.townRoot), constants.FileDLQ)
}

func (b *Bus) loadPending() (*pendingTable, error) {
	var t pendingTable
	if err := util.ReadJSON(b.pendingPath(), &t); err != nil {
		if os.IsNotExist(err) {
			return &pendingTable{Pending: map[string]PendingAck{}}, nil
		}
		return nil, err
	}
	if t.Pending == nil {
		t.Pending = map[string]PendingAck{}
	}
	return &t, nil
}

func (b *Bus) savePending(t *pendingTable) error {
	return util.AtomicWriteJSON(b.pendingPath(), t)
}

// trackPendingAck records that m requires an ack and must be followed up on
// by its deadline — called right after Send for any message whose
// Ack.Required is true.
func (b *Bus) trackPendingAck(m Message) error {
	if m.Ack == nil || !m.Ack.Required {
		return nil
	}
	return b.withAppendLock(func() error {
		t, err := b.loadPending()
		if err != nil {
			return err
		}
		deadline := m.TS.Add(time.Duration(m.Ack.DeadlineMs) * time.Millisecond)
		t.Pending[m.ID] = PendingAck{
			MessageID:  m.ID,
			From:       m.From,
			To:         firstNonEmpty(m.To, m.ToAgent, m.ToRole),
			DeadlineAt: deadline,
			Escalation: m.Ack.EscalationChain,
			Level:      m.Ack.CurrentLevel,
		}
		return b.savePending(t)
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SendAck implements spec §4.5's sendAck(messageId): clears the pending
// obligation and appends an ack record to the bus.
func (b *Bus) SendAck(from, to, messageID string) (*Message, error) {
	if err := b.clearPending(messageID); err != nil {
		return nil, err
	}
	msg, err := b.Send(Message{From: from, To: to, Type: TypeAck, Topic: "ack", CorrelationID: messageID})
	if err != nil {
		return nil, err
	}
	_ = b.log.Append(eventlog.MessageAcked, from, map[string]any{"message_id": messageID})
	return msg, nil
}

// SendNack implements spec §4.5's sendNack(messageId, reason): clears the
// pending obligation (the sender is expected to retry/escalate explicitly,
// not have this nack auto-retried) and appends a nack record.
func (b *Bus) SendNack(from, to, messageID, reason string) (*Message, error) {
	if err := b.clearPending(messageID); err != nil {
		return nil, err
	}
	msg, err := b.Send(Message{
		From: from, To: to, Type: TypeNack, Topic: "nack", CorrelationID: messageID,
		Payload: Payload{Data: reason},
	})
	if err != nil {
		return nil, err
	}
	_ = b.log.Append(eventlog.MessageNacked, from, map[string]any{"message_id": messageID, "reason": reason})
	return msg, nil
}

func (b *Bus) clearPending(messageID string) error {
	return b.withAppendLock(func() error {
		t, err := b.loadPending()
		if err != nil {
			return err
		}
		delete(t.Pending, messageID)
		return b.savePending(t)
	})
}

// ProcessTimeouts implements spec §4.5's ack-timeout sweep: every pending
// ack past its deadline is retried (bumping the deadline and retry count) up
// to MaxRetries, then moved to the dead-letter queue; if the original
// message asked to escalate_to_pm, a synthetic escalation.blocking_timeout
// broadcast is also sent, advancing the escalation chain one level.
func (b *Bus) ProcessTimeouts() error {
	now := time.Now()
	var toEscalate []PendingAck
	var toDLQ []PendingAck

	err := b.withAppendLock(func() error {
		t, err := b.loadPending()
		if err != nil {
			return err
		}
		for id, p := range t.Pending {
			if now.Before(p.DeadlineAt) {
				continue
			}
			if p.Retries >= MaxRetries {
				toDLQ = append(toDLQ, p)
				delete(t.Pending, id)
				continue
			}
			p.Retries++
			p.DeadlineAt = now.Add(retryBackoff(p.Retries))
			if len(p.Escalation) > 0 && p.Level < len(p.Escalation)-1 {
				p.Level++
				toEscalate = append(toEscalate, p)
			}
			t.Pending[id] = p
		}
		return b.savePending(t)
	})
	if err != nil {
		return err
	}

	for _, p := range toDLQ {
		if err := b.writeDLQ(p, "max_retries_exceeded"); err != nil {
			return err
		}
		_ = b.log.Append(eventlog.MessageDLQed, p.From, map[string]any{"message_id": p.MessageID})
		if len(p.Escalation) > 0 && p.Level >= len(p.Escalation)-1 {
			if err := b.writeHumanQueue(p); err != nil {
				return err
			}
			_ = b.log.Append(eventlog.EscalationExhausted, p.From, map[string]any{"message_id": p.MessageID, "to": p.To})
		}
	}
	for _, p := range toEscalate {
		next := p.Escalation[p.Level]
		if _, err := b.Send(Message{
			From: p.From, To: next, Type: TypeNotify, Topic: "escalation.blocking_timeout",
			Priority: PriorityBlocking, CorrelationID: p.MessageID,
			Payload: Payload{Data: map[string]any{"original_to": p.To, "level": p.Level}},
		}); err != nil {
			return err
		}
		_ = b.log.Append(eventlog.MessageEscalated, p.From, map[string]any{"message_id": p.MessageID, "to": next, "level": p.Level})
	}
	return nil
}

// retryBackoff bumps the deadline a little further out on each retry,
// giving a slow-to-respond recipient more room rather than hammering the
// same fixed window three times in a row.
func retryBackoff(retry int) time.Duration {
	return time.Duration(retry) * 30 * time.Second
}

func (b *Bus) writeDLQ(p PendingAck, reason string) error {
	rec := map[string]any{
		"message_id": p.MessageID,
		"from":       p.From,
		"to":         p.To,
		"reason":     reason,
		"retries":    p.Retries,
		"ts":         time.Now(),
	}
	return util.AppendJSONLine(b.dlqPath(), rec)
}

func (b *Bus) humanQueuePath() string {
	return filepath.Join(constants.BusDir(b.townRoot), constants.FileHumanQueue)
}

// writeHumanQueue records a fully-exhausted escalation (spec §7's
// EscalationExhausted) for out-of-band review — the external-channel
// handler's "logs"/"morning_report" actions read this file.
func (b *Bus) writeHumanQueue(p PendingAck) error {
	rec := map[string]any{
		"message_id": p.MessageID,
		"from":       p.From,
		"to":         p.To,
		"retries":    p.Retries,
		"ts":         time.Now(),
	}
	return util.AppendJSONLine(b.humanQueuePath(), rec)
}
