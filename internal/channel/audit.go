package channel

import (
	"path/filepath"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// auditRecord is one line of the channel's own audit trail — distinct from
// eventlog.Log's lifecycle stream, since spec §4.14 wants a record of every
// inbound interaction (authorized or not) including the raw action
// attempted, not just the lifecycle facts eventlog cares about.
type auditRecord struct {
	TS          time.Time `json:"ts"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	Action      string    `json:"action"`
	Authorized  bool      `json:"authorized"`
	RateLimited bool      `json:"rate_limited"`
}

func (h *Handler) auditPath() string {
	return filepath.Join(constants.ChannelDir(h.TownRoot), constants.FileAuditLog)
}

func (h *Handler) audit(chatID, senderID, action string, authorized, rateLimited bool) {
	rec := auditRecord{TS: time.Now(), ChatID: chatID, SenderID: senderID, Action: action, Authorized: authorized, RateLimited: rateLimited}
	_ = util.AppendJSONLine(h.auditPath(), rec)
}
