package channel

import (
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/util"
	"golang.org/x/text/width"
)

// turn is one line of a chat's conversation history.
type turn struct {
	Role string    `json:"role"` // "user" or "pilot"
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

type conversationTable struct {
	Chats map[string][]turn `json:"chats"`
}

func (h *Handler) conversationPath() string {
	return filepath.Join(constants.ChannelDir(h.TownRoot), constants.FileConversation)
}

func (h *Handler) conversationLockPath() string {
	return filepath.Join(constants.ChannelDir(h.TownRoot), ".conversations.lock")
}

func (h *Handler) loadConversations() (*conversationTable, error) {
	var t conversationTable
	if err := util.ReadJSON(h.conversationPath(), &t); err != nil {
		if os.IsNotExist(err) {
			return &conversationTable{Chats: map[string][]turn{}}, nil
		}
		return nil, err
	}
	if t.Chats == nil {
		t.Chats = map[string][]turn{}
	}
	return &t, nil
}

func (h *Handler) saveConversations(t *conversationTable) error {
	return util.AtomicWriteJSON(h.conversationPath(), t)
}

// recordTurn appends role/text to chatID's history, truncating text to the
// policy's character cap and dropping the oldest turns once the ring
// exceeds its max length.
func (h *Handler) recordTurn(chatID, role, text string) error {
	maxTurns := h.Policy.ChannelMaxHistoryTurns
	charCap := h.Policy.ChannelHistoryCharCap
	return lock.WithLock(h.conversationLockPath(), func() error {
		t, err := h.loadConversations()
		if err != nil {
			return err
		}
		entries := append(t.Chats[chatID], turn{Role: role, Text: truncateToWidth(text, charCap), TS: time.Now()})
		if maxTurns > 0 && len(entries) > maxTurns {
			entries = entries[len(entries)-maxTurns:]
		}
		t.Chats[chatID] = entries
		return h.saveConversations(t)
	})
}

// history returns chatID's recorded turns, oldest first.
func (h *Handler) history(chatID string) ([]turn, error) {
	t, err := h.loadConversations()
	if err != nil {
		return nil, err
	}
	return t.Chats[chatID], nil
}

// truncateToWidth truncates s to at most maxWidth display columns, counting
// East-Asian Wide/Fullwidth runes as two columns and everything else as one
// — a plain len()/rune-count truncation would cut a wide-character message
// short or run it over the channel's real display width.
func truncateToWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return s
	}
	col := 0
	runes := []rune(s)
	for i, r := range runes {
		w := 1
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			w = 2
		}
		if col+w > maxWidth {
			return string(runes[:i])
		}
		col += w
	}
	return s
}
