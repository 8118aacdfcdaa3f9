package bus

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// Cursor is a reader's position in the bus (spec §6).
type Cursor struct {
	SessionID    string    `json:"session_id"`
	LastSeq      int64     `json:"last_seq"`
	ByteOffset   int64     `json:"byte_offset"`
	ProcessedIDs []string  `json:"processed_ids"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// maxProcessedIDs bounds the replay guard's memory (spec §4.5: "bounded
// replay guard").
const maxProcessedIDs = 500

func (b *Bus) cursorPath(sessionID string) string {
	return filepath.Join(constants.BusDir(b.townRoot), "cursors", sessionID+".json")
}

func (b *Bus) loadCursor(sessionID string) (*Cursor, error) {
	var c Cursor
	if err := util.ReadJSON(b.cursorPath(sessionID), &c); err != nil {
		if os.IsNotExist(err) {
			return &Cursor{SessionID: sessionID}, nil
		}
		return nil, err
	}
	return &c, nil
}

func (b *Bus) saveCursor(c *Cursor) error {
	c.UpdatedAt = time.Now()
	return util.AtomicWriteJSON(b.cursorPath(c.SessionID), c)
}

// DeleteCursor implements spec §4.5's cursor cleanup on session end.
func (b *Bus) DeleteCursor(sessionID string) error {
	return os.Remove(b.cursorPath(sessionID))
}

// readAllLocked reads every message currently in bus.jsonl. Named "Locked"
// because it's only ever called with b.mu held (from nextSeq) or against a
// file that is, by construction, append-only and therefore safe to read
// without additional coordination.
func (b *Bus) readAllLocked() ([]Message, error) {
	return readMessagesFrom(b.busPath(), 0)
}

func readMessagesFrom(path string, byteOffset int64) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if byteOffset > 0 {
		if _, err := f.Seek(byteOffset, 0); err != nil {
			return nil, err
		}
	}

	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

// currentSize returns the current size of bus.jsonl, for advancing a
// reader's byte_offset to "caught up".
func (b *Bus) currentSize() int64 {
	info, err := os.Stat(b.busPath())
	if err != nil {
		return 0
	}
	return info.Size()
}

// Filter narrows ReadMessages to a recipient's role/agent name (spec §4.5).
type Filter struct {
	Role      string
	AgentName string
}

// ReadMessages implements spec §4.5's readMessages(sessionId, {role,
// agentName}): seeks to the cursor's byte_offset, parses forward, filters
// out own-sent and already-seen ids, keeps messages addressed to this
// reader (direct, broadcast, role, agent name, or untargeted), and returns
// them sorted by priority with sequence as tiebreaker — priority ordering
// is per-batch only, per spec.
func (b *Bus) ReadMessages(sessionID string, filter Filter) ([]Message, error) {
	cursor, err := b.loadCursor(sessionID)
	if err != nil {
		return nil, err
	}

	all, err := readMessagesFrom(b.busPath(), cursor.ByteOffset)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(cursor.ProcessedIDs))
	for _, id := range cursor.ProcessedIDs {
		seen[id] = true
	}

	var batch []Message
	for _, m := range all {
		if m.From == sessionID {
			continue
		}
		if seen[m.ID] {
			continue
		}
		if !addressedTo(m, sessionID, filter) {
			continue
		}
		batch = append(batch, m)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		pi, pj := batch[i].Priority.rank(), batch[j].Priority.rank()
		if pi != pj {
			return pi < pj
		}
		return batch[i].Seq < batch[j].Seq
	})

	cursor.ByteOffset = b.currentSize()
	for _, m := range batch {
		if m.Seq > cursor.LastSeq {
			cursor.LastSeq = m.Seq
		}
		cursor.ProcessedIDs = append(cursor.ProcessedIDs, m.ID)
	}
	if len(cursor.ProcessedIDs) > maxProcessedIDs {
		cursor.ProcessedIDs = cursor.ProcessedIDs[len(cursor.ProcessedIDs)-maxProcessedIDs:]
	}
	if err := b.saveCursor(cursor); err != nil {
		return nil, err
	}

	return batch, nil
}

func addressedTo(m Message, sessionID string, filter Filter) bool {
	if m.To == sessionID || m.To == "*" {
		return true
	}
	if m.ToRole != "" && filter.Role != "" && m.ToRole == filter.Role {
		return true
	}
	if m.ToAgent != "" && filter.AgentName != "" && m.ToAgent == filter.AgentName {
		return true
	}
	if m.To == "" && m.ToRole == "" && m.ToAgent == "" {
		return true
	}
	return false
}
