// Package channel implements the external-channel conversation handler
// (spec §4.14): a thin dispatcher that drains an inbound message queue,
// authenticates and rate-limits each sender, runs a small fixed action
// table (status, approvals, pause/resume, kill_agent, budget, ...), and
// writes replies back out — all state kept in flat JSON/JSONL files under
// <town>/.pilot/channel, in the same one-file-per-concern style the rest
// of Pilot's state managers use.
package channel

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// InboundRecord is one message arriving from the external channel.
type InboundRecord struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TS        time.Time `json:"ts"`
}

// OutboundRecord is one reply the handler sends back out.
type OutboundRecord struct {
	ChatID string    `json:"chat_id"`
	Text   string    `json:"text"`
	TS     time.Time `json:"ts"`
}

// Transport delivers inbound records and accepts outbound ones. FileTransport
// is the default (spec §4.14's channel_in.jsonl/channel_out.jsonl); a real
// integration (Slack, email, a chat SDK) implements the same interface and
// is wired in by whatever owns the actual channel connection.
type Transport interface {
	Poll() ([]InboundRecord, error)
	Send(OutboundRecord) error
}

// FileTransport implements Transport over two JSONL files: an inbox the
// external channel integration appends to, and an outbox this handler
// appends its replies to. Grounded on internal/bus's reader.go cursor
// design — a small persisted byte offset rather than consuming/deleting
// inbox lines, so re-reading after a crash never drops a message.
type FileTransport struct {
	townRoot string
}

// NewFileTransport returns a FileTransport rooted at townRoot.
func NewFileTransport(townRoot string) *FileTransport {
	return &FileTransport{townRoot: townRoot}
}

func (f *FileTransport) inPath() string {
	return filepath.Join(constants.ChannelDir(f.townRoot), constants.FileChannelIn)
}

func (f *FileTransport) outPath() string {
	return filepath.Join(constants.ChannelDir(f.townRoot), constants.FileChannelOut)
}

func (f *FileTransport) cursorPath() string {
	return filepath.Join(constants.ChannelDir(f.townRoot), ".channel_in.cursor")
}

type cursor struct {
	ByteOffset int64 `json:"byte_offset"`
}

func (f *FileTransport) loadCursor() (*cursor, error) {
	var c cursor
	if err := util.ReadJSON(f.cursorPath(), &c); err != nil {
		if os.IsNotExist(err) {
			return &cursor{}, nil
		}
		return nil, err
	}
	return &c, nil
}

// Poll returns every inbound record appended since the last call, advancing
// the persisted cursor to end-of-file.
func (f *FileTransport) Poll() ([]InboundRecord, error) {
	c, err := f.loadCursor()
	if err != nil {
		return nil, err
	}

	path := f.inPath()
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	records, err := readInboundFrom(path, c.ByteOffset)
	if err != nil {
		return nil, err
	}

	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
		}
	}

	c.ByteOffset = info.Size()
	if err := util.AtomicWriteJSON(f.cursorPath(), c); err != nil {
		return nil, err
	}
	return records, nil
}

// readInboundFrom parses every JSONL record in path starting at byteOffset,
// mirroring bus/reader.go's readMessagesFrom.
func readInboundFrom(path string, byteOffset int64) ([]InboundRecord, error) {
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

	var out []InboundRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec InboundRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Send appends rec to the outbox.
func (f *FileTransport) Send(rec OutboundRecord) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	return util.AppendJSONLine(f.outPath(), rec)
}
