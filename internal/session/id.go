package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// NewID generates a session identity of shape S-<base36-ts>-<4hex> (spec §3).
func NewID() string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("S-%s-%s", ts, hex.EncodeToString(b[:]))
}
