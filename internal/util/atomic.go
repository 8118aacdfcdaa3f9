// Package util provides small filesystem and process helpers shared by
// Pilot's components: atomic JSON writes, append-one-line JSONL writes, and
// process liveness checks. These mirror the primitives gastown hand-rolls
// per-package (quota.Manager, witness.Manager, nudge.Enqueue/Drain) but
// collected in one place since Pilot's every stateful component needs them.
package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteJSON marshals v and writes it to path via write-temp-then-rename,
// so readers never observe a partially written file. The temp file lives in
// the same directory as path so the rename is guaranteed to be on the same
// filesystem (and therefore atomic on POSIX).
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return AtomicWriteFile(path, data)
}

// AtomicWriteFile writes data to path via write-temp-then-rename.
func AtomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}

// ReadJSON reads and unmarshals path into v. It retries once on parse
// failure, tolerating a reader racing an in-progress atomic write — the
// rename should make that impossible, but a single retry is cheap insurance
// against filesystems with weaker rename semantics.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		data2, rerr := os.ReadFile(path)
		if rerr != nil {
			return err
		}
		if err2 := json.Unmarshal(data2, v); err2 != nil {
			return err
		}
	}
	return nil
}

// EnsureDirAndWriteJSON creates the parent directory (if needed) then
// atomically writes v as JSON to path.
func EnsureDirAndWriteJSON(path string, v any) error {
	return AtomicWriteJSON(path, v)
}

// AppendJSONLine marshals v to a single JSON line and appends it to path in
// one write(2) call, assembling the full line in memory first. Splitting a
// JSONL record across multiple writes would let a concurrent reader observe
// a half-written line; this function never does that.
func AppendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling line for %s: %w", path, err)
	}
	return AppendLine(path, data)
}

// AppendLine appends data plus a trailing newline to path in a single write
// call, creating the parent directory and the file if needed.
func AppendLine(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}
