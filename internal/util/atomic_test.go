package util

import (
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestAtomicWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sample.json")

	in := sample{Name: "toast", N: 7}
	if err := AtomicWriteJSON(path, in); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}

	var out sample
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestAtomicWriteJSONOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")

	if err := AtomicWriteJSON(path, sample{Name: "a", N: 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWriteJSON(path, sample{Name: "b", N: 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	var out sample
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out.Name != "b" || out.N != 2 {
		t.Fatalf("got %+v, want b/2", out)
	}
}

func TestAppendJSONLineAppendsOneRecordPerCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	for i := 0; i < 3; i++ {
		if err := AppendJSONLine(path, sample{Name: "rec", N: i}); err != nil {
			t.Fatalf("AppendJSONLine: %v", err)
		}
	}

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
}

func TestSanitizeTaskID(t *testing.T) {
	cases := map[string]string{
		"T-123":           "t-123",
		"Rm -rf /":        "rm-rf",
		"UPPER_case-1":    "upper_case-1",
		"":                "task",
		"  leading-dash-": "leading-dash",
	}
	for in, want := range cases {
		if got := SanitizeTaskID(in); got != want {
			t.Errorf("SanitizeTaskID(%q) = %q, want %q", in, got, want)
		}
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(data[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}
