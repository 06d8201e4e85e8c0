package aisstream

import (
	"sync"
	"time"
)

// errorTail keeps the most recent error lines for snapshots.
type errorTail struct {
	mu           sync.Mutex
	maxLines     int
	maxLineBytes int
	lines        []string
}

func newErrorTail(maxLines int, maxLineBytes int) *errorTail {
	if maxLines < 0 {
		maxLines = 0
	}
	if maxLineBytes <= 0 {
		maxLineBytes = 1024
	}
	return &errorTail{maxLines: maxLines, maxLineBytes: maxLineBytes, lines: make([]string, 0, maxLines)}
}

func (t *errorTail) add(at time.Time, line string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxLines == 0 {
		return
	}
	if len(line) > t.maxLineBytes {
		line = line[:t.maxLineBytes]
	}
	line = at.UTC().Format(time.RFC3339) + " " + line
	if len(t.lines) < t.maxLines {
		t.lines = append(t.lines, line)
		return
	}
	copy(t.lines, t.lines[1:])
	t.lines[len(t.lines)-1] = line
}

func (t *errorTail) snapshot() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines...)
	return out
}
