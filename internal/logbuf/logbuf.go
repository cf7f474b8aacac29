// Package logbuf keeps a bounded in-memory tail of the bridge's log output
// so it can be shipped to the cloud on request.
package logbuf

import (
	"strings"
	"sync"
)

// Buffer is a fixed-capacity ring of log lines. It implements io.Writer so
// it can be tee'd from the logger; writes never fail and never block on I/O.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	cap   int

	partial strings.Builder
}

// New creates a buffer retaining the most recent capacity lines.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Write appends log output, splitting it into lines. Incomplete trailing
// lines are held back until the newline arrives.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range string(p) {
		if c == '\n' {
			b.push(b.partial.String())
			b.partial.Reset()
			continue
		}
		b.partial.WriteRune(c)
	}
	return len(p), nil
}

func (b *Buffer) push(line string) {
	if line == "" {
		return
	}
	b.lines[b.next] = line
	b.next = (b.next + 1) % b.cap
	if b.next == 0 {
		b.full = true
	}
}

// Lines returns up to n most recent lines, oldest first. n <= 0 returns
// everything retained.
func (b *Buffer) Lines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all []string
	if b.full {
		all = append(all, b.lines[b.next:]...)
		all = append(all, b.lines[:b.next]...)
	} else {
		all = append(all, b.lines[:b.next]...)
	}

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len returns the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return b.cap
	}
	return b.next
}
