package terminal

import (
	"strings"
	"sync"

	"troupe/internal/buffer"
)

const DefaultBufferLines = 1000

// OutputBuffer keeps the scrollback tail so late subscribers can replay what
// the terminal printed before they attached. A partial line without a
// trailing newline is carried until the newline arrives.
type OutputBuffer struct {
	mu       sync.Mutex
	maxLines int
	lines    *buffer.Ring[string]
	carry    string
}

func NewOutputBuffer(maxLines int) *OutputBuffer {
	if maxLines <= 0 {
		maxLines = DefaultBufferLines
	}

	return &OutputBuffer{
		maxLines: maxLines,
		lines:    buffer.NewRing[string](maxLines),
	}
}

func (b *OutputBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	chunk := b.carry + string(data)
	parts := strings.Split(chunk, "\n")
	if chunk[len(chunk)-1] != '\n' {
		b.carry = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	} else {
		b.carry = ""
		parts = parts[:len(parts)-1]
	}

	for _, line := range parts {
		b.lines.Add(line)
	}
}

func (b *OutputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := b.lines.List()
	if lines == nil {
		lines = []string{}
	}
	if b.carry != "" {
		lines = append(lines, b.carry)
	}
	return lines
}

func (b *OutputBuffer) Tail(maxLines int) []string {
	lines := b.Lines()
	if maxLines <= 0 || len(lines) <= maxLines {
		return lines
	}
	return lines[len(lines)-maxLines:]
}
