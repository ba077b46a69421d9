package bot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BrainSource supplies the personality preamble injected on the first turn of
// a conversation. Later turns resume the worker session, which already holds
// the preamble in its own context.
type BrainSource interface {
	Preamble(b Bot) (string, error)
}

// FileBrainSource resolves brain references to markdown files under Dir.
type FileBrainSource struct {
	Dir string
}

func (s *FileBrainSource) Preamble(b Bot) (string, error) {
	if s == nil || s.Dir == "" {
		return fallbackPreamble(b), nil
	}
	ref := filepath.Base(strings.TrimSpace(b.BrainRef))
	for _, name := range []string{ref + ".md", ref + ".txt", ref} {
		payload, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err == nil {
			return strings.TrimSpace(string(payload)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read brain %q: %w", ref, err)
		}
	}
	return fallbackPreamble(b), nil
}

func fallbackPreamble(b Bot) string {
	return fmt.Sprintf("You are %s. Answer the user's messages directly and stay in character.", b.Name())
}
