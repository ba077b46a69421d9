// Package bot holds the configured bot registry and drives the external
// language-model worker that produces replies.
package bot

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrBotNotFound = errors.New("bot not found")

// Bot is immutable once loaded; reload replaces the whole registry snapshot.
type Bot struct {
	ID          string `yaml:"id"`
	BrainRef    string `yaml:"brain"`
	AccessToken string `yaml:"access_token,omitempty"`
	WebOnly     bool   `yaml:"web_only,omitempty"`
	DisplayName string `yaml:"display_name,omitempty"`
}

func (b Bot) Name() string {
	if strings.TrimSpace(b.DisplayName) != "" {
		return b.DisplayName
	}
	return b.ID
}

// ConfigurationError marks an invalid bot definition. It is fatal at boot and
// rejects the offending bot on reload.
type ConfigurationError struct {
	BotID  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.BotID == "" {
		return fmt.Sprintf("bot configuration invalid: %s", e.Reason)
	}
	return fmt.Sprintf("bot %q configuration invalid: %s", e.BotID, e.Reason)
}

// Validate enforces the boot contract: an id, a brain reference, and either
// an access token or an explicit web-only marker.
func (b Bot) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return &ConfigurationError{Reason: "id is required"}
	}
	if strings.TrimSpace(b.BrainRef) == "" {
		return &ConfigurationError{BotID: b.ID, Reason: "brain reference is required"}
	}
	if strings.TrimSpace(b.AccessToken) == "" && !b.WebOnly {
		return &ConfigurationError{BotID: b.ID, Reason: "access token or web_only is required"}
	}
	return nil
}

type botsFile struct {
	Bots []Bot `yaml:"bots"`
}

// LoadBotsFile reads the bot definitions from a YAML file. Definitions are
// validated individually so one broken bot names itself in the error.
func LoadBotsFile(path string) ([]Bot, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bots file: %w", err)
	}
	var file botsFile
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("decode bots file: %w", err)
	}
	seen := make(map[string]bool, len(file.Bots))
	for _, b := range file.Bots {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if seen[b.ID] {
			return nil, &ConfigurationError{BotID: b.ID, Reason: "duplicate id"}
		}
		seen[b.ID] = true
	}
	return file.Bots, nil
}
