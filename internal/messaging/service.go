// Package messaging delivers replies to users and runs the per-event turn boundary.
package messaging

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// Error variables for delivery
var (
	ErrUnknownChannel = errors.New("no messaging service registered for channel")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyReply     = errors.New("reply text cannot be empty")
)

// Service defines a pluggable message delivery abstraction for one channel.
type Service interface {
	// Channel returns the channel this service delivers on.
	Channel() models.Channel

	// SendMessage delivers reply to a recipient, splitting it when the channel requires.
	SendMessage(ctx context.Context, to string, reply models.Reply) error

	// SendTypingIndicator toggles the typing indicator where the channel supports it.
	SendTypingIndicator(ctx context.Context, to string, on bool) error
}

// SplitMessage breaks text into parts of at most limit runes, preferring to
// cut at whitespace. A limit <= 0 returns text unchanged.
func SplitMessage(text string, limit int) []string {
	runes := []rune(strings.TrimSpace(text))
	if limit <= 0 || len(runes) <= limit {
		return []string{string(runes)}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		part := strings.TrimSpace(string(runes[:cut]))
		if part != "" {
			parts = append(parts, part)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
