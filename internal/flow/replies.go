package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"gopkg.in/yaml.v3"
)

// Replies is the catalog of fixed texts the processor sends.
type Replies struct {
	Menu             string              `yaml:"menu"`
	MenuOptions      []models.QuickReply `yaml:"menu_options"`
	PasscodePrompt   string              `yaml:"passcode_prompt"`
	AccessGranted    string              `yaml:"access_granted"`
	PasscodeRejected string              `yaml:"passcode_rejected"`
	QuestionPrompt   string              `yaml:"question_prompt"`
	SendImage        string              `yaml:"send_image"`
	InvalidOption    string              `yaml:"invalid_option"`
	EmptyFallback    string              `yaml:"empty_fallback"`
	RepeatFallback   string              `yaml:"repeat_fallback"`
	Apology          string              `yaml:"apology"`
}

// DefaultReplies returns the built-in reply catalog.
func DefaultReplies() Replies {
	return Replies{
		Menu: "Hi! What would you like to do?\n1. Ask a question\n2. Describe an image",
		MenuOptions: []models.QuickReply{
			{Title: "Ask a question", Payload: PayloadAskQuestion},
			{Title: "Describe an image", Payload: PayloadDescribeImage},
		},
		PasscodePrompt:   "Please enter the passcode to continue.",
		AccessGranted:    "Access granted.",
		PasscodeRejected: "Incorrect passcode. Please try again.",
		QuestionPrompt:   "Sure, what is your question?",
		SendImage:        "Please send an image.",
		InvalidOption:    "Invalid option. Please reply with 1 to ask a question or 2 to describe an image.",
		EmptyFallback:    "I'm sorry, I couldn't generate a response. Could you rephrase that?",
		RepeatFallback:   "I already answered that — can you ask something else?",
		Apology:          "Sorry, I'm having trouble responding right now.",
	}
}

// LoadReplies reads a YAML reply catalog from path on top of the defaults.
// Keys missing from the file keep their default text. An empty path or a
// missing file yields the defaults.
func LoadReplies(path string) (Replies, error) {
	replies := DefaultReplies()
	if path == "" {
		return replies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("LoadReplies: replies file not found, using defaults", "path", path)
			return replies, nil
		}
		return replies, fmt.Errorf("failed to read replies file: %w", err)
	}

	var override Replies
	if err := yaml.Unmarshal(data, &override); err != nil {
		return replies, fmt.Errorf("failed to parse replies file %s: %w", path, err)
	}
	replies.merge(override)
	slog.Debug("LoadReplies: loaded reply catalog", "path", path)
	return replies, nil
}

func (r *Replies) merge(o Replies) {
	set := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	set(&r.Menu, o.Menu)
	set(&r.PasscodePrompt, o.PasscodePrompt)
	set(&r.AccessGranted, o.AccessGranted)
	set(&r.PasscodeRejected, o.PasscodeRejected)
	set(&r.QuestionPrompt, o.QuestionPrompt)
	set(&r.SendImage, o.SendImage)
	set(&r.InvalidOption, o.InvalidOption)
	set(&r.EmptyFallback, o.EmptyFallback)
	set(&r.RepeatFallback, o.RepeatFallback)
	set(&r.Apology, o.Apology)
	if len(o.MenuOptions) > 0 {
		r.MenuOptions = o.MenuOptions
	}
}
