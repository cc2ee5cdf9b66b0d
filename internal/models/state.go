// Package models defines dialogue state structures for PromptRelay.
package models

import "time"

// Mode is the dialogue state governing how the next inbound message is read.
type Mode string

const (
	// ModeUnset is the mode of a freshly created session.
	ModeUnset Mode = "unset"
	// ModeAwaitingPasscode waits for the configured passcode.
	ModeAwaitingPasscode Mode = "awaiting_passcode"
	// ModeChoosingOption waits for a menu selection.
	ModeChoosingOption Mode = "choosing_option"
	// ModeAskQuestion forwards text to the text model.
	ModeAskQuestion Mode = "ask_question"
	// ModeDescribeImage forwards images to the vision model.
	ModeDescribeImage Mode = "describe_image"
)

// IsValidMode checks if the given mode is one of the known dialogue modes.
func IsValidMode(m Mode) bool {
	switch m {
	case ModeUnset, ModeAwaitingPasscode, ModeChoosingOption, ModeAskQuestion, ModeDescribeImage:
		return true
	default:
		return false
	}
}

// Session is the conversational state kept for one user.
type Session struct {
	UserID               string    `json:"user_id"`
	Authenticated        bool      `json:"authenticated"`
	Mode                 Mode      `json:"mode"`
	MessageHistory       []string  `json:"message_history"`
	LastImageDescription string    `json:"last_image_description,omitempty"`
	RecentResponses      []string  `json:"recent_responses"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// LastResponse returns the most recent recorded bot reply, or "" if none.
func (s *Session) LastResponse() string {
	if len(s.RecentResponses) == 0 {
		return ""
	}
	return s.RecentResponses[len(s.RecentResponses)-1]
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() Session {
	c := *s
	c.MessageHistory = append([]string(nil), s.MessageHistory...)
	c.RecentResponses = append([]string(nil), s.RecentResponses...)
	return c
}
