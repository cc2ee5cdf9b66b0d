package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// SentReply is one reply captured by MockService.
type SentReply struct {
	To    string
	Reply models.Reply
}

// TypingEvent is one typing indicator captured by MockService.
type TypingEvent struct {
	To string
	On bool
}

// MockService records deliveries for tests.
type MockService struct {
	mu      sync.Mutex
	channel models.Channel
	sent    []SentReply
	typing  []TypingEvent
	// Err, when set, is returned by SendMessage.
	Err error
}

// NewMockService creates a MockService for channel.
func NewMockService(channel models.Channel) *MockService {
	return &MockService{channel: channel}
}

// Channel returns the configured channel.
func (m *MockService) Channel() models.Channel {
	return m.channel
}

// SendMessage records the reply, or returns Err when set.
func (m *MockService) SendMessage(ctx context.Context, to string, reply models.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentReply{To: to, Reply: reply})
	return nil
}

// SendTypingIndicator records the typing event.
func (m *MockService) SendTypingIndicator(ctx context.Context, to string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, TypingEvent{To: to, On: on})
	return nil
}

// Sent returns a copy of the recorded replies.
func (m *MockService) Sent() []SentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentReply(nil), m.sent...)
}

// Typing returns a copy of the recorded typing events.
func (m *MockService) Typing() []TypingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TypingEvent(nil), m.typing...)
}
