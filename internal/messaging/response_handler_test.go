package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoProcessor replies with the inbound text and records events.
type echoProcessor struct {
	mu     sync.Mutex
	events []models.InboundEvent
	panics map[string]bool
}

func (p *echoProcessor) ProcessTurn(ctx context.Context, event models.InboundEvent) models.Reply {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	if p.panics[event.Text] {
		panic("processor exploded")
	}
	return models.TextReply("echo: " + event.Text)
}

func (p *echoProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func messengerEvent(sender, mid, text string) models.InboundEvent {
	return models.InboundEvent{Channel: models.ChannelMessenger, SenderID: sender, MessageID: mid, Text: text}
}

func newDedup(t *testing.T) *store.SQLiteDedup {
	t.Helper()
	d, err := store.NewSQLiteDedup("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestResponseHandler_DeliversReply(t *testing.T) {
	proc := &echoProcessor{}
	svc := NewMockService(models.ChannelMessenger)
	rh := NewResponseHandler(proc, nil, svc)

	status, err := rh.ProcessEvent(context.Background(), messengerEvent("U1", "m1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, status)

	sent := svc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "U1", sent[0].To)
	assert.Equal(t, "echo: hi", sent[0].Reply.Text)
	assert.Equal(t, []TypingEvent{{To: "U1", On: true}}, svc.Typing())
}

func TestResponseHandler_InvalidEvent(t *testing.T) {
	proc := &echoProcessor{}
	rh := NewResponseHandler(proc, nil, NewMockService(models.ChannelMessenger))

	_, err := rh.ProcessEvent(context.Background(), messengerEvent("", "m1", "hi"))
	assert.ErrorIs(t, err, models.ErrEmptySender)
	_, err = rh.ProcessEvent(context.Background(), messengerEvent("U1", "m2", " "))
	assert.ErrorIs(t, err, models.ErrEmptyEvent)
	assert.Equal(t, 0, proc.count())
}

func TestResponseHandler_UnknownChannel(t *testing.T) {
	rh := NewResponseHandler(&echoProcessor{}, nil, NewMockService(models.ChannelMessenger))
	event := models.InboundEvent{Channel: models.ChannelWhatsApp, SenderID: "+15551234567", Text: "hi"}

	_, err := rh.ProcessEvent(context.Background(), event)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.True(t, rh.HasChannel(models.ChannelMessenger))
	assert.False(t, rh.HasChannel(models.ChannelWhatsApp))
}

func TestResponseHandler_DeliveryFailureIsNotAnError(t *testing.T) {
	svc := NewMockService(models.ChannelMessenger)
	svc.Err = errors.New("send API down")
	rh := NewResponseHandler(&echoProcessor{}, nil, svc)

	status, err := rh.ProcessEvent(context.Background(), messengerEvent("U1", "m1", "hi"))
	assert.NoError(t, err)
	assert.Equal(t, models.MessageStatusFailed, status)
}

func TestResponseHandler_Deduplicates(t *testing.T) {
	proc := &echoProcessor{}
	svc := NewMockService(models.ChannelMessenger)
	dedup := newDedup(t)
	rh := NewResponseHandler(proc, dedup, svc)

	status, err := rh.ProcessEvent(context.Background(), messengerEvent("U1", "m1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, status)

	status, err = rh.ProcessEvent(context.Background(), messengerEvent("U1", "m1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDuplicate, status)

	// Events without a message id are never deduplicated.
	rh.ProcessEvent(context.Background(), messengerEvent("U1", "", "again"))
	rh.ProcessEvent(context.Background(), messengerEvent("U1", "", "again"))

	assert.Equal(t, 3, proc.count())
	assert.Len(t, svc.Sent(), 3)
}

func TestResponseHandler_ProcessEventsIsolatesFailures(t *testing.T) {
	proc := &echoProcessor{panics: map[string]bool{"boom": true}}
	svc := NewMockService(models.ChannelMessenger)
	rh := NewResponseHandler(proc, nil, svc)

	rh.ProcessEvents(context.Background(), []models.InboundEvent{
		messengerEvent("U1", "m1", "first"),
		messengerEvent("", "m2", "no sender"),
		messengerEvent("U2", "m3", "boom"),
		messengerEvent("U3", "m4", "last"),
	})

	sent := svc.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "echo: first", sent[0].Reply.Text)
	assert.Equal(t, "echo: last", sent[1].Reply.Text)
}
