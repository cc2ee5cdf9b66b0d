// Package models defines the core data structures for PromptRelay.
//
// It includes the inbound event and outbound reply types shared by the webhook
// handlers, the turn processor and the messaging services.
package models

import (
	"errors"
	"strings"
	"time"
)

// Channel identifies the messaging platform an event arrived on.
type Channel string

const (
	// ChannelMessenger is Facebook Messenger (Graph API webhooks + Send API).
	ChannelMessenger Channel = "messenger"
	// ChannelWhatsApp is WhatsApp delivered through Twilio.
	ChannelWhatsApp Channel = "whatsapp"
)

// Validation constants for inbound events
const (
	// MaxInboundTextLength caps the text accepted from a single inbound message.
	MaxInboundTextLength = 4096
	// MaxInboundImages caps the number of image attachments considered per event.
	MaxInboundImages = 10
)

// Error variables for better error handling and testability
var (
	ErrEmptySender    = errors.New("sender id cannot be empty")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrEmptyEvent     = errors.New("event carries no text, payload or attachment")
	ErrTextTooLong    = errors.New("message text exceeds maximum length")
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelMessenger, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

// InboundEvent is one user message received from a messaging platform.
type InboundEvent struct {
	Channel   Channel   `json:"channel"`
	SenderID  string    `json:"sender_id"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Payload   string    `json:"payload,omitempty"` // postback or quick-reply payload
	ImageURLs []string  `json:"image_urls,omitempty"`
	// OtherAttachments lists the types of attachments that are not images (audio, video, file).
	OtherAttachments []string  `json:"other_attachments,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// SessionKey returns the dialogue store key for the event's sender.
func (e InboundEvent) SessionKey() string {
	return string(e.Channel) + ":" + e.SenderID
}

// HasImage reports whether the event carries at least one image attachment.
func (e InboundEvent) HasImage() bool {
	return len(e.ImageURLs) > 0
}

// Validate performs basic validation on an inbound event.
func (e *InboundEvent) Validate() error {
	if strings.TrimSpace(e.SenderID) == "" {
		return ErrEmptySender
	}
	if !IsValidChannel(e.Channel) {
		return ErrInvalidChannel
	}
	if strings.TrimSpace(e.Text) == "" && strings.TrimSpace(e.Payload) == "" && !e.HasImage() && len(e.OtherAttachments) == 0 {
		return ErrEmptyEvent
	}
	if len(e.Text) > MaxInboundTextLength {
		return ErrTextTooLong
	}
	if len(e.ImageURLs) > MaxInboundImages {
		e.ImageURLs = e.ImageURLs[:MaxInboundImages]
	}
	return nil
}

// QuickReply is a tappable option attached to a reply.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Reply is the outbound message produced by one turn.
type Reply struct {
	Text         string       `json:"text"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
}

// TextReply builds a plain text reply.
func TextReply(text string) Reply {
	return Reply{Text: text}
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusDuplicate indicates an inbound message was already processed.
	MessageStatusDuplicate MessageStatus = "duplicate"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
