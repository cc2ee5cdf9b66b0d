package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/goccy/go-json"
)

// eventReceived is the body Messenger expects on accepted webhook posts.
const eventReceived = "EVENT_RECEIVED"

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// webhookBody is the Messenger webhook payload.
// Entries and events stay raw until inboundEvents decodes them one by one.
type webhookBody struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type webhookEntry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

type messagingEvent struct {
	Sender    *webhookParty    `json:"sender"`
	Recipient *webhookParty    `json:"recipient"`
	Timestamp int64            `json:"timestamp"`
	Message   *webhookMessage  `json:"message"`
	Postback  *webhookPostback `json:"postback"`
}

type webhookParty struct {
	ID string `json:"id"`
}

type webhookMessage struct {
	MID         string              `json:"mid"`
	Text        string              `json:"text"`
	IsEcho      bool                `json:"is_echo"`
	QuickReply  *webhookQuickReply  `json:"quick_reply"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookQuickReply struct {
	Payload string `json:"payload"`
}

type webhookAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type webhookPostback struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// verifyHandler answers the Messenger subscription handshake.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if token == "" || token != s.verifyToken || (mode != "" && mode != "subscribe") {
		slog.Warn("Server.verifyHandler: verification failed", "mode", mode, "token_set", token != "")
		writeTextResponse(w, http.StatusForbidden, "Verification token mismatch")
		return
	}
	slog.Info("Server.verifyHandler: webhook verified")
	writeTextResponse(w, http.StatusOK, q.Get("hub.challenge"))
}

// messengerWebhookHandler acknowledges a batch of Messenger events and processes it in the background.
func (s *Server) messengerWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Error("Server.messengerWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("Server.messengerWebhookHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if payload.Object != "" && payload.Object != "page" {
		slog.Warn("Server.messengerWebhookHandler: ignoring non-page object", "object", payload.Object)
		writeTextResponse(w, http.StatusOK, eventReceived)
		return
	}

	events := inboundEvents(payload)
	slog.Debug("Server.messengerWebhookHandler: events parsed", "entries", len(payload.Entry), "events", len(events))

	// Messenger expects the acknowledgement within seconds; model calls may take longer.
	if len(events) > 0 {
		s.dispatch(r, func(ctx context.Context) {
			s.respHandler.ProcessEvents(ctx, events)
		})
	}
	writeTextResponse(w, http.StatusOK, eventReceived)
}

// inboundEvents flattens every entry into models.InboundEvent values, dropping
// entries and events that do not decode, events without a sender, echoes and
// events carrying neither message nor postback.
func inboundEvents(payload webhookBody) []models.InboundEvent {
	var events []models.InboundEvent
	for i, rawEntry := range payload.Entry {
		var entry webhookEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			slog.Warn("Server: dropping malformed webhook entry", "entry", i, "error", err)
			continue
		}
		for j, rawEvent := range entry.Messaging {
			var ev messagingEvent
			if err := json.Unmarshal(rawEvent, &ev); err != nil {
				slog.Warn("Server: dropping malformed messaging event", "entry", i, "event", j, "error", err)
				continue
			}
			event, ok := inboundEvent(ev)
			if !ok {
				continue
			}
			events = append(events, event)
		}
	}
	return events
}

func inboundEvent(ev messagingEvent) (models.InboundEvent, bool) {
	if ev.Sender == nil || strings.TrimSpace(ev.Sender.ID) == "" {
		slog.Warn("Server: dropping messaging event without sender")
		return models.InboundEvent{}, false
	}
	event := models.InboundEvent{
		Channel:   models.ChannelMessenger,
		SenderID:  ev.Sender.ID,
		Timestamp: eventTime(ev.Timestamp),
	}

	switch {
	case ev.Message != nil:
		if ev.Message.IsEcho {
			return models.InboundEvent{}, false
		}
		event.MessageID = ev.Message.MID
		event.Text = ev.Message.Text
		if ev.Message.QuickReply != nil {
			event.Payload = ev.Message.QuickReply.Payload
		}
		for _, a := range ev.Message.Attachments {
			switch {
			case a.Type == "image" && a.Payload.URL != "":
				event.ImageURLs = append(event.ImageURLs, a.Payload.URL)
			case a.Type != "":
				event.OtherAttachments = append(event.OtherAttachments, a.Type)
			}
		}
	case ev.Postback != nil:
		event.MessageID = ev.Postback.MID
		event.Text = ev.Postback.Title
		event.Payload = ev.Postback.Payload
	default:
		slog.Warn("Server: dropping messaging event without message or postback", "sender", ev.Sender.ID)
		return models.InboundEvent{}, false
	}
	return event, true
}

func eventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// twilioWebhookHandler processes one inbound WhatsApp message posted by Twilio.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if !s.validTwilioSignature(r) {
		slog.Warn("Server.twilioWebhookHandler: invalid Twilio signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	from, err := messaging.ValidateAndCanonicalizeRecipient(r.FormValue("From"))
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid sender", "from", r.FormValue("From"), "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	event := models.InboundEvent{
		Channel:   models.ChannelWhatsApp,
		SenderID:  from,
		MessageID: r.FormValue("MessageSid"),
		Text:      r.FormValue("Body"),
		Timestamp: time.Now(),
	}
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	for i := 0; i < numMedia && i < models.MaxInboundImages; i++ {
		contentType := r.FormValue(fmt.Sprintf("MediaContentType%d", i))
		mediaURL := r.FormValue(fmt.Sprintf("MediaUrl%d", i))
		switch {
		case strings.HasPrefix(contentType, "image/") && mediaURL != "":
			event.ImageURLs = append(event.ImageURLs, mediaURL)
		case contentType != "":
			event.OtherAttachments = append(event.OtherAttachments, contentType)
		}
	}

	slog.Info("Server.twilioWebhookHandler: inbound WhatsApp message", "from", from, "images", len(event.ImageURLs))
	s.dispatch(r, func(ctx context.Context) {
		if _, err := s.respHandler.ProcessEvent(ctx, event); err != nil {
			slog.Warn("Server.twilioWebhookHandler: event not processed", "from", from, "error", err)
		}
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// validTwilioSignature checks X-Twilio-Signature against the parsed form.
// Validation is skipped when no auth token is configured.
func (s *Server) validTwilioSignature(r *http.Request) bool {
	if s.twilioValidator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	webhookURL := s.twilioWebhookURL
	if webhookURL == "" {
		webhookURL = requestURL(r)
	}
	return s.twilioValidator.Validate(webhookURL, params, r.Header.Get("X-Twilio-Signature"))
}

// requestURL rebuilds the absolute URL the client posted to.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// healthHandler reports liveness, the number of live sessions and the relay counters.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"active_sessions": s.sessions.Count(),
	}
	if s.metrics != nil {
		totals, err := counterTotals(r.Context(), s.metrics)
		if err != nil {
			slog.Warn("Server.healthHandler: metrics unavailable", "error", err)
		} else {
			healthData["metrics"] = totals
		}
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", healthData))
}
