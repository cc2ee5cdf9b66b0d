package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/google/uuid"
)

// Processor turns one inbound event into the reply to deliver.
type Processor interface {
	ProcessTurn(ctx context.Context, event models.InboundEvent) models.Reply
}

// ResponseHandler is the turn boundary: it validates and deduplicates inbound
// events, runs them through the processor and delivers the reply on the
// event's channel. Failures stay local to the event.
type ResponseHandler struct {
	processor Processor
	services  map[models.Channel]Service
	dedup     store.DedupRepo
}

// NewResponseHandler creates a ResponseHandler delivering through services.
// dedup may be nil to disable deduplication.
func NewResponseHandler(processor Processor, dedup store.DedupRepo, services ...Service) *ResponseHandler {
	rh := &ResponseHandler{
		processor: processor,
		services:  make(map[models.Channel]Service, len(services)),
		dedup:     dedup,
	}
	for _, svc := range services {
		if svc == nil {
			continue
		}
		rh.services[svc.Channel()] = svc
	}
	return rh
}

// HasChannel reports whether a delivery service is registered for channel.
func (rh *ResponseHandler) HasChannel(channel models.Channel) bool {
	_, ok := rh.services[channel]
	return ok
}

// ProcessEvent handles one inbound event end to end. Delivery failures are
// logged and reported through the status only; the returned error covers
// events that could not be processed at all.
func (rh *ResponseHandler) ProcessEvent(ctx context.Context, event models.InboundEvent) (status models.MessageStatus, err error) {
	turnID := uuid.NewString()
	log := slog.With("turn_id", turnID, "channel", event.Channel, "sender", event.SenderID, "mid", event.MessageID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("ResponseHandler.ProcessEvent: recovered from panic", "panic", r, "stack", string(debug.Stack()))
			status = models.MessageStatusFailed
			err = fmt.Errorf("panic while processing event: %v", r)
		}
	}()

	if err := event.Validate(); err != nil {
		log.Warn("ResponseHandler.ProcessEvent: dropping invalid event", "error", err)
		return models.MessageStatusFailed, err
	}
	svc, ok := rh.services[event.Channel]
	if !ok {
		log.Error("ResponseHandler.ProcessEvent: no service for channel")
		return models.MessageStatusFailed, fmt.Errorf("%w: %s", ErrUnknownChannel, event.Channel)
	}

	if rh.dedup != nil && event.MessageID != "" {
		first, err := rh.dedup.RecordInbound(event.MessageID, event.SessionKey())
		if err != nil {
			log.Warn("ResponseHandler.ProcessEvent: dedup record failed, processing anyway", "error", err)
		} else if !first {
			log.Info("ResponseHandler.ProcessEvent: duplicate event ignored")
			return models.MessageStatusDuplicate, nil
		}
	}

	if err := svc.SendTypingIndicator(ctx, event.SenderID, true); err != nil {
		log.Debug("ResponseHandler.ProcessEvent: typing indicator failed", "error", err)
	}

	reply := rh.processor.ProcessTurn(ctx, event)
	log.Debug("ResponseHandler.ProcessEvent: turn processed", "reply_length", len(reply.Text), "quick_replies", len(reply.QuickReplies))

	status = models.MessageStatusSent
	if err := svc.SendMessage(ctx, event.SenderID, reply); err != nil {
		log.Error("ResponseHandler.ProcessEvent: delivery failed", "error", err)
		status = models.MessageStatusFailed
	}

	if rh.dedup != nil && event.MessageID != "" {
		if err := rh.dedup.MarkProcessed(event.MessageID); err != nil {
			log.Warn("ResponseHandler.ProcessEvent: failed to mark event processed", "error", err)
		}
	}
	return status, nil
}

// ProcessEvents handles a webhook batch in order. One failing event never
// stops its siblings.
func (rh *ResponseHandler) ProcessEvents(ctx context.Context, events []models.InboundEvent) {
	for _, event := range events {
		status, err := rh.ProcessEvent(ctx, event)
		if err != nil {
			slog.Warn("ResponseHandler.ProcessEvents: event skipped", "sender", event.SenderID, "error", err)
			continue
		}
		slog.Debug("ResponseHandler.ProcessEvents: event handled", "sender", event.SenderID, "status", status)
	}
}
