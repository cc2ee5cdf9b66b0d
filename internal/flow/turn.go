package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/genai"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"go.opentelemetry.io/otel/metric"
)

// DefaultModelTimeout bounds every model collaborator call.
const DefaultModelTimeout = 10 * time.Second

// ErrModelPanic wraps a panic raised inside the model collaborator.
var ErrModelPanic = errors.New("model collaborator panicked")

// Opts holds configuration options for the turn processor.
type Opts struct {
	Passcode         string
	Replies          Replies
	ModelTimeout     time.Duration
	ImageInstruction string
	MeterProvider    metric.MeterProvider
}

// Option defines a configuration option for the turn processor.
type Option func(*Opts)

// WithPasscode requires users to send passcode before reaching the menu.
func WithPasscode(passcode string) Option {
	return func(o *Opts) { o.Passcode = strings.TrimSpace(passcode) }
}

// WithReplies replaces the reply catalog.
func WithReplies(r Replies) Option {
	return func(o *Opts) { o.Replies = r }
}

// WithModelTimeout sets the per-call model timeout.
func WithModelTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ModelTimeout = d }
}

// WithImageInstruction sets the instruction sent alongside images.
func WithImageInstruction(instruction string) Option {
	return func(o *Opts) { o.ImageInstruction = instruction }
}

// WithMeterProvider sets the meter provider used for turn metrics.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *Opts) { o.MeterProvider = p }
}

// TurnProcessor runs the dialogue state machine for one inbound event at a time
// per session. Turns for different sessions run concurrently.
type TurnProcessor struct {
	store            *store.SessionStore
	model            Model
	passcode         string
	replies          Replies
	timeout          time.Duration
	imageInstruction string
	metrics          *turnMetrics
}

// NewTurnProcessor creates a turn processor over sessions and model.
func NewTurnProcessor(sessions *store.SessionStore, model Model, opts ...Option) *TurnProcessor {
	cfg := Opts{
		Replies:          DefaultReplies(),
		ModelTimeout:     DefaultModelTimeout,
		ImageInstruction: DefaultImageInstruction,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	slog.Debug("TurnProcessor created", "passcode_enabled", cfg.Passcode != "", "model_timeout", cfg.ModelTimeout)
	return &TurnProcessor{
		store:            sessions,
		model:            model,
		passcode:         cfg.Passcode,
		replies:          cfg.Replies,
		timeout:          cfg.ModelTimeout,
		imageInstruction: cfg.ImageInstruction,
		metrics:          newTurnMetrics(cfg.MeterProvider),
	}
}

// ProcessTurn applies event to the sender's session and returns the reply to deliver.
// The session lock is held for the whole turn, including the model call.
func (p *TurnProcessor) ProcessTurn(ctx context.Context, event models.InboundEvent) models.Reply {
	key := event.SessionKey()
	unlock := p.store.Lock(key)
	defer unlock()

	session := p.store.GetOrCreate(key)
	from := session.Mode
	reply, outcome := p.transition(ctx, session, event)

	slog.Debug("TurnProcessor.ProcessTurn: turn complete", "session", key, "from", from, "to", session.Mode, "outcome", outcome)
	p.metrics.turn(ctx, string(from), outcome)
	return reply
}

func (p *TurnProcessor) transition(ctx context.Context, session *models.Session, event models.InboundEvent) (models.Reply, string) {
	cmd := command(event)

	if cmd == keywordGetStarted || cmd == keywordMenu {
		if p.locked(session) {
			return p.requirePasscode(session), OutcomeControl
		}
		p.store.SetMode(session, models.ModeChoosingOption)
		return p.menu(""), OutcomeControl
	}

	// Sessions past the gate must have passed it.
	if p.locked(session) && session.Mode != models.ModeAwaitingPasscode {
		return p.requirePasscode(session), OutcomeControl
	}

	switch session.Mode {
	case models.ModeAwaitingPasscode:
		return p.checkPasscode(session, event), OutcomeControl
	case models.ModeChoosingOption:
		return p.chooseOption(session, cmd), OutcomeControl
	case models.ModeAskQuestion:
		return p.askQuestion(ctx, session, event)
	case models.ModeDescribeImage:
		return p.describeImage(ctx, session, event)
	default:
		if !models.IsValidMode(session.Mode) {
			slog.Warn("TurnProcessor: unknown mode, restarting dialogue", "session", session.UserID, "mode", session.Mode)
		}
		p.store.SetMode(session, models.ModeChoosingOption)
		return p.menu(""), OutcomeControl
	}
}

// locked reports whether session still has to pass the passcode gate.
func (p *TurnProcessor) locked(session *models.Session) bool {
	return p.passcode != "" && !session.Authenticated
}

func (p *TurnProcessor) requirePasscode(session *models.Session) models.Reply {
	p.store.SetMode(session, models.ModeAwaitingPasscode)
	return models.TextReply(p.replies.PasscodePrompt)
}

func (p *TurnProcessor) checkPasscode(session *models.Session, event models.InboundEvent) models.Reply {
	if !p.locked(session) {
		// Passcode cleared or already satisfied.
		p.store.SetMode(session, models.ModeChoosingOption)
		return p.menu("")
	}
	if !strings.EqualFold(strings.TrimSpace(event.Text), p.passcode) {
		slog.Info("TurnProcessor: passcode rejected", "session", session.UserID)
		return models.TextReply(p.replies.PasscodeRejected)
	}
	p.store.SetAuthenticated(session, true)
	p.store.SetMode(session, models.ModeChoosingOption)
	slog.Info("TurnProcessor: passcode accepted", "session", session.UserID)
	return p.menu(p.replies.AccessGranted)
}

func (p *TurnProcessor) chooseOption(session *models.Session, cmd string) models.Reply {
	switch cmd {
	case keywordAskQuestion, keywordAskForQuestion, "1":
		p.store.SetMode(session, models.ModeAskQuestion)
		return models.TextReply(p.replies.QuestionPrompt)
	case keywordDescribeImage, "2":
		p.store.SetMode(session, models.ModeDescribeImage)
		return models.TextReply(p.replies.SendImage)
	default:
		return p.menu(p.replies.InvalidOption)
	}
}

func (p *TurnProcessor) askQuestion(ctx context.Context, session *models.Session, event models.InboundEvent) (models.Reply, string) {
	if event.HasImage() {
		return p.describe(ctx, session, event.ImageURLs[0], strings.TrimSpace(event.Text))
	}
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return models.TextReply(p.replies.QuestionPrompt), OutcomeControl
	}

	p.store.AppendMessage(session, text)
	req := genai.QuestionRequest{
		History:      append([]string(nil), session.MessageHistory...),
		ImageContext: session.LastImageDescription,
	}
	out, err := p.callModel(ctx, "ask", func(ctx context.Context) (string, error) {
		return p.model.Ask(ctx, req)
	})
	return p.relay(ctx, session, out, err, nil)
}

func (p *TurnProcessor) describeImage(ctx context.Context, session *models.Session, event models.InboundEvent) (models.Reply, string) {
	text := strings.TrimSpace(event.Text)
	switch {
	case event.HasImage():
		return p.describe(ctx, session, event.ImageURLs[0], text)
	case isImageLink(text):
		return p.describe(ctx, session, text, "")
	default:
		return models.TextReply(p.replies.SendImage), OutcomeControl
	}
}

// describe sends imageURL to the vision model. A caption is kept in history.
func (p *TurnProcessor) describe(ctx context.Context, session *models.Session, imageURL, caption string) (models.Reply, string) {
	if caption != "" {
		p.store.AppendMessage(session, caption)
	}
	out, err := p.callModel(ctx, "describe_image", func(ctx context.Context) (string, error) {
		return p.model.DescribeImage(ctx, imageURL, p.imageInstruction)
	})
	return p.relay(ctx, session, out, err, func(description string) {
		p.store.RecordImageDescription(session, description)
	})
}

// relay turns a model result into the reply, applying the fallback policies.
// onSuccess runs only for usable output.
func (p *TurnProcessor) relay(ctx context.Context, session *models.Session, out string, err error, onSuccess func(string)) (models.Reply, string) {
	if err != nil {
		p.metrics.fallback(ctx, OutcomeError)
		return models.TextReply(p.replies.Apology), OutcomeError
	}

	text := strings.TrimSpace(out)
	if text == "" {
		slog.Warn("TurnProcessor: model returned empty output", "session", session.UserID)
		p.metrics.fallback(ctx, OutcomeEmpty)
		return models.TextReply(p.replies.EmptyFallback), OutcomeEmpty
	}

	if onSuccess != nil {
		onSuccess(text)
	}
	if text == session.LastResponse() {
		slog.Info("TurnProcessor: repeated model output replaced", "session", session.UserID)
		p.metrics.fallback(ctx, OutcomeRepeated)
		return models.TextReply(p.replies.RepeatFallback), OutcomeRepeated
	}
	p.store.RecordResponse(session, text)
	return models.TextReply(text), OutcomeOK
}

// callModel runs fn under the model timeout and converts panics into errors.
func (p *TurnProcessor) callModel(ctx context.Context, kind string, fn func(context.Context) (string, error)) (out string, err error) {
	if p.model == nil {
		return "", errors.New("no model configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrModelPanic, r)
		}
		outcome := OutcomeOK
		if err != nil {
			outcome = OutcomeError
			slog.Error("TurnProcessor: model call failed", "kind", kind, "duration", time.Since(start), "error", err)
		}
		p.metrics.modelCall(ctx, kind, outcome)
	}()

	out, err = fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, err
}

func (p *TurnProcessor) menu(prefix string) models.Reply {
	text := p.replies.Menu
	if prefix != "" {
		text = prefix + "\n\n" + text
	}
	return models.Reply{
		Text:         text,
		QuickReplies: append([]models.QuickReply(nil), p.replies.MenuOptions...),
	}
}

// command normalizes an event into the keyword the state machine matches on.
// Payloads take precedence over text.
func command(event models.InboundEvent) string {
	switch strings.TrimSpace(event.Payload) {
	case PayloadGetStarted:
		return keywordGetStarted
	case PayloadAskQuestion:
		return keywordAskQuestion
	case PayloadDescribeImage:
		return keywordDescribeImage
	}
	return strings.ToLower(strings.Join(strings.Fields(event.Text), " "))
}

// isImageLink reports whether text is an absolute http(s) URL.
func isImageLink(text string) bool {
	if strings.ContainsAny(text, " \t\n") {
		return false
	}
	u, err := url.Parse(text)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
