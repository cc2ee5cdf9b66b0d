// Package api provides the HTTP server and lifecycle wiring for PromptRelay.
//
// It exposes the Messenger webhook (verification and events), the Twilio
// WhatsApp webhook and a health endpoint, and runs the dedup pruner next to
// the server until the context is cancelled. Webhook posts are acknowledged
// before their events are processed.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/flow"
	"github.com/BTreeMap/PromptRelay/internal/genai"
	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/BTreeMap/PromptRelay/internal/twiliowhatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	twilioclient "github.com/twilio/twilio-go/client"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

// Default server configuration
const (
	DefaultAddr          = ":5000"
	DefaultVerifyToken   = "12345"
	DefaultDedupMaxAge   = 24 * time.Hour
	DefaultPruneInterval = 10 * time.Minute
	DefaultShutdownGrace = 10 * time.Second
	// maxWebhookBodyBytes caps inbound webhook bodies.
	maxWebhookBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string
	VerifyToken      string
	DedupDSN         string
	DedupMaxAge      time.Duration
	PruneInterval    time.Duration
	TwilioAuthToken  string
	TwilioWebhookURL string
	MetricsReader    sdkmetric.Reader
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the Messenger webhook verification secret.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithDedupDSN sets the SQLite DSN of the inbound dedup table.
func WithDedupDSN(dsn string) Option {
	return func(o *Opts) { o.DedupDSN = dsn }
}

// WithDedupRetention sets how long message ids are remembered and how often old ones are pruned.
func WithDedupRetention(maxAge, interval time.Duration) Option {
	return func(o *Opts) {
		o.DedupMaxAge = maxAge
		o.PruneInterval = interval
	}
}

// WithTwilioSignature enables X-Twilio-Signature validation on the WhatsApp
// webhook. webhookURL is the public URL configured in Twilio; when empty it is
// rebuilt from the request.
func WithTwilioSignature(authToken, webhookURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = webhookURL
	}
}

// WithMetricsReader reports the relay counters collected by reader on /health.
func WithMetricsReader(reader sdkmetric.Reader) Option {
	return func(o *Opts) { o.MetricsReader = reader }
}

func defaultOpts() Opts {
	return Opts{
		Addr:          DefaultAddr,
		VerifyToken:   DefaultVerifyToken,
		DedupDSN:      store.DefaultDedupDSN,
		DedupMaxAge:   DefaultDedupMaxAge,
		PruneInterval: DefaultPruneInterval,
	}
}

// Server holds the router and the collaborators the handlers call into.
type Server struct {
	router           chi.Router
	sessions         *store.SessionStore
	respHandler      *messaging.ResponseHandler
	verifyToken      string
	twilioValidator  *twilioclient.RequestValidator
	twilioWebhookURL string
	metrics          sdkmetric.Reader
	inflight         sync.WaitGroup
}

// NewServer builds the HTTP router over sessions and respHandler.
// The Twilio route is mounted only when a WhatsApp service is registered.
func NewServer(sessions *store.SessionStore, respHandler *messaging.ResponseHandler, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		sessions:         sessions,
		respHandler:      respHandler,
		verifyToken:      cfg.VerifyToken,
		twilioWebhookURL: cfg.TwilioWebhookURL,
		metrics:          cfg.MetricsReader,
	}
	if cfg.TwilioAuthToken != "" {
		validator := twilioclient.NewRequestValidator(cfg.TwilioAuthToken)
		s.twilioValidator = &validator
	} else if respHandler.HasChannel(models.ChannelWhatsApp) {
		slog.Warn("NewServer: Twilio signature validation disabled, no auth token configured")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/webhook", s.verifyHandler)
	r.Post("/webhook", s.messengerWebhookHandler)
	if respHandler.HasChannel(models.ChannelWhatsApp) {
		r.Post("/twilio/webhook", s.twilioWebhookHandler)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// dispatch runs fn in the background on a context detached from the request's
// cancellation, so the webhook can be acknowledged right away.
func (s *Server) dispatch(r *http.Request, fn func(ctx context.Context)) {
	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn(ctx)
	}()
}

// Wait blocks until every dispatched webhook batch has been processed.
func (s *Server) Wait() {
	s.inflight.Wait()
}

// Modules groups the options of every module Run wires together.
type Modules struct {
	// Provider selects the model backend, see genai.New.
	Provider  string
	Store     []store.Option
	GenAI     []genai.Option
	Flow      []flow.Option
	Messenger []messaging.MessengerOption
	// Twilio enables the WhatsApp channel when non-nil.
	Twilio []twiliowhatsapp.Option
	API    []Option
}

// Run wires the modules, serves HTTP and prunes dedup records until ctx is
// cancelled, then shuts the server down gracefully.
func Run(ctx context.Context, m Modules) error {
	cfg := defaultOpts()
	for _, opt := range m.API {
		opt(&cfg)
	}

	sessions := store.NewSessionStore(m.Store...)

	meterProvider, metricsReader := newMeterProvider()
	otel.SetMeterProvider(meterProvider)
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			slog.Warn("Meter provider shutdown failed", "error", err)
		}
	}()

	model, err := genai.New(m.Provider, m.GenAI...)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	flowOpts := append([]flow.Option{flow.WithMeterProvider(meterProvider)}, m.Flow...)
	processor := flow.NewTurnProcessor(sessions, model, flowOpts...)

	var services []messaging.Service
	messenger, err := messaging.NewMessengerService(m.Messenger...)
	if err != nil {
		slog.Warn("Messenger delivery disabled", "error", err)
	} else {
		services = append(services, messenger)
	}
	if m.Twilio != nil {
		client, err := twiliowhatsapp.NewClient(m.Twilio...)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		services = append(services, messaging.NewTwilioService(client))
	}
	if len(services) == 0 {
		return errors.New("no messaging channel configured: set PAGE_ACCESS_TOKEN or Twilio credentials")
	}

	dedup, err := store.NewSQLiteDedup(cfg.DedupDSN)
	if err != nil {
		return fmt.Errorf("failed to open dedup store: %w", err)
	}
	defer dedup.Close()

	respHandler := messaging.NewResponseHandler(processor, dedup, services...)
	apiOpts := append([]Option{WithMetricsReader(metricsReader)}, m.API...)
	server := NewServer(sessions, respHandler, apiOpts...)
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("PromptRelay API listening", "addr", cfg.Addr, "channels", len(services))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		dedup.RunPruner(gctx, cfg.PruneInterval, cfg.DedupMaxAge)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		// Batches already acknowledged still get their replies.
		server.Wait()
		return nil
	})

	return g.Wait()
}
