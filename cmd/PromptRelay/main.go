package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/api"
	"github.com/BTreeMap/PromptRelay/internal/flow"
	"github.com/BTreeMap/PromptRelay/internal/genai"
	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/BTreeMap/PromptRelay/internal/twiliowhatsapp"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func main() {
	// Load .env before the logger so LOG_LEVEL from the file applies
	envErr := godotenv.Load()

	// Load environment configuration
	config, err := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)
	if envErr != nil {
		slog.Debug("failed to load .env file", "error", envErr)
	}
	if err != nil {
		slog.Error("Invalid environment configuration", "error", err)
		os.Exit(1)
	}

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Invalid command line flags", "error", err)
		os.Exit(2)
	}

	replies, err := flow.LoadReplies(flags.RepliesFile)
	if err != nil {
		slog.Error("Failed to load reply catalog", "error", err)
		os.Exit(1)
	}

	// Build module options
	modules := api.Modules{
		Provider:  flags.Provider,
		Store:     buildStoreOptions(config),
		GenAI:     buildGenAIOptions(config, flags),
		Flow:      buildFlowOptions(config, flags, replies),
		Messenger: buildMessengerOptions(config),
		Twilio:    buildTwilioOptions(config),
		API:       buildAPIOptions(config, flags),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PromptRelay with configured modules", "provider", flags.Provider, "whatsapp", modules.Twilio != nil)
	slog.Debug("Module options counts", "store", len(modules.Store), "genai", len(modules.GenAI), "flow", len(modules.Flow), "messenger", len(modules.Messenger), "api", len(modules.API))
	if err := api.Run(ctx, modules); err != nil {
		slog.Error("PromptRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PromptRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	PageAccessToken      string        `envconfig:"PAGE_ACCESS_TOKEN"`
	VerifyToken          string        `envconfig:"VERIFY_TOKEN" default:"12345"`
	GraphAPIVersion      string        `envconfig:"GRAPH_API_VERSION" default:"v19.0"`
	GraphAPIBaseURL      string        `envconfig:"GRAPH_API_BASE_URL" default:"https://graph.facebook.com"`
	SendAttempts         int           `envconfig:"SEND_ATTEMPTS" default:"3"`
	SendRetryBackoff     time.Duration `envconfig:"SEND_RETRY_BACKOFF" default:"500ms"`
	ModelProvider        string        `envconfig:"MODEL_PROVIDER" default:"huggingface"`
	HuggingFaceKey       string        `envconfig:"HUGGINGFACES_API_KEY"`
	OpenAIKey            string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL        string        `envconfig:"OPENAI_BASE_URL"`
	AnthropicKey         string        `envconfig:"ANTHROPIC_API_KEY"`
	TextModel            string        `envconfig:"TEXT_MODEL"`
	VisionModel          string        `envconfig:"VISION_MODEL"`
	MaxTokens            int           `envconfig:"MODEL_MAX_TOKENS" default:"500"`
	Temperature          float64       `envconfig:"MODEL_TEMPERATURE" default:"0.7"`
	ContextTokenBudget   int           `envconfig:"CONTEXT_TOKEN_BUDGET" default:"3000"`
	ModelMaxRetries      int           `envconfig:"MODEL_MAX_RETRIES" default:"0"`
	ModelTimeout         time.Duration `envconfig:"MODEL_TIMEOUT" default:"10s"`
	SystemPrompt         string        `envconfig:"SYSTEM_PROMPT"`
	ImageInstruction     string        `envconfig:"IMAGE_INSTRUCTION"`
	Passcode             string        `envconfig:"PASSCODE"`
	HistoryLimit         int           `envconfig:"HISTORY_LIMIT" default:"10"`
	RecentResponsesLimit int           `envconfig:"RECENT_RESPONSES_LIMIT" default:"5"`
	RepliesFile          string        `envconfig:"REPLIES_FILE"`
	APIAddr              string        `envconfig:"API_ADDR" default:":5000"`
	DedupDSN             string        `envconfig:"DEDUP_DSN"`
	DedupMaxAge          time.Duration `envconfig:"DEDUP_MAX_AGE" default:"24h"`
	DedupPruneInterval   time.Duration `envconfig:"DEDUP_PRUNE_INTERVAL" default:"10m"`
	TwilioAccountSID     string        `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string        `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber     string        `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL     string        `envconfig:"TWILIO_WEBHOOK_URL"`
	LogLevel             string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Flags holds command line flag values
type Flags struct {
	Provider    string
	APIAddr     string
	Passcode    string
	RepliesFile string
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig decodes the environment into Config
func loadEnvironmentConfig() (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return config, fmt.Errorf("failed to process env: %w", err)
	}
	if config.HistoryLimit <= 0 {
		return config, fmt.Errorf("HISTORY_LIMIT must be > 0, got %d", config.HistoryLimit)
	}
	if config.MaxTokens <= 0 {
		return config, fmt.Errorf("MODEL_MAX_TOKENS must be > 0, got %d", config.MaxTokens)
	}
	if config.RecentResponsesLimit <= 0 {
		return config, fmt.Errorf("RECENT_RESPONSES_LIMIT must be > 0, got %d", config.RecentResponsesLimit)
	}
	return config, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("PromptRelay", flag.ContinueOnError)
	var flags Flags
	fs.StringVar(&flags.Provider, "provider", config.ModelProvider, "model provider: huggingface, openai or anthropic (overrides $MODEL_PROVIDER)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.Passcode, "passcode", config.Passcode, "static passcode required before the menu (overrides $PASSCODE)")
	fs.StringVar(&flags.RepliesFile, "replies-file", config.RepliesFile, "YAML reply catalog (overrides $REPLIES_FILE)")
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	slog.Debug("flags parsed",
		"provider", flags.Provider,
		"apiAddr", flags.APIAddr,
		"passcodeSet", flags.Passcode != "",
		"repliesFile", flags.RepliesFile)
	return flags, nil
}

// buildStoreOptions constructs session store options
func buildStoreOptions(config Config) []store.Option {
	return []store.Option{
		store.WithHistoryLimit(config.HistoryLimit),
		store.WithRecentResponsesLimit(config.RecentResponsesLimit),
	}
}

// buildGenAIOptions constructs model client options; the API key follows the provider
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	switch strings.ToLower(flags.Provider) {
	case genai.ProviderOpenAI:
		if config.OpenAIKey != "" {
			genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
		}
		if config.OpenAIBaseURL != "" {
			genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
		}
	case genai.ProviderAnthropic:
		if config.AnthropicKey != "" {
			genaiOpts = append(genaiOpts, genai.WithAPIKey(config.AnthropicKey))
		}
	default:
		if config.HuggingFaceKey != "" {
			genaiOpts = append(genaiOpts, genai.WithAPIKey(config.HuggingFaceKey))
		}
	}
	if config.TextModel != "" {
		genaiOpts = append(genaiOpts, genai.WithTextModel(config.TextModel))
	}
	if config.VisionModel != "" {
		genaiOpts = append(genaiOpts, genai.WithVisionModel(config.VisionModel))
	}
	if config.SystemPrompt != "" {
		genaiOpts = append(genaiOpts, genai.WithSystemPrompt(config.SystemPrompt))
	}
	genaiOpts = append(genaiOpts,
		genai.WithMaxTokens(config.MaxTokens),
		genai.WithTemperature(config.Temperature),
		genai.WithContextTokenBudget(config.ContextTokenBudget),
		genai.WithMaxRetries(config.ModelMaxRetries),
	)
	return genaiOpts
}

// buildFlowOptions constructs turn processor options
func buildFlowOptions(config Config, flags Flags, replies flow.Replies) []flow.Option {
	flowOpts := []flow.Option{
		flow.WithReplies(replies),
		flow.WithModelTimeout(config.ModelTimeout),
	}
	if flags.Passcode != "" {
		flowOpts = append(flowOpts, flow.WithPasscode(flags.Passcode))
	}
	if config.ImageInstruction != "" {
		flowOpts = append(flowOpts, flow.WithImageInstruction(config.ImageInstruction))
	}
	return flowOpts
}

// buildMessengerOptions constructs Messenger Send API options
func buildMessengerOptions(config Config) []messaging.MessengerOption {
	return []messaging.MessengerOption{
		messaging.WithPageAccessToken(config.PageAccessToken),
		messaging.WithGraphAPIVersion(config.GraphAPIVersion),
		messaging.WithGraphAPIBaseURL(config.GraphAPIBaseURL),
		messaging.WithRetry(config.SendAttempts, config.SendRetryBackoff),
	}
}

// buildTwilioOptions returns nil unless Twilio credentials are configured
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	if config.TwilioAccountSID == "" {
		return nil
	}
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
		twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if config.VerifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(config.VerifyToken))
	}
	if config.DedupDSN != "" {
		apiOpts = append(apiOpts, api.WithDedupDSN(config.DedupDSN))
	}
	if config.DedupMaxAge > 0 && config.DedupPruneInterval > 0 {
		apiOpts = append(apiOpts, api.WithDedupRetention(config.DedupMaxAge, config.DedupPruneInterval))
	}
	if config.TwilioAccountSID != "" && config.TwilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithTwilioSignature(config.TwilioAuthToken, config.TwilioWebhookURL))
	}
	return apiOpts
}
