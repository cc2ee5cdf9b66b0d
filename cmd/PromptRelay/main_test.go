package main

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/flow"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PAGE_ACCESS_TOKEN", "VERIFY_TOKEN", "GRAPH_API_VERSION", "MODEL_PROVIDER",
		"HUGGINGFACES_API_KEY", "OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY",
		"TEXT_MODEL", "VISION_MODEL", "MODEL_MAX_TOKENS", "MODEL_TIMEOUT", "SYSTEM_PROMPT",
		"PASSCODE", "HISTORY_LIMIT", "REPLIES_FILE", "API_ADDR", "TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "LOG_LEVEL", "GRAPH_API_BASE_URL",
		"SEND_ATTEMPTS", "SEND_RETRY_BACKOFF", "MODEL_TEMPERATURE", "CONTEXT_TOKEN_BUDGET",
		"MODEL_MAX_RETRIES", "IMAGE_INSTRUCTION", "RECENT_RESPONSES_LIMIT", "DEDUP_DSN",
		"DEDUP_MAX_AGE", "DEDUP_PRUNE_INTERVAL", "TWILIO_WEBHOOK_URL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)

	config, err := loadEnvironmentConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.VerifyToken != "12345" {
		t.Errorf("Expected default verify token %q, got %q", "12345", config.VerifyToken)
	}
	if config.GraphAPIVersion != "v19.0" {
		t.Errorf("Expected default graph version v19.0, got %q", config.GraphAPIVersion)
	}
	if config.ModelProvider != "huggingface" {
		t.Errorf("Expected default provider huggingface, got %q", config.ModelProvider)
	}
	if config.HistoryLimit != 10 || config.MaxTokens != 500 {
		t.Errorf("unexpected limits: history=%d max_tokens=%d", config.HistoryLimit, config.MaxTokens)
	}
	if config.ModelTimeout != 10*time.Second {
		t.Errorf("Expected default model timeout 10s, got %v", config.ModelTimeout)
	}
	if config.APIAddr != ":5000" {
		t.Errorf("Expected default API address :5000, got %q", config.APIAddr)
	}
	if config.Temperature != 0.7 || config.ContextTokenBudget != 3000 || config.RecentResponsesLimit != 5 {
		t.Errorf("unexpected model defaults: temperature=%v budget=%d recent=%d", config.Temperature, config.ContextTokenBudget, config.RecentResponsesLimit)
	}
	if config.DedupMaxAge != 24*time.Hour || config.DedupPruneInterval != 10*time.Minute {
		t.Errorf("unexpected dedup retention: %v / %v", config.DedupMaxAge, config.DedupPruneInterval)
	}
	if config.SendAttempts != 3 || config.SendRetryBackoff != 500*time.Millisecond {
		t.Errorf("unexpected send retry defaults: %d / %v", config.SendAttempts, config.SendRetryBackoff)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("VERIFY_TOKEN", "s3cret")
	t.Setenv("HISTORY_LIMIT", "4")
	t.Setenv("MODEL_TIMEOUT", "3s")
	t.Setenv("PASSCODE", "letmein")

	config, err := loadEnvironmentConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.VerifyToken != "s3cret" || config.HistoryLimit != 4 || config.ModelTimeout != 3*time.Second || config.Passcode != "letmein" {
		t.Errorf("overrides not applied: %+v", config)
	}
}

func TestLoadEnvironmentConfigInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("HISTORY_LIMIT", "0")
	if _, err := loadEnvironmentConfig(); err == nil {
		t.Error("expected error for zero history limit")
	}

	clearEnv(t)
	t.Setenv("MODEL_TIMEOUT", "soon")
	if _, err := loadEnvironmentConfig(); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestParseCommandLineFlags(t *testing.T) {
	config := Config{ModelProvider: "huggingface", APIAddr: ":5000", Passcode: "env"}

	flags, err := parseCommandLineFlags(config, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.Provider != "huggingface" || flags.APIAddr != ":5000" || flags.Passcode != "env" {
		t.Errorf("expected environment defaults, got %+v", flags)
	}

	flags, err = parseCommandLineFlags(config, []string{"-provider", "anthropic", "-api-addr", ":8080", "-passcode", "flag"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.Provider != "anthropic" || flags.APIAddr != ":8080" || flags.Passcode != "flag" {
		t.Errorf("expected flag overrides, got %+v", flags)
	}

	if _, err := parseCommandLineFlags(config, []string{"-unknown"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildOptions(t *testing.T) {
	config := Config{HuggingFaceKey: "hf", OpenAIKey: "oa", MaxTokens: 500, HistoryLimit: 10, ModelTimeout: time.Second}

	if n := len(buildGenAIOptions(config, Flags{Provider: "huggingface"})); n != 5 {
		t.Errorf("expected key and four tuning options, got %d", n)
	}
	if n := len(buildGenAIOptions(config, Flags{Provider: "anthropic"})); n != 4 {
		t.Errorf("expected only tuning options without an Anthropic key, got %d", n)
	}
	if n := len(buildStoreOptions(config)); n != 2 {
		t.Errorf("expected history and recent responses options, got %d", n)
	}
	if n := len(buildMessengerOptions(config)); n != 4 {
		t.Errorf("expected four Messenger options, got %d", n)
	}
	if n := len(buildFlowOptions(config, Flags{Passcode: "p"}, flow.DefaultReplies())); n != 3 {
		t.Errorf("expected replies, timeout and passcode options, got %d", n)
	}
	config.ImageInstruction = "Describe it."
	if n := len(buildFlowOptions(config, Flags{}, flow.DefaultReplies())); n != 3 {
		t.Errorf("expected replies, timeout and image instruction options, got %d", n)
	}
	if buildTwilioOptions(config) != nil {
		t.Error("Twilio must stay disabled without an account SID")
	}
	config.TwilioAccountSID = "AC1"
	if len(buildTwilioOptions(config)) != 3 {
		t.Error("expected Twilio options when configured")
	}
	if n := len(buildAPIOptions(Config{VerifyToken: "t"}, Flags{APIAddr: ":1"})); n != 2 {
		t.Errorf("expected addr and verify token options, got %d", n)
	}
	full := Config{
		VerifyToken:        "t",
		DedupDSN:           "file:dedup?mode=memory",
		DedupMaxAge:        time.Hour,
		DedupPruneInterval: time.Minute,
		TwilioAccountSID:   "AC1",
		TwilioAuthToken:    "secret",
	}
	if n := len(buildAPIOptions(full, Flags{APIAddr: ":1"})); n != 5 {
		t.Errorf("expected dedup and Twilio signature options as well, got %d", n)
	}
}
