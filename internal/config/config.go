// Package config loads process configuration from the environment, an optional
// config file and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"calendar-agent/internal/conversation"
	"calendar-agent/internal/ratelimit"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"
)

type Config struct {
	Store       string
	TableName   string
	ParamPrefix string
	LogLevel    slog.Level
	HTTPAddr    string
	CORSOrigins []string

	PhoneNumberID    string
	WhatsAppBaseURL  string
	FallbackTemplate string
	TemplateLanguage string
	WindowDuration   time.Duration

	OpenAIModel        string
	SummaryModel       string
	TranscriptionModel string

	DatabaseURL string
	SMTP        SMTP
	Google      Google

	DedupTTL            time.Duration
	LockTTL             time.Duration
	RateLimitFailClosed bool
	LockFailClosed      bool
	RatePolicies        map[ratelimit.Category]ratelimit.Policy

	Context conversation.Limits

	QueueMaxInFlight int64
	TaskTimeout      time.Duration
	SweepSchedule    string
}

type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type Google struct {
	ClientID    string
	RedirectURL string
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store", StoreDynamoDB)
	v.SetDefault("table_name", "")
	v.SetDefault("param_prefix", "/calendar-agent")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("cors_origins", []string{})

	v.SetDefault("whatsapp_phone_number_id", "")
	v.SetDefault("whatsapp_base_url", "https://graph.facebook.com")
	v.SetDefault("fallback_template", "conversation_update")
	v.SetDefault("template_language", "en")
	v.SetDefault("window_duration", 24*time.Hour)

	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("summary_model", "gpt-4o-mini")
	v.SetDefault("transcription_model", "whisper-1")

	v.SetDefault("database_url", "")
	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_username", "")
	v.SetDefault("smtp_password", "")
	v.SetDefault("smtp_from", "")
	v.SetDefault("google_client_id", "")
	v.SetDefault("google_redirect_url", "")

	v.SetDefault("dedup_ttl", 60*time.Second)
	v.SetDefault("lock_ttl", 30*time.Second)
	v.SetDefault("rate_limit_fail_closed", false)
	v.SetDefault("lock_fail_closed", false)
	for cat, p := range ratelimit.DefaultPolicies() {
		v.SetDefault(policyKey(cat, "max"), p.MaxAttempts)
		v.SetDefault(policyKey(cat, "window"), p.Window)
	}

	limits := conversation.DefaultLimits()
	v.SetDefault("context_max_chars", limits.MaxContentChars)
	v.SetDefault("context_min_messages", limits.MinMessagesToCompact)
	v.SetDefault("context_keep_recent", limits.KeepRecent)
	v.SetDefault("context_max_summary_chars", limits.MaxSummaryChars)
	v.SetDefault("context_prompt_ceiling", limits.PromptCeiling)
	v.SetDefault("context_summarize_timeout", limits.SummarizeTimeout)

	v.SetDefault("queue_max_in_flight", 16)
	v.SetDefault("task_timeout", 15*time.Second)
	v.SetDefault("sweep_schedule", "@every 1m")
}

func policyKey(cat ratelimit.Category, field string) string {
	return "rate_" + string(cat) + "_" + field
}

// New returns a viper instance reading prefix-less environment variables, so
// TABLE_NAME maps to table_name.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads cfgFile when set and builds a validated Config from v.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if cfgFile = strings.TrimSpace(cfgFile); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return Config{}, fmt.Errorf("config: log_level: %w", err)
	}

	policies := make(map[ratelimit.Category]ratelimit.Policy)
	for cat := range ratelimit.DefaultPolicies() {
		policies[cat] = ratelimit.Policy{
			MaxAttempts: v.GetInt(policyKey(cat, "max")),
			Window:      v.GetDuration(policyKey(cat, "window")),
		}
	}

	limits := conversation.DefaultLimits()
	limits.MaxContentChars = v.GetInt("context_max_chars")
	limits.MinMessagesToCompact = v.GetInt("context_min_messages")
	limits.KeepRecent = v.GetInt("context_keep_recent")
	limits.MaxSummaryChars = v.GetInt("context_max_summary_chars")
	limits.PromptCeiling = v.GetInt("context_prompt_ceiling")
	limits.SummarizeTimeout = v.GetDuration("context_summarize_timeout")

	cfg := Config{
		Store:       strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		TableName:   strings.TrimSpace(v.GetString("table_name")),
		ParamPrefix: strings.TrimRight(strings.TrimSpace(v.GetString("param_prefix")), "/"),
		LogLevel:    level,
		HTTPAddr:    v.GetString("http_addr"),
		CORSOrigins: v.GetStringSlice("cors_origins"),

		PhoneNumberID:    strings.TrimSpace(v.GetString("whatsapp_phone_number_id")),
		WhatsAppBaseURL:  v.GetString("whatsapp_base_url"),
		FallbackTemplate: v.GetString("fallback_template"),
		TemplateLanguage: v.GetString("template_language"),
		WindowDuration:   v.GetDuration("window_duration"),

		OpenAIModel:        v.GetString("openai_model"),
		SummaryModel:       v.GetString("summary_model"),
		TranscriptionModel: v.GetString("transcription_model"),

		DatabaseURL: strings.TrimSpace(v.GetString("database_url")),
		SMTP: SMTP{
			Host:     v.GetString("smtp_host"),
			Port:     v.GetInt("smtp_port"),
			Username: v.GetString("smtp_username"),
			Password: v.GetString("smtp_password"),
			From:     v.GetString("smtp_from"),
		},
		Google: Google{
			ClientID:    v.GetString("google_client_id"),
			RedirectURL: v.GetString("google_redirect_url"),
		},

		DedupTTL:            v.GetDuration("dedup_ttl"),
		LockTTL:             v.GetDuration("lock_ttl"),
		RateLimitFailClosed: v.GetBool("rate_limit_fail_closed"),
		LockFailClosed:      v.GetBool("lock_fail_closed"),
		RatePolicies:        policies,

		Context: limits,

		QueueMaxInFlight: v.GetInt64("queue_max_in_flight"),
		TaskTimeout:      v.GetDuration("task_timeout"),
		SweepSchedule:    v.GetString("sweep_schedule"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	switch c.Store {
	case StoreDynamoDB:
		if c.TableName == "" {
			errs = append(errs, errors.New("TABLE_NAME is required for the dynamodb store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX must not be empty"))
	}
	for cat, p := range c.RatePolicies {
		if p.MaxAttempts <= 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate policy %s must have positive max and window", cat))
		}
	}
	if c.DedupTTL <= 0 {
		errs = append(errs, errors.New("DEDUP_TTL must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RequireService checks the settings the webhook and OAuth endpoints need.
func (c Config) RequireService() error {
	var errs []error
	if c.PhoneNumberID == "" {
		errs = append(errs, errors.New("WHATSAPP_PHONE_NUMBER_ID is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.SMTP.Host) == "" {
		errs = append(errs, errors.New("SMTP_HOST is required"))
	}
	if strings.TrimSpace(c.Google.ClientID) == "" || strings.TrimSpace(c.Google.RedirectURL) == "" {
		errs = append(errs, errors.New("GOOGLE_CLIENT_ID and GOOGLE_REDIRECT_URL are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
