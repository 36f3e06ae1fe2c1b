// Package config loads ConvoPipe configuration from defaults, an optional
// YAML file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/BTreeMap/ConvoPipe/internal/store"
)

const (
	// DefaultStateDir is the default directory for ConvoPipe state data
	DefaultStateDir = "/var/lib/convopipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "convopipe.db"
)

// Config holds all application configuration.
type Config struct {
	StateDir     string             `mapstructure:"state_dir"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Redis        RedisConfig        `mapstructure:"redis"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Business     BusinessConfig     `mapstructure:"business"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Twilio       TwilioConfig       `mapstructure:"twilio"`
	WhatsApp     WhatsAppConfig     `mapstructure:"whatsapp"`
	WebChat      WebChatConfig      `mapstructure:"webchat"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
}

type DatabaseConfig struct {
	// DSN is a Postgres URL or a SQLite path. Empty means a SQLite file in
	// the state directory.
	DSN string `mapstructure:"dsn"`

	// Postgres pool sizing; zero keeps the store defaults.
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	PublicURL      string        `mapstructure:"public_url"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LoggingConfig struct {
	Level        string        `mapstructure:"level"`
	Format       string        `mapstructure:"format"`
	File         string        `mapstructure:"file"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time"`
}

// RedisConfig enables the distributed lock and catalog cache when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LLMConfig struct {
	DefaultProvider string        `mapstructure:"default_provider"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HistoryWindow   int           `mapstructure:"history_window"`
	OpenAI          OpenAIConfig  `mapstructure:"openai"`
	Gemini          GeminiConfig  `mapstructure:"gemini"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

type GeminiConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

type BusinessConfig struct {
	Name string `mapstructure:"name"`
	// StaffContacts are "channel:address" pairs notified on escalations.
	StaffContacts []string `mapstructure:"staff_contacts"`
}

type ConversationConfig struct {
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	TurnTimeout     time.Duration `mapstructure:"turn_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	DeferPolicy     string        `mapstructure:"defer_policy"`
	CloseOnComplete bool          `mapstructure:"close_on_complete"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	LaneCapacity    int           `mapstructure:"lane_capacity"`
}

type TwilioConfig struct {
	AccountSID        string `mapstructure:"account_sid"`
	AuthToken         string `mapstructure:"auth_token"`
	FromNumber        string `mapstructure:"from_number"`
	ValidateSignature bool   `mapstructure:"validate_signature"`
}

type WhatsAppConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	QRPath      string `mapstructure:"qr_path"`
	NumericCode bool   `mapstructure:"numeric_code"`
}

type WebChatConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type PaymentConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	LinkTemplate string `mapstructure:"link_template"`
}

type JobsConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	OutboxInterval time.Duration `mapstructure:"outbox_interval"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	OutboxBatch    int           `mapstructure:"outbox_batch"`
	// AsyncActions runs workflow actions and state triggers on the durable
	// job queue instead of inline.
	AsyncActions bool `mapstructure:"async_actions"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string][]string{
	"state_dir":                      {"CONVOPIPE_STATE_DIR"},
	"database.dsn":                   {"DATABASE_URL"},
	"server.addr":                    {"API_ADDR"},
	"server.public_url":              {"PUBLIC_URL"},
	"server.allowed_origins":         {"ALLOWED_ORIGINS"},
	"logging.level":                  {"LOG_LEVEL"},
	"logging.format":                 {"LOG_FORMAT"},
	"logging.file":                   {"LOG_FILE"},
	"redis.addr":                     {"REDIS_ADDR"},
	"redis.password":                 {"REDIS_PASSWORD"},
	"redis.db":                       {"REDIS_DB"},
	"llm.default_provider":           {"LLM_PROVIDER"},
	"llm.timeout":                    {"LLM_TIMEOUT"},
	"llm.openai.api_key":             {"OPENAI_API_KEY"},
	"llm.openai.base_url":            {"OPENAI_BASE_URL"},
	"llm.openai.model":               {"OPENAI_MODEL"},
	"llm.gemini.api_key":             {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"llm.gemini.model":               {"GEMINI_MODEL"},
	"business.name":                  {"BUSINESS_NAME"},
	"business.staff_contacts":        {"STAFF_CONTACTS"},
	"conversation.session_ttl":       {"SESSION_TTL"},
	"conversation.turn_timeout":      {"TURN_TIMEOUT"},
	"conversation.defer_policy":      {"DEFER_POLICY"},
	"conversation.close_on_complete": {"CLOSE_SESSION_ON_COMPLETE"},
	"twilio.account_sid":             {"TWILIO_ACCOUNT_SID"},
	"twilio.auth_token":              {"TWILIO_AUTH_TOKEN"},
	"twilio.from_number":             {"TWILIO_FROM_NUMBER"},
	"twilio.validate_signature":      {"TWILIO_VALIDATE_SIGNATURE"},
	"whatsapp.enabled":               {"WHATSAPP_ENABLED"},
	"whatsapp.dsn":                   {"WHATSAPP_DB_DSN"},
	"webchat.enabled":                {"WEBCHAT_ENABLED"},
	"payment.base_url":               {"PAYMENT_BASE_URL"},
	"payment.api_key":                {"PAYMENT_API_KEY"},
	"payment.link_template":          {"PAYMENT_LINK_TEMPLATE"},
	"jobs.async_actions":             {"ASYNC_ACTIONS"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.max_age", "168h")
	v.SetDefault("logging.rotation_time", "24h")

	v.SetDefault("redis.prefix", "convopipe:")

	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("llm.timeout", "20s")
	v.SetDefault("llm.history_window", 10)
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.temperature", 0.2)
	v.SetDefault("llm.gemini.model", "gemini-1.5-flash")
	v.SetDefault("llm.gemini.temperature", 0.2)

	v.SetDefault("conversation.session_ttl", "30m")
	v.SetDefault("conversation.turn_timeout", "45s")
	v.SetDefault("conversation.history_limit", 50)
	v.SetDefault("conversation.defer_policy", "workflow")
	v.SetDefault("conversation.sweep_interval", "1m")
	v.SetDefault("conversation.lane_capacity", 64)

	v.SetDefault("twilio.validate_signature", true)
	v.SetDefault("webchat.enabled", true)

	v.SetDefault("jobs.poll_interval", "2s")
	v.SetDefault("jobs.outbox_interval", "5s")
	v.SetDefault("jobs.handler_timeout", "30s")
	v.SetDefault("jobs.outbox_batch", 10)
}

// Load builds the configuration. A missing .env file or configPath is not an
// error; configPath may be empty.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			slog.Debug("config.Load: config file not found, using defaults", "path", configPath)
		}
	}

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)
	cfg.Business.StaffContacts = splitList(cfg.Business.StaffContacts)
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would fail later at wiring time.
func (c *Config) Validate() error {
	switch c.Conversation.DeferPolicy {
	case "workflow", "ai":
	default:
		return fmt.Errorf("invalid conversation.defer_policy %q: want workflow or ai", c.Conversation.DeferPolicy)
	}
	switch c.LLM.DefaultProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("invalid llm.default_provider %q: want openai or gemini", c.LLM.DefaultProvider)
	}
	for _, contact := range c.Business.StaffContacts {
		if _, _, ok := ParseStaffContact(contact); !ok {
			return fmt.Errorf("invalid staff contact %q: want channel:address", contact)
		}
	}
	if c.Twilio.ValidateSignature && c.Twilio.AccountSID != "" && c.Server.PublicURL == "" {
		return errors.New("server.public_url is required to validate Twilio signatures")
	}
	return nil
}

// ParseStaffContact splits a "channel:address" pair.
func ParseStaffContact(s string) (channel, address string, ok bool) {
	channel, address, ok = strings.Cut(strings.TrimSpace(s), ":")
	if !ok || channel == "" || address == "" {
		return "", "", false
	}
	return channel, address, true
}

// UsesSQLite reports whether the database DSN names a SQLite file.
func (c *Config) UsesSQLite() bool {
	return store.DetectDSNType(c.Database.DSN) == "sqlite3"
}

// splitList expands comma separated entries, which is how lists arrive from
// the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
