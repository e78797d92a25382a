package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envConfigPath = "VOXSCRIBE_CONFIG"
	envPrefix     = "VOXSCRIBE"

	// TransportWhatsApp selects the whatsmeow-backed transport.
	TransportWhatsApp = "whatsapp"
	// TransportTelegram selects the telego-backed transport.
	TransportTelegram = "telegram"

	BackendBlob   = "blob"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

const (
	DefaultTranscriptionEndpoint = "http://10.0.7.10:8000/transcribe"
	DefaultTranscriptionModel    = "ivrit-ai/whisper-large-v3-turbo-ct2"
	DefaultCacheLimit            = 100
	DefaultHealWindowMinutes     = 10
	DefaultReconnectDelaySeconds = 5
	DefaultGatewayHost           = "0.0.0.0"
	DefaultGatewayPort           = 3000
	DefaultPendingText           = "📝 מתמלל..."
	DefaultTranscriptPrefix      = "📝 תמלול:\n"
	DefaultFailureText           = "❌ לא הצלחתי לתמלל."
)

// Config is the root runtime configuration.
type Config struct {
	Sessions      []SessionConfig     `json:"sessions" mapstructure:"sessions" validate:"required,min=1,dive"`
	Transcription TranscriptionConfig `json:"transcription" mapstructure:"transcription"`
	Pipeline      PipelineConfig      `json:"pipeline" mapstructure:"pipeline"`
	Gateway       GatewayConfig       `json:"gateway" mapstructure:"gateway"`
	Logging       LoggingConfig       `json:"logging,omitempty" mapstructure:"logging"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" mapstructure:"format" validate:"omitempty,oneof=text json"`
	Level     string `json:"level,omitempty" mapstructure:"level"`
	AddSource bool   `json:"add_source,omitempty" mapstructure:"add_source"`
}

// SessionConfig describes one bot identity.
type SessionConfig struct {
	Key       string `json:"key" mapstructure:"key" validate:"required"`
	Label     string `json:"label" mapstructure:"label"`
	Transport string `json:"transport" mapstructure:"transport" validate:"omitempty,oneof=whatsapp telegram"`
	// AuthDir holds the persisted credentials and signal key material.
	AuthDir string `json:"auth_dir" mapstructure:"auth_dir"`
	// Token is only used by the telegram transport.
	Token    string `json:"token" mapstructure:"token"`
	TokenEnv string `json:"token_env" mapstructure:"token_env"`
	// AllowFrom limits telegram senders by user ID. Empty accepts everyone.
	AllowFrom []string `json:"allow_from,omitempty" mapstructure:"allow_from"`
}

// TranscriptionConfig selects and configures the speech-to-text backend.
type TranscriptionConfig struct {
	Backend               string `json:"backend" mapstructure:"backend" validate:"omitempty,oneof=blob openai gemini"`
	Endpoint              string `json:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`
	Model                 string `json:"model" mapstructure:"model"`
	Language              string `json:"language" mapstructure:"language"`
	APIKeyEnv             string `json:"api_key_env" mapstructure:"api_key_env"`
	BaseURL               string `json:"base_url" mapstructure:"base_url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds" validate:"gte=0"`
}

// PipelineConfig tunes per-session message processing.
type PipelineConfig struct {
	CacheLimit            int    `json:"cache_limit" mapstructure:"cache_limit" validate:"gte=0"`
	HealWindowMinutes     int    `json:"heal_window_minutes" mapstructure:"heal_window_minutes" validate:"gte=0"`
	ReconnectDelaySeconds int    `json:"reconnect_delay_seconds" mapstructure:"reconnect_delay_seconds" validate:"gte=0"`
	PendingText           string `json:"pending_text" mapstructure:"pending_text"`
	TranscriptPrefix      string `json:"transcript_prefix" mapstructure:"transcript_prefix"`
	FailureText           string `json:"failure_text" mapstructure:"failure_text"`
}

// GatewayConfig configures the HTTP control server bind settings.
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
}

// LoadConfig resolves the config file, unmarshals it, applies env overrides and validates.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one explicit config file path.
func LoadFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applySessionDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Sessions))
	for _, session := range c.Sessions {
		if _, ok := seen[session.Key]; ok {
			return fmt.Errorf("invalid config: duplicate session key %q", session.Key)
		}
		seen[session.Key] = struct{}{}

		if session.Transport == TransportTelegram && session.ResolveToken() == "" {
			return fmt.Errorf("invalid config: session %q requires a telegram token", session.Key)
		}
	}

	return nil
}

// ResolveToken returns the inline token or the value of TokenEnv.
func (s SessionConfig) ResolveToken() string {
	if token := strings.TrimSpace(s.Token); token != "" {
		return token
	}
	if env := strings.TrimSpace(s.TokenEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}

	return ""
}

// SessionKeys lists configured session keys in config order.
func (c *Config) SessionKeys() []string {
	keys := make([]string, 0, len(c.Sessions))
	for _, session := range c.Sessions {
		keys = append(keys, session.Key)
	}

	return slices.Clip(keys)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transcription.backend", BackendBlob)
	v.SetDefault("transcription.endpoint", DefaultTranscriptionEndpoint)
	v.SetDefault("transcription.model", DefaultTranscriptionModel)

	v.SetDefault("pipeline.cache_limit", DefaultCacheLimit)
	v.SetDefault("pipeline.heal_window_minutes", DefaultHealWindowMinutes)
	v.SetDefault("pipeline.reconnect_delay_seconds", DefaultReconnectDelaySeconds)
	v.SetDefault("pipeline.pending_text", DefaultPendingText)
	v.SetDefault("pipeline.transcript_prefix", DefaultTranscriptPrefix)
	v.SetDefault("pipeline.failure_text", DefaultFailureText)

	v.SetDefault("gateway.host", DefaultGatewayHost)
	v.SetDefault("gateway.port", DefaultGatewayPort)

	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
}

// applySessionDefaults fills per-session values that viper cannot default inside a list.
func applySessionDefaults(cfg *Config) {
	for i := range cfg.Sessions {
		session := &cfg.Sessions[i]
		session.Key = strings.TrimSpace(session.Key)
		if session.Transport == "" {
			session.Transport = TransportWhatsApp
		}
		if strings.TrimSpace(session.Label) == "" {
			session.Label = session.Key
		}
		if strings.TrimSpace(session.AuthDir) == "" {
			session.AuthDir = filepath.Join("auth", session.Key)
		}
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is VOXSCRIBE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
