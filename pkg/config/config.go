package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

const (
	envConfigPath         = "DMRELAY_CONFIG"
	envVerifyToken        = "VERIFY_TOKEN"
	envTelegramBotToken   = "TELEGRAM_BOT_TOKEN"
	envTelegramChatID     = "TELEGRAM_CHAT_ID"
	envTelegramTopicID    = "TELEGRAM_TOPIC_ID"
	envIdentityToken      = "IG_ACCESS_TOKEN"
	envDefaultProfileLink = "IG_DEFAULT_PROFILE_LINK"
	envProfileLinks       = "IG_PROFILE_LINKS"
	envGatewayHost        = "DMRELAY_HOST"
	envGatewayPort        = "PORT"
	envTelemetryEnabled   = "DMRELAY_TELEMETRY_ENABLED"
	envTelemetryEndpoint  = "DMRELAY_TELEMETRY_ENDPOINT"
	envTelemetryInsecure  = "DMRELAY_TELEMETRY_INSECURE"
	envTelemetryService   = "DMRELAY_TELEMETRY_SERVICE_NAME"

	// DefaultVerifyToken matches the placeholder used when no secret is configured.
	DefaultVerifyToken = "change-me"
)

// Config is the root runtime configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	VerifyToken string          `json:"verify_token"`
	Gateway     GatewayConfig   `json:"gateway"`
	Telegram    TelegramConfig  `json:"telegram"`
	Identity    IdentityConfig  `json:"identity"`
	Logging     LoggingConfig   `json:"logging,omitempty"`
	Telemetry   TelemetryConfig `json:"telemetry,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// GatewayConfig configures the webhook HTTP listener.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TelegramConfig configures the destination chat.
type TelegramConfig struct {
	Token          string `json:"token"`
	ChatID         string `json:"chat_id"`
	TopicID        int    `json:"topic_id,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	RatePerMinute  int    `json:"rate_per_minute,omitempty"`
}

// IdentityConfig configures sender username lookups and profile links.
type IdentityConfig struct {
	AccessToken        string `json:"access_token"`
	BaseURL            string `json:"base_url,omitempty"`
	APIVersion         string `json:"api_version,omitempty"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty"`
	CacheSize          int    `json:"cache_size,omitempty"`
	CacheTTLSeconds    int    `json:"cache_ttl_seconds,omitempty"`
	ProfileLinks       bool   `json:"profile_links,omitempty"`
	ProfileBaseURL     string `json:"profile_base_url,omitempty"`
	DefaultProfileLink string `json:"default_profile_link,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Telegram: TelegramConfig{
			APIURL:         "https://api.telegram.org",
			TimeoutSeconds: 10,
		},
		Identity: IdentityConfig{
			BaseURL:        "https://graph.instagram.com",
			APIVersion:     "v21.0",
			TimeoutSeconds: 10,
			CacheSize:      10000,
			ProfileLinks:   true,
			ProfileBaseURL: "https://instagram.com/",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "dmrelay",
		},
	}
}

// LoadConfig resolves the config file, unmarshals it over the defaults, and
// applies environment overrides. A missing default config file is not an
// error: the relay can be configured from the environment alone.
func LoadConfig() (*Config, error) {
	loadDotEnv()

	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := json5.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	if strings.TrimSpace(cfg.VerifyToken) == "" {
		cfg.VerifyToken = DefaultVerifyToken
	}

	return cfg, nil
}

// Secrets lists credential values that must never appear in log output.
func (c *Config) Secrets() []string {
	if c == nil {
		return nil
	}

	secrets := []string{c.Telegram.Token, c.Identity.AccessToken}
	if c.VerifyToken != DefaultVerifyToken {
		secrets = append(secrets, c.VerifyToken)
	}

	return slices.DeleteFunc(secrets, func(s string) bool { return strings.TrimSpace(s) == "" })
}

// loadDotEnv reads .env from the working directory when present. Variables
// already set in the process environment win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ignoring unreadable .env: %v\n", err)
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	envStr := func(key string, dst *string) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*dst = value
		}
	}
	envInt := func(key string, dst *int) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			if parsed, err := strconv.Atoi(value); err == nil {
				*dst = parsed
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*dst = parseBool(value)
		}
	}

	envStr(envVerifyToken, &cfg.VerifyToken)
	envStr(envTelegramBotToken, &cfg.Telegram.Token)
	envStr(envTelegramChatID, &cfg.Telegram.ChatID)
	envInt(envTelegramTopicID, &cfg.Telegram.TopicID)
	envStr(envIdentityToken, &cfg.Identity.AccessToken)
	envStr(envDefaultProfileLink, &cfg.Identity.DefaultProfileLink)
	envBool(envProfileLinks, &cfg.Identity.ProfileLinks)
	envStr(envGatewayHost, &cfg.Gateway.Host)
	envInt(envGatewayPort, &cfg.Gateway.Port)
	envBool(envTelemetryEnabled, &cfg.Telemetry.Enabled)
	envStr(envTelemetryEndpoint, &cfg.Telemetry.Endpoint)
	envBool(envTelemetryInsecure, &cfg.Telemetry.Insecure)
	envStr(envTelemetryService, &cfg.Telemetry.ServiceName)
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is DMRELAY_CONFIG first, then cwd-local fallback paths. An empty
// path with a nil error means no file was found and defaults apply.
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
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
