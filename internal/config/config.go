package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/promptrelay/internal/chat"
	"github.com/stupiduntilnot/promptrelay/internal/openai"
)

// Model providers.
const (
	ProviderGroq  = "groq"
	ProviderDummy = "dummy"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreLRU    = "lru"
	StoreTTL    = "ttl"
	StoreSQLite = "sqlite"
)

// Upstream error modes.
const (
	// ErrorModeInline answers 200 with the diagnostic as the response text.
	ErrorModeInline = "inline"
	// ErrorModeStatus answers 502 with the diagnostic as the error.
	ErrorModeStatus = "status"
)

// ServerConfig holds configuration for the relay server process.
type ServerConfig struct {
	GroqAPIKey             string
	ChatCompletionsURL     string
	ModelProvider          string
	DummyProviderScript    string
	ChatDefaultModel       string
	PlaygroundDefaultModel string
	Port                   int
	UpstreamTimeout        time.Duration
	UpstreamErrorMode      string
	SessionStore           string
	SessionMaxSessions     int
	SessionTTL             time.Duration
	SessionMaxTurns        int
	DBPath                 string
	CORSAllowedOrigins     []string
	CircuitThreshold       int
	CircuitCooldown        time.Duration
	LogLevel               string
	LogFormat              string
}

// Addr is the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

func defaults(v *viper.Viper) {
	v.SetDefault("GROQ_CHAT_COMPLETIONS_URL", openai.DefaultURL)
	v.SetDefault("MODEL_PROVIDER", ProviderGroq)
	v.SetDefault("DUMMY_PROVIDER_SCRIPT", "echo")
	v.SetDefault("CHAT_DEFAULT_MODEL", chat.DefaultChatModel)
	v.SetDefault("PLAYGROUND_DEFAULT_MODEL", chat.DefaultPlaygroundModel)
	v.SetDefault("PORT", "10000")
	v.SetDefault("UPSTREAM_TIMEOUT_SECONDS", "60")
	v.SetDefault("UPSTREAM_ERROR_MODE", ErrorModeInline)
	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("SESSION_MAX_SESSIONS", "1000")
	v.SetDefault("SESSION_TTL_SECONDS", "3600")
	v.SetDefault("SESSION_MAX_TURNS", "0")
	v.SetDefault("DB_PATH", "")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("CIRCUIT_THRESHOLD", "0")
	v.SetDefault("CIRCUIT_COOLDOWN_SECONDS", "30")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// LoadServerConfig reads server configuration from the environment, after
// loading dotenvPath if that file exists. Flags that were explicitly set on
// flags take precedence over the environment; their names are the lowercase,
// dash-separated form of the variable (PORT -> --port).
func LoadServerConfig(dotenvPath string, flags *pflag.FlagSet) (ServerConfig, error) {
	if err := loadDotEnv(dotenvPath); err != nil {
		return ServerConfig{}, err
	}

	v := viper.New()
	v.AutomaticEnv()
	defaults(v)
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return ServerConfig{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	cfg := ServerConfig{
		GroqAPIKey:             strings.TrimSpace(v.GetString("GROQ_API_KEY")),
		ChatCompletionsURL:     v.GetString("GROQ_CHAT_COMPLETIONS_URL"),
		ModelProvider:          strings.ToLower(v.GetString("MODEL_PROVIDER")),
		DummyProviderScript:    v.GetString("DUMMY_PROVIDER_SCRIPT"),
		ChatDefaultModel:       v.GetString("CHAT_DEFAULT_MODEL"),
		PlaygroundDefaultModel: v.GetString("PLAYGROUND_DEFAULT_MODEL"),
		UpstreamErrorMode:      strings.ToLower(v.GetString("UPSTREAM_ERROR_MODE")),
		SessionStore:           strings.ToLower(v.GetString("SESSION_STORE")),
		DBPath:                 v.GetString("DB_PATH"),
		CORSAllowedOrigins:     splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		LogLevel:               strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:              strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	var err error
	if cfg.Port, err = intValue(v, "PORT", 1, 65535); err != nil {
		return ServerConfig{}, err
	}
	if cfg.UpstreamTimeout, err = secondsValue(v, "UPSTREAM_TIMEOUT_SECONDS", 1); err != nil {
		return ServerConfig{}, err
	}
	if cfg.SessionMaxSessions, err = intValue(v, "SESSION_MAX_SESSIONS", 1, 0); err != nil {
		return ServerConfig{}, err
	}
	if cfg.SessionTTL, err = secondsValue(v, "SESSION_TTL_SECONDS", 1); err != nil {
		return ServerConfig{}, err
	}
	if cfg.SessionMaxTurns, err = intValue(v, "SESSION_MAX_TURNS", 0, 0); err != nil {
		return ServerConfig{}, err
	}
	if cfg.CircuitThreshold, err = intValue(v, "CIRCUIT_THRESHOLD", 0, 0); err != nil {
		return ServerConfig{}, err
	}
	if cfg.CircuitCooldown, err = secondsValue(v, "CIRCUIT_COOLDOWN_SECONDS", 1); err != nil {
		return ServerConfig{}, err
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	switch c.ModelProvider {
	case ProviderGroq:
		if c.GroqAPIKey == "" {
			return fmt.Errorf("GROQ_API_KEY is required in environment when MODEL_PROVIDER=groq")
		}
	case ProviderDummy:
	default:
		return fmt.Errorf("MODEL_PROVIDER must be one of groq,dummy: got %q", c.ModelProvider)
	}

	switch c.UpstreamErrorMode {
	case ErrorModeInline, ErrorModeStatus:
	default:
		return fmt.Errorf("UPSTREAM_ERROR_MODE must be one of inline,status: got %q", c.UpstreamErrorMode)
	}

	switch c.SessionStore {
	case StoreMemory, StoreLRU, StoreTTL:
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required when SESSION_STORE=sqlite")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be one of memory,lru,ttl,sqlite: got %q", c.SessionStore)
	}

	// One turn cannot hold a prompt together with its reply.
	if c.SessionMaxTurns == 1 {
		return fmt.Errorf("SESSION_MAX_TURNS must be 0 or at least 2: got 1")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS must name at least one origin")
	}
	return nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	// Existing environment variables win over the file.
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// intValue parses key as an integer in [lo, hi]. hi <= 0 means no upper bound.
func intValue(v *viper.Viper, key string, lo, hi int) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: got %q", key, raw)
	}
	if n < lo || (hi > 0 && n > hi) {
		if hi > 0 {
			return 0, fmt.Errorf("%s must be between %d and %d: got %d", key, lo, hi, n)
		}
		return 0, fmt.Errorf("%s must be >= %d: got %d", key, lo, n)
	}
	return n, nil
}

func secondsValue(v *viper.Viper, key string, lo int) (time.Duration, error) {
	n, err := intValue(v, key, lo, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
