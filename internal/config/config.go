package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	Backend     string
	Model       string
	BaseURL     string // empty means the backend's default endpoint
	APIKey      string
	Temperature *float64
	MaxTokens   int
	Referer     string
	AppTitle    string
	HTTPTimeout time.Duration

	AuthURL string // base URL of the authentication service

	Store         string // memory|sqlite|redis
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	CacheMaxEntries int
	CacheTTL        time.Duration

	// RestoreSelection re-selects the persisted active conversation on hydration
	RestoreSelection bool

	Debug     bool
	LogDir    string
	PromptLog bool   // record sent prompts in <LogDir>/localchat_prompts.log
	HTTPAddr  string // UI API listen address, empty disables it

	// Authentication service
	AuthAddr  string
	JWTSecret string
	TokenTTL  time.Duration
}

// Load builds a Config from the environment, falling back to defaults.
// Command-line flags registered in cmd/* override the returned values.
func Load() (Config, error) {
	temperature, err := parseOptionalFloatEnv("LOCALCHAT_TEMPERATURE")
	if err != nil {
		return Config{}, err
	}
	if temperature == nil {
		t := 0.7
		temperature = &t
	}

	maxTokens, err := parseIntEnv("LOCALCHAT_MAX_TOKENS", 1024)
	if err != nil {
		return Config{}, err
	}
	httpTimeout, err := parseDurationEnv("LOCALCHAT_HTTP_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	redisDB, err := parseIntEnv("LOCALCHAT_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cacheMax, err := parseIntEnv("LOCALCHAT_CACHE_MAX_ENTRIES", 500)
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := parseDurationEnv("LOCALCHAT_CACHE_TTL", 30*24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	restore, err := parseBoolEnv("LOCALCHAT_RESTORE_SELECTION", false)
	if err != nil {
		return Config{}, err
	}
	debug, err := parseBoolEnv("LOCALCHAT_DEBUG", false)
	if err != nil {
		return Config{}, err
	}
	promptLog, err := parseBoolEnv("LOCALCHAT_PROMPT_LOG", true)
	if err != nil {
		return Config{}, err
	}
	tokenTTL, err := parseDurationEnv("AUTHD_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}

	backend := getEnvOrDefault("LOCALCHAT_BACKEND", BackendOpenAI)

	return Config{
		Backend:     backend,
		Model:       getEnvOrDefault("LOCALCHAT_MODEL", defaultModel(backend)),
		BaseURL:     getEnvOrDefault("LOCALCHAT_BASE_URL", ""),
		APIKey:      getEnvOrDefault("LOCALCHAT_API_KEY", apiKeyFor(backend)),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Referer:     getEnvOrDefault("LOCALCHAT_REFERER", "http://localhost:5173"),
		AppTitle:    getEnvOrDefault("LOCALCHAT_APP_TITLE", "LocalChat"),
		HTTPTimeout: httpTimeout,

		AuthURL: getEnvOrDefault("LOCALCHAT_AUTH_URL", "http://localhost:8000"),

		Store:         getEnvOrDefault("LOCALCHAT_STORE", StoreSQLite),
		SQLitePath:    getEnvOrDefault("LOCALCHAT_SQLITE_PATH", "localchat.db"),
		RedisAddr:     getEnvOrDefault("LOCALCHAT_REDIS_ADDR", "localhost:6379"),
		RedisPassword: strings.TrimSpace(os.Getenv("LOCALCHAT_REDIS_PASSWORD")),
		RedisDB:       redisDB,
		RedisPrefix:   getEnvOrDefault("LOCALCHAT_REDIS_PREFIX", ""),

		CacheMaxEntries: cacheMax,
		CacheTTL:        cacheTTL,

		RestoreSelection: restore,

		Debug:     debug,
		LogDir:    getEnvOrDefault("LOCALCHAT_LOG_DIR", "logs"),
		PromptLog: promptLog,
		HTTPAddr:  getEnvOrDefault("LOCALCHAT_HTTP_ADDR", ""),

		AuthAddr:  getEnvOrDefault("AUTHD_ADDR", ":8000"),
		JWTSecret: strings.TrimSpace(os.Getenv("AUTHD_JWT_SECRET")),
		TokenTTL:  tokenTTL,
	}, nil
}

// Validate checks the settings the client needs before it starts.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOpenAI, BackendOllama, BackendAnthropic:
	default:
		return fmt.Errorf("unknown backend: %q", c.Backend)
	}
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown store: %q", c.Store)
	}
	if c.Store == StoreSQLite && c.SQLitePath == "" {
		return errors.New("sqlite store needs a path")
	}
	if c.AuthURL == "" {
		return errors.New("auth URL is required")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("invalid cache max entries: %d", c.CacheMaxEntries)
	}
	return nil
}

// SetBackend switches to backend and re-derives the model and API key
// unless they were set explicitly through the environment.
func (c *Config) SetBackend(backend string) {
	c.Backend = backend
	if os.Getenv("LOCALCHAT_MODEL") == "" {
		c.Model = defaultModel(backend)
	}
	if os.Getenv("LOCALCHAT_API_KEY") == "" {
		c.APIKey = apiKeyFor(backend)
	}
}

func defaultModel(backend string) string {
	switch backend {
	case BackendOllama:
		return "llama3:latest"
	case BackendAnthropic:
		return "claude-sonnet-4-20250514"
	default:
		return "deepseek/deepseek-r1-0528-qwen3-8b:free"
	}
}

func apiKeyFor(backend string) string {
	switch backend {
	case BackendAnthropic:
		return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	case BackendOpenAI:
		if key := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); key != "" {
			return key
		}
		return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	return ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
