package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the deck generation service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Speech    SpeechConfig    `mapstructure:"speech"`
	Media     MediaConfig     `mapstructure:"media"`
	Research  ResearchConfig  `mapstructure:"research"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server, streaming and retention settings
type ServerConfig struct {
	Address      string          `mapstructure:"address"`
	JWTSecret    string          `mapstructure:"jwt_secret"` // empty disables API auth
	AllowOrigins []string        `mapstructure:"allow_origins"`
	MediaDir     string          `mapstructure:"media_dir"` // where synthesized audio lands
	Stream       StreamConfig    `mapstructure:"stream"`
	Retention    RetentionConfig `mapstructure:"retention"`
}

// StreamConfig tunes the NDJSON progress stream
type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
}

// RetentionConfig controls pruning of finished runs
type RetentionConfig struct {
	Cron   string        `mapstructure:"cron"` // empty disables the scheduler
	MaxAge time.Duration `mapstructure:"max_age"`
}

func (r RetentionConfig) Validate() error {
	if strings.TrimSpace(r.Cron) != "" && r.MaxAge <= 0 {
		return fmt.Errorf("server.retention.max_age must be > 0 when a cron is set")
	}
	return nil
}

// StorageConfig selects and configures the task store backend
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // memory, sqlite, postgres, redis
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "", "memory":
		return nil
	case "sqlite":
		if strings.TrimSpace(s.SQLite.Path) == "" {
			return fmt.Errorf("storage.sqlite.path required when driver is sqlite")
		}
		return nil
	case "postgres":
		return s.Postgres.Validate()
	case "redis":
		return s.Redis.Validate()
	default:
		return fmt.Errorf("storage.driver must be one of memory, sqlite, postgres, redis (got %q)", s.Driver)
	}
}

// SQLiteConfig contains embedded sqlite settings
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from either the URL or the discrete fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	host := p.Host
	if p.Port != "" {
		host = host + ":" + p.Port
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     host,
		Path:     "/" + p.DBName,
		RawQuery: "sslmode=" + ssl,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai or any openai-compatible endpoint
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model key to use for each pipeline stage
type LLMRoutingConfig struct {
	Planning string `mapstructure:"planning"` // phase decisions
	Research string `mapstructure:"research"` // research summaries
	Content  string `mapstructure:"content"`  // curriculum and slide drafting
	Visual   string `mapstructure:"visual"`   // mermaid/diagram code
	Fallback string `mapstructure:"fallback"`
}

// RatesFor returns the configured per-1K token costs for a model key.
func (l LLMConfig) RatesFor(model string) (input, output float64) {
	for _, p := range l.Providers {
		if m, ok := p.Models[model]; ok {
			return m.CostPer1K, m.CostPer1KOutput
		}
	}
	return 0, 0
}

// ModelFor resolves a stage to a configured model key, falling back as needed.
func (l LLMConfig) ModelFor(stage string) string {
	var key string
	switch stage {
	case "planning":
		key = l.Routing.Planning
	case "research":
		key = l.Routing.Research
	case "content":
		key = l.Routing.Content
	case "visual":
		key = l.Routing.Visual
	}
	if key == "" {
		key = l.Routing.Fallback
	}
	return key
}

// SpeechConfig contains TTS provider settings
type SpeechConfig struct {
	Provider       string        `mapstructure:"provider"` // openai or any openai-compatible endpoint
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Voice          string        `mapstructure:"voice"`
	Format         string        `mapstructure:"format"`
	Timeout        time.Duration `mapstructure:"timeout"`
	WordsPerMinute int           `mapstructure:"words_per_minute"` // used to estimate narration duration
}

// MediaConfig contains image/diagram generation settings
type MediaConfig struct {
	Provider   string        `mapstructure:"provider"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	ImageModel string        `mapstructure:"image_model"`
	ImageSize  string        `mapstructure:"image_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ResearchConfig controls reference-URL enrichment during research
type ResearchConfig struct {
	FetchSources      bool          `mapstructure:"fetch_sources"`
	RenderJS          bool          `mapstructure:"render_js"` // use headless chrome instead of plain GET
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	MaxCharsPerSource int           `mapstructure:"max_chars_per_source"`
}

// PipelineConfig contains the orchestration constants
type PipelineConfig struct {
	MaxIterations    int                 `mapstructure:"max_iterations"`  // hard planner ceiling
	StuckThreshold   int                 `mapstructure:"stuck_threshold"` // same-phase iterations before forced progression
	MaxRetries       int                 `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration       `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration       `mapstructure:"retry_max_delay"`
	VoiceConcurrency int                 `mapstructure:"voice_concurrency"`
	PollInterval     time.Duration       `mapstructure:"poll_interval"`
	PhaseTimeouts    PhaseTimeoutsConfig `mapstructure:"phase_timeouts"`
	RunTimeout       time.Duration       `mapstructure:"run_timeout"`
	GenerateTimeout  time.Duration       `mapstructure:"generate_timeout"`
	ImageTimeout     time.Duration       `mapstructure:"image_timeout"`
	SpeechTimeout    time.Duration       `mapstructure:"speech_timeout"`
	SupervisorTools  bool                `mapstructure:"supervisor_tools"` // opportunistic per-slide tool calls
	PlannerModel     bool                `mapstructure:"planner_model"`    // consult the planning model before the deterministic rules
}

// PhaseTimeoutsConfig bounds how long the runner waits after each worker phase
type PhaseTimeoutsConfig struct {
	Research time.Duration `mapstructure:"research"`
	Content  time.Duration `mapstructure:"content"`
	Visual   time.Duration `mapstructure:"visual"`
	Voice    time.Duration `mapstructure:"voice"`
}

// Normalize applies operational defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.MaxIterations <= 0 {
		p.MaxIterations = 12
	}
	if p.StuckThreshold <= 0 {
		p.StuckThreshold = 2
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 3
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = 500 * time.Millisecond
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 8 * time.Second
	}
	if p.VoiceConcurrency <= 0 {
		p.VoiceConcurrency = 5
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 500 * time.Millisecond
	}
	if p.PhaseTimeouts.Research <= 0 {
		p.PhaseTimeouts.Research = 120 * time.Second
	}
	if p.PhaseTimeouts.Content <= 0 {
		p.PhaseTimeouts.Content = 120 * time.Second
	}
	if p.PhaseTimeouts.Visual <= 0 {
		p.PhaseTimeouts.Visual = 90 * time.Second
	}
	if p.PhaseTimeouts.Voice <= 0 {
		p.PhaseTimeouts.Voice = 120 * time.Second
	}
	if p.RunTimeout <= 0 {
		p.RunTimeout = 30 * time.Minute
	}
	if p.GenerateTimeout <= 0 {
		p.GenerateTimeout = 120 * time.Second
	}
	if p.ImageTimeout <= 0 {
		p.ImageTimeout = 60 * time.Second
	}
	if p.SpeechTimeout <= 0 {
		p.SpeechTimeout = 60 * time.Second
	}
	return p
}

// Timeout returns the post-worker wait budget for a phase.
func (p PhaseTimeoutsConfig) Timeout(phase string) time.Duration {
	switch phase {
	case "research":
		return p.Research
	case "content":
		return p.Content
	case "visual":
		return p.Visual
	case "voice":
		return p.Voice
	default:
		return p.Content
	}
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// Normalize fills every unset section with its operational default.
func (c *Config) Normalize() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":10001"
	}
	if c.Server.MediaDir == "" {
		c.Server.MediaDir = "./media"
	}
	if c.Server.Stream.PollInterval <= 0 {
		c.Server.Stream.PollInterval = 500 * time.Millisecond
	}
	if c.Server.Stream.Heartbeat <= 0 {
		c.Server.Stream.Heartbeat = 5 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Speech.WordsPerMinute <= 0 {
		c.Speech.WordsPerMinute = 160
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "alloy"
	}
	if c.Speech.Format == "" {
		c.Speech.Format = "mp3"
	}
	if c.Research.FetchTimeout <= 0 {
		c.Research.FetchTimeout = 20 * time.Second
	}
	if c.Research.MaxCharsPerSource <= 0 {
		c.Research.MaxCharsPerSource = 4000
	}
	c.Pipeline = c.Pipeline.Normalize()
}

// Validate checks the sections that can be misconfigured in a breaking way.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Server.Retention.Validate(); err != nil {
		return err
	}
	return nil
}

// Default returns a ready-to-use configuration with no file or env input.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Load reads configuration from an optional file and DECKHAND_* env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.media_dir", "./media")
	v.SetDefault("server.stream.poll_interval", "500ms")
	v.SetDefault("server.stream.heartbeat", "5s")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("pipeline.max_iterations", 12)
	v.SetDefault("pipeline.stuck_threshold", 2)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_base_delay", "500ms")
	v.SetDefault("pipeline.retry_max_delay", "8s")
	v.SetDefault("pipeline.voice_concurrency", 5)
	v.SetDefault("pipeline.poll_interval", "500ms")
	v.SetDefault("pipeline.phase_timeouts.research", "120s")
	v.SetDefault("pipeline.phase_timeouts.content", "120s")
	v.SetDefault("pipeline.phase_timeouts.visual", "90s")
	v.SetDefault("pipeline.phase_timeouts.voice", "120s")
	v.SetDefault("pipeline.run_timeout", "30m")
	v.SetDefault("pipeline.generate_timeout", "120s")
	v.SetDefault("pipeline.image_timeout", "60s")
	v.SetDefault("pipeline.speech_timeout", "60s")
	v.SetDefault("pipeline.supervisor_tools", true)
	v.SetDefault("pipeline.planner_model", true)
	v.SetDefault("speech.words_per_minute", 160)
	v.SetDefault("speech.voice", "alloy")
	v.SetDefault("speech.format", "mp3")
	v.SetDefault("research.fetch_timeout", "20s")
	v.SetDefault("research.max_chars_per_source", 4000)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DECKHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine when no explicit path was given; env and defaults apply
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
