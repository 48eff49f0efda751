package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Version is reported by the dashboard and the health endpoint.
const Version = "1.4.0"

var builtInMCPTools = map[string]struct{}{
	"relay_dashboard":     {},
	"relay_update_config": {},
	"relay_reset_stats":   {},
}

// ---------------------------------------------------------------------------
// Config is the process configuration for a vertexrelay server.
//
// Resolution order (highest wins):
//
//	1. CLI flags explicitly set by the operator
//	2. Environment variables (VERTEXRELAY_* plus a few legacy names),
//	   optionally seeded from a .env file
//	3. YAML configuration file
//	4. Built-in defaults
//
// Duration fields accept Go duration strings ("30s", "5m", "1h").
// The Defaults section only seeds the runtime settings store; operators
// change those values later through the control plane.
// ---------------------------------------------------------------------------

// ServerConfig groups network listener settings.
type ServerConfig struct {
	// HTTPAddr is the listen address for the HTTP API (e.g. ":8050").
	HTTPAddr string `yaml:"httpAddr"`
}

// StorageConfig groups on-disk state settings.
type StorageConfig struct {
	// DataPath is the directory holding the settings snapshot and the
	// stats journal.
	DataPath string `yaml:"dataPath"`

	// Compress enables gzip for the settings snapshot payload.
	Compress bool `yaml:"compress"`

	// SettingsFile is the snapshot file name inside DataPath.
	SettingsFile string `yaml:"settingsFile"`
}

// SecurityConfig groups authentication and request-limiting settings.
type SecurityConfig struct {
	// WebPassword authorizes configuration updates and stats resets.
	WebPassword string `yaml:"webPassword"`

	// AllowedOrigins controls the CORS Access-Control-Allow-Origin header.
	AllowedOrigins string `yaml:"allowedOrigins"`

	// MaxRequestBody is the maximum accepted request body in bytes; 0 disables the limit.
	MaxRequestBody int64 `yaml:"maxRequestBody"`

	TLSCert string `yaml:"tlsCert"`
	TLSKey  string `yaml:"tlsKey"`

	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// CredentialsConfig groups credential source settings.
type CredentialsConfig struct {
	// JSON is the start-up credential blob (one JSON object or a
	// comma-separated list of objects).
	JSON string `yaml:"json"`

	// Dir is an optional directory of *.json service account files.
	Dir string `yaml:"dir"`

	// Watch enables fsnotify hot reload of Dir.
	Watch bool `yaml:"watch"`
}

// StatsConfig groups call/token aggregation settings.
type StatsConfig struct {
	// Retention is how long per-minute buckets are kept.
	Retention time.Duration `yaml:"retention"`

	// CleanupInterval is the minimum gap between daemon-driven stats cleanups.
	CleanupInterval time.Duration `yaml:"cleanupInterval"`

	// SeriesPoints is the number of one-minute points in dashboard series.
	SeriesPoints int `yaml:"seriesPoints"`

	// JournalEnabled persists recorded calls into a sqlite journal.
	JournalEnabled bool `yaml:"journalEnabled"`

	// JournalFile is the journal file name inside Storage.DataPath.
	JournalFile string `yaml:"journalFile"`
}

// CacheConfig groups response cache settings.
type CacheConfig struct {
	ExpiryTime time.Duration `yaml:"expiryTime"`
	MaxEntries int           `yaml:"maxEntries"`
}

// ModelsConfig groups model catalog settings.
type ModelsConfig struct {
	// CatalogURL serves the advertised model list as JSON. Empty keeps the
	// built-in catalog.
	CatalogURL string `yaml:"catalogURL"`
}

// ReinitConfig groups backend re-initialization settings.
type ReinitConfig struct {
	// Timeout bounds a single backend client build.
	Timeout time.Duration `yaml:"timeout"`

	// ResultBuffer is the capacity of the coordinator results channel.
	ResultBuffer int `yaml:"resultBuffer"`
}

// DaemonConfig groups background maintenance intervals.
type DaemonConfig struct {
	StatsCleanupInterval  time.Duration `yaml:"statsCleanupInterval"`
	CacheSweepInterval    time.Duration `yaml:"cacheSweepInterval"`
	RequestPruneInterval  time.Duration `yaml:"requestPruneInterval"`
	SettingsFlushInterval time.Duration `yaml:"settingsFlushInterval"`
}

// MCPConfig groups Model Context Protocol endpoint settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// APIKey is an optional shared secret read from X-API-Key or a Bearer token.
	APIKey string `yaml:"apiKey"`

	Stateless bool `yaml:"stateless"`

	// RateLimitRPS is per-client requests/second; 0 disables limiting.
	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`

	// AllowedTools is an optional allowlist; empty means all tools.
	AllowedTools []string `yaml:"allowedTools"`
}

// LogConfig groups logging settings.
type LogConfig struct {
	// Level is one of debug|info|warn|error.
	Level string `yaml:"level"`

	// Format is console or json.
	Format string `yaml:"format"`

	// RingSize is how many recent lines the dashboard can show.
	RingSize int `yaml:"ringSize"`
}

// RuntimeDefaults seeds the settings store at start-up.
type RuntimeDefaults struct {
	MaxRequestsPerMinute        int     `yaml:"maxRequestsPerMinute"`
	MaxRequestsPerDayPerIP      int     `yaml:"maxRequestsPerDayPerIP"`
	FakeStreaming               bool    `yaml:"fakeStreaming"`
	FakeStreamingInterval       float64 `yaml:"fakeStreamingInterval"`
	RandomString                bool    `yaml:"randomString"`
	RandomStringLength          int     `yaml:"randomStringLength"`
	SearchMode                  bool    `yaml:"searchMode"`
	SearchPrompt                string  `yaml:"searchPrompt"`
	ConcurrentRequests          int     `yaml:"concurrentRequests"`
	IncreaseConcurrentOnFailure int     `yaml:"increaseConcurrentOnFailure"`
	MaxConcurrentRequests       int     `yaml:"maxConcurrentRequests"`
	EnableVertex                bool    `yaml:"enableVertex"`
	EnableVertexExpress         bool    `yaml:"enableVertexExpress"`
	VertexExpressAPIKey         string  `yaml:"vertexExpressAPIKey"`
	MaxRetryNum                 int     `yaml:"maxRetryNum"`
	MaxEmptyResponses           int     `yaml:"maxEmptyResponses"`
}

// Config is the root configuration object.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Security    SecurityConfig    `yaml:"security"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Stats       StatsConfig       `yaml:"stats"`
	Cache       CacheConfig       `yaml:"cache"`
	Models      ModelsConfig      `yaml:"models"`
	Reinit      ReinitConfig      `yaml:"reinit"`
	Daemons     DaemonConfig      `yaml:"daemons"`
	MCP         MCPConfig         `yaml:"mcp"`
	Log         LogConfig         `yaml:"log"`
	Defaults    RuntimeDefaults   `yaml:"defaults"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with defaults that run a local
// relay out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8050",
		},
		Storage: StorageConfig{
			DataPath:     "./data",
			Compress:     false,
			SettingsFile: "settings.vrs",
		},
		Security: SecurityConfig{
			WebPassword:    "123456",
			AllowedOrigins: "http://localhost:8050",
			MaxRequestBody: 1 << 20,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
		Credentials: CredentialsConfig{
			Watch: true,
		},
		Stats: StatsConfig{
			Retention:       24 * time.Hour,
			CleanupInterval: time.Minute,
			SeriesPoints:    30,
			JournalEnabled:  false,
			JournalFile:     "stats.db",
		},
		Cache: CacheConfig{
			ExpiryTime: 6 * time.Hour,
			MaxEntries: 500,
		},
		Reinit: ReinitConfig{
			Timeout:      30 * time.Second,
			ResultBuffer: 16,
		},
		Daemons: DaemonConfig{
			StatsCleanupInterval:  5 * time.Minute,
			CacheSweepInterval:    time.Minute,
			RequestPruneInterval:  time.Minute,
			SettingsFlushInterval: 10 * time.Minute,
		},
		MCP: MCPConfig{
			Enabled:        false,
			Path:           "/mcp",
			Stateless:      true,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "console",
			RingSize: 500,
		},
		Defaults: RuntimeDefaults{
			MaxRequestsPerMinute:        30,
			MaxRequestsPerDayPerIP:      600,
			FakeStreaming:               true,
			FakeStreamingInterval:       1.0,
			RandomString:                true,
			RandomStringLength:          5,
			SearchMode:                  false,
			ConcurrentRequests:          1,
			IncreaseConcurrentOnFailure: 0,
			MaxConcurrentRequests:       3,
			MaxRetryNum:                 15,
			MaxEmptyResponses:           5,
		},
	}
}

// ConfigFromFile reads a YAML configuration file on top of the defaults.
// Fields absent from the file keep their default values.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadDotEnv loads the first .env file found in the working directory or
// its parent. Variables already present in the environment win.
// Returns the path that was loaded, or "" when none exists.
func LoadDotEnv() string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"), filepath.Join(filepath.Dir(cwd), ".env"))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// ConfigFromEnv applies environment variable overrides to cfg.
// If cfg is nil a default Config is created first.
//
//	VERTEXRELAY_HTTP_ADDR                → Server.HTTPAddr
//	VERTEXRELAY_DATA_PATH                → Storage.DataPath
//	VERTEXRELAY_COMPRESS                 → Storage.Compress
//	VERTEXRELAY_SETTINGS_FILE            → Storage.SettingsFile
//	VERTEXRELAY_WEB_PASSWORD             → Security.WebPassword (also PASSWORD, WEB_PASSWORD)
//	VERTEXRELAY_ALLOWED_ORIGINS          → Security.AllowedOrigins
//	VERTEXRELAY_MAX_REQUEST_BODY         → Security.MaxRequestBody
//	VERTEXRELAY_TLS_CERT / _TLS_KEY      → Security.TLSCert / TLSKey
//	VERTEXRELAY_READ_TIMEOUT             → Security.ReadTimeout
//	VERTEXRELAY_WRITE_TIMEOUT            → Security.WriteTimeout
//	VERTEXRELAY_CREDENTIALS_JSON         → Credentials.JSON (also GOOGLE_CREDENTIALS_JSON)
//	VERTEXRELAY_CREDENTIALS_DIR          → Credentials.Dir
//	VERTEXRELAY_CREDENTIALS_WATCH        → Credentials.Watch
//	VERTEXRELAY_STATS_RETENTION          → Stats.Retention
//	VERTEXRELAY_STATS_CLEANUP_INTERVAL   → Stats.CleanupInterval
//	VERTEXRELAY_STATS_JOURNAL            → Stats.JournalEnabled
//	VERTEXRELAY_CACHE_EXPIRY             → Cache.ExpiryTime
//	VERTEXRELAY_CACHE_MAX_ENTRIES        → Cache.MaxEntries
//	VERTEXRELAY_REINIT_TIMEOUT           → Reinit.Timeout
//	VERTEXRELAY_MODELS_URL               → Models.CatalogURL
//	VERTEXRELAY_MCP_ENABLED              → MCP.Enabled
//	VERTEXRELAY_MCP_PATH                 → MCP.Path
//	VERTEXRELAY_MCP_API_KEY              → MCP.APIKey
//	VERTEXRELAY_MCP_RATE_LIMIT_RPS       → MCP.RateLimitRPS
//	VERTEXRELAY_MCP_RATE_LIMIT_BURST     → MCP.RateLimitBurst
//	VERTEXRELAY_MCP_ALLOWED_TOOLS        → MCP.AllowedTools (comma-separated)
//	VERTEXRELAY_LOG_LEVEL                → Log.Level
//	VERTEXRELAY_LOG_FORMAT               → Log.Format
//
// Runtime defaults use the legacy unprefixed names operators already
// deploy with (MAX_REQUESTS_PER_MINUTE, FAKE_STREAMING, VERTEX_EXPRESS_API_KEY, ...).
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Server --
	setEnvStr("VERTEXRELAY_HTTP_ADDR", &cfg.Server.HTTPAddr)

	// -- Storage --
	setEnvStr("VERTEXRELAY_DATA_PATH", &cfg.Storage.DataPath)
	setEnvBool("VERTEXRELAY_COMPRESS", &cfg.Storage.Compress)
	setEnvStr("VERTEXRELAY_SETTINGS_FILE", &cfg.Storage.SettingsFile)

	// -- Security --
	setEnvStr("PASSWORD", &cfg.Security.WebPassword)
	setEnvStr("WEB_PASSWORD", &cfg.Security.WebPassword)
	setEnvStr("VERTEXRELAY_WEB_PASSWORD", &cfg.Security.WebPassword)
	setEnvStr("VERTEXRELAY_ALLOWED_ORIGINS", &cfg.Security.AllowedOrigins)
	setEnvInt64("VERTEXRELAY_MAX_REQUEST_BODY", &cfg.Security.MaxRequestBody)
	setEnvStr("VERTEXRELAY_TLS_CERT", &cfg.Security.TLSCert)
	setEnvStr("VERTEXRELAY_TLS_KEY", &cfg.Security.TLSKey)
	setEnvDuration("VERTEXRELAY_READ_TIMEOUT", &cfg.Security.ReadTimeout)
	setEnvDuration("VERTEXRELAY_WRITE_TIMEOUT", &cfg.Security.WriteTimeout)

	// -- Credentials --
	setEnvStr("GOOGLE_CREDENTIALS_JSON", &cfg.Credentials.JSON)
	setEnvStr("VERTEXRELAY_CREDENTIALS_JSON", &cfg.Credentials.JSON)
	setEnvStr("VERTEXRELAY_CREDENTIALS_DIR", &cfg.Credentials.Dir)
	setEnvBool("VERTEXRELAY_CREDENTIALS_WATCH", &cfg.Credentials.Watch)

	// -- Stats / cache / reinit --
	setEnvDuration("VERTEXRELAY_STATS_RETENTION", &cfg.Stats.Retention)
	setEnvDuration("VERTEXRELAY_STATS_CLEANUP_INTERVAL", &cfg.Stats.CleanupInterval)
	setEnvBool("VERTEXRELAY_STATS_JOURNAL", &cfg.Stats.JournalEnabled)
	setEnvDuration("VERTEXRELAY_CACHE_EXPIRY", &cfg.Cache.ExpiryTime)
	setEnvInt("VERTEXRELAY_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	setEnvDuration("VERTEXRELAY_REINIT_TIMEOUT", &cfg.Reinit.Timeout)
	setEnvStr("VERTEXRELAY_MODELS_URL", &cfg.Models.CatalogURL)

	// -- MCP --
	setEnvBool("VERTEXRELAY_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("VERTEXRELAY_MCP_PATH", &cfg.MCP.Path)
	setEnvStr("VERTEXRELAY_MCP_API_KEY", &cfg.MCP.APIKey)
	setEnvBool("VERTEXRELAY_MCP_STATELESS", &cfg.MCP.Stateless)
	setEnvFloat("VERTEXRELAY_MCP_RATE_LIMIT_RPS", &cfg.MCP.RateLimitRPS)
	setEnvInt("VERTEXRELAY_MCP_RATE_LIMIT_BURST", &cfg.MCP.RateLimitBurst)
	setEnvCSV("VERTEXRELAY_MCP_ALLOWED_TOOLS", &cfg.MCP.AllowedTools)

	// -- Log --
	setEnvStr("VERTEXRELAY_LOG_LEVEL", &cfg.Log.Level)
	setEnvStr("VERTEXRELAY_LOG_FORMAT", &cfg.Log.Format)

	// -- Runtime defaults --
	d := &cfg.Defaults
	setEnvInt("MAX_REQUESTS_PER_MINUTE", &d.MaxRequestsPerMinute)
	setEnvInt("MAX_REQUESTS_PER_DAY_PER_IP", &d.MaxRequestsPerDayPerIP)
	setEnvBool("FAKE_STREAMING", &d.FakeStreaming)
	setEnvFloat("FAKE_STREAMING_INTERVAL", &d.FakeStreamingInterval)
	setEnvBool("RANDOM_STRING", &d.RandomString)
	setEnvInt("RANDOM_STRING_LENGTH", &d.RandomStringLength)
	setEnvBool("SEARCH_MODE", &d.SearchMode)
	setEnvStr("SEARCH_PROMPT", &d.SearchPrompt)
	setEnvInt("CONCURRENT_REQUESTS", &d.ConcurrentRequests)
	setEnvInt("INCREASE_CONCURRENT_ON_FAILURE", &d.IncreaseConcurrentOnFailure)
	setEnvInt("MAX_CONCURRENT_REQUESTS", &d.MaxConcurrentRequests)
	setEnvBool("ENABLE_VERTEX", &d.EnableVertex)
	setEnvBool("ENABLE_VERTEX_EXPRESS", &d.EnableVertexExpress)
	setEnvStr("VERTEX_EXPRESS_API_KEY", &d.VertexExpressAPIKey)
	setEnvInt("MAX_RETRY_NUM", &d.MaxRetryNum)
	setEnvInt("MAX_EMPTY_RESPONSES", &d.MaxEmptyResponses)

	return cfg
}

// LoadConfig resolves configuration from file (when configPath is set)
// and environment. The caller applies CLI overrides afterwards.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// SettingsPath is the absolute-or-relative path of the settings snapshot.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.Storage.DataPath, c.Storage.SettingsFile)
}

// JournalPath is the path of the sqlite stats journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Storage.DataPath, c.Stats.JournalFile)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the configuration and
// normalizes a few fields in place. Returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.httpAddr must not be empty")
	}

	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}
	if c.Storage.SettingsFile == "" {
		return fmt.Errorf("storage.settingsFile must not be empty")
	}

	// Security
	if c.Security.WebPassword == "" {
		return fmt.Errorf("security.webPassword must not be empty")
	}
	if c.Security.WebPassword == "123456" {
		if isProductionMode() {
			return fmt.Errorf("security.webPassword must not use default value in production")
		}
		zap.L().Warn("security.webPassword is set to the default value; change it before deploying")
	}
	if c.Security.MaxRequestBody < 0 {
		return fmt.Errorf("security.maxRequestBody must be >= 0 (0 = unlimited)")
	}
	if c.Security.ReadTimeout <= 0 {
		return fmt.Errorf("security.readTimeout must be > 0")
	}
	if c.Security.WriteTimeout <= 0 {
		return fmt.Errorf("security.writeTimeout must be > 0")
	}
	if c.Security.AllowedOrigins == "*" {
		zap.L().Warn(`security.allowedOrigins is "*"; restrict it for production use`)
	}
	if c.Security.TLSCert != "" && c.Security.TLSKey == "" {
		return fmt.Errorf("security.tlsKey is required when security.tlsCert is set")
	}
	if c.Security.TLSKey != "" && c.Security.TLSCert == "" {
		return fmt.Errorf("security.tlsCert is required when security.tlsKey is set")
	}

	// Stats
	if c.Stats.Retention < time.Hour {
		return fmt.Errorf("stats.retention must be >= 1h, got %v", c.Stats.Retention)
	}
	if c.Stats.CleanupInterval <= 0 {
		return fmt.Errorf("stats.cleanupInterval must be > 0")
	}
	if c.Stats.SeriesPoints < 1 || c.Stats.SeriesPoints > 1440 {
		return fmt.Errorf("stats.seriesPoints must be between 1 and 1440, got %d", c.Stats.SeriesPoints)
	}
	if c.Stats.JournalEnabled && c.Stats.JournalFile == "" {
		return fmt.Errorf("stats.journalFile must not be empty when stats.journalEnabled is true")
	}

	// Cache
	if c.Cache.ExpiryTime <= 0 {
		return fmt.Errorf("cache.expiryTime must be > 0")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.maxEntries must be >= 1, got %d", c.Cache.MaxEntries)
	}

	// Reinit
	if c.Reinit.Timeout <= 0 {
		return fmt.Errorf("reinit.timeout must be > 0")
	}
	if c.Reinit.ResultBuffer < 0 {
		return fmt.Errorf("reinit.resultBuffer must be >= 0")
	}

	for name, d := range map[string]time.Duration{
		"daemons.statsCleanupInterval":  c.Daemons.StatsCleanupInterval,
		"daemons.cacheSweepInterval":    c.Daemons.CacheSweepInterval,
		"daemons.requestPruneInterval":  c.Daemons.RequestPruneInterval,
		"daemons.settingsFlushInterval": c.Daemons.SettingsFlushInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	// MCP
	mcpPath := strings.TrimSpace(c.MCP.Path)
	if mcpPath == "" {
		mcpPath = "/mcp"
	}
	if !strings.HasPrefix(mcpPath, "/") {
		return fmt.Errorf("mcp.path must start with '/'")
	}
	if len(mcpPath) > 1 {
		mcpPath = strings.TrimRight(mcpPath, "/")
	}
	c.MCP.Path = mcpPath
	if c.MCP.RateLimitRPS < 0 {
		return fmt.Errorf("mcp.rateLimitRPS must be >= 0")
	}
	if c.MCP.RateLimitBurst < 0 {
		return fmt.Errorf("mcp.rateLimitBurst must be >= 0")
	}
	if len(c.MCP.AllowedTools) > 0 {
		seen := make(map[string]struct{}, len(c.MCP.AllowedTools))
		tools := make([]string, 0, len(c.MCP.AllowedTools))
		for _, name := range c.MCP.AllowedTools {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := builtInMCPTools[name]; !ok {
				return fmt.Errorf("mcp.allowedTools contains unsupported tool: %s", name)
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			tools = append(tools, name)
		}
		c.MCP.AllowedTools = tools
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		c.Log.Level = strings.ToLower(c.Log.Level)
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Log.RingSize < 1 {
		return fmt.Errorf("log.ringSize must be >= 1, got %d", c.Log.RingSize)
	}

	// Runtime defaults follow the same bounds the control plane enforces.
	d := c.Defaults
	for name, v := range map[string]int{
		"defaults.maxRequestsPerMinute":   d.MaxRequestsPerMinute,
		"defaults.maxRequestsPerDayPerIP": d.MaxRequestsPerDayPerIP,
		"defaults.randomStringLength":     d.RandomStringLength,
		"defaults.concurrentRequests":     d.ConcurrentRequests,
		"defaults.maxConcurrentRequests":  d.MaxConcurrentRequests,
		"defaults.maxRetryNum":            d.MaxRetryNum,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if d.IncreaseConcurrentOnFailure < 0 {
		return fmt.Errorf("defaults.increaseConcurrentOnFailure must be >= 0")
	}
	if d.MaxEmptyResponses < 0 {
		return fmt.Errorf("defaults.maxEmptyResponses must be >= 0")
	}
	if d.FakeStreamingInterval <= 0 {
		return fmt.Errorf("defaults.fakeStreamingInterval must be > 0")
	}

	return nil
}

func isProductionMode() bool {
	for _, key := range []string{"VERTEXRELAY_ENV", "GO_ENV", "APP_ENV"} {
		v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
		if v == "production" || v == "prod" {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool accepts anything strconv.ParseBool does; bad values are ignored.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setEnvDuration also accepts a bare integer as seconds.
func setEnvDuration(key string, target *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*target = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*target = time.Duration(secs) * time.Second
	}
}

func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func setEnvCSV(key string, target *[]string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = SplitCSV(v)
	}
}

// SplitCSV splits on commas, trims each part and drops empty parts.
func SplitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// CLI flag overrides: the final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries values set via command-line flags. Nil fields were
// not given on the command line.
type CLIOverrides struct {
	ConfigPath      *string
	HTTPAddr        *string
	DataPath        *string
	Compress        *bool
	WebPassword     *string
	AllowedOrigins  *string
	MaxRequestBody  *int64
	TLSCert         *string
	TLSKey          *string
	CredentialsDir  *string
	CredentialsJSON *string
	StatsJournal    *bool
	ReinitTimeout   *time.Duration
	MCPEnabled      *bool
	MCPPath         *string
	MCPAPIKey       *string
	LogLevel        *string
	LogFormat       *string
}

// ApplyCLIOverrides patches the Config with explicitly-set CLI flags.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.HTTPAddr != nil {
		c.Server.HTTPAddr = *o.HTTPAddr
	}
	if o.DataPath != nil {
		c.Storage.DataPath = *o.DataPath
	}
	if o.Compress != nil {
		c.Storage.Compress = *o.Compress
	}
	if o.WebPassword != nil {
		c.Security.WebPassword = *o.WebPassword
	}
	if o.AllowedOrigins != nil {
		c.Security.AllowedOrigins = *o.AllowedOrigins
	}
	if o.MaxRequestBody != nil {
		c.Security.MaxRequestBody = *o.MaxRequestBody
	}
	if o.TLSCert != nil {
		c.Security.TLSCert = *o.TLSCert
	}
	if o.TLSKey != nil {
		c.Security.TLSKey = *o.TLSKey
	}
	if o.CredentialsDir != nil {
		c.Credentials.Dir = *o.CredentialsDir
	}
	if o.CredentialsJSON != nil {
		c.Credentials.JSON = *o.CredentialsJSON
	}
	if o.StatsJournal != nil {
		c.Stats.JournalEnabled = *o.StatsJournal
	}
	if o.ReinitTimeout != nil {
		c.Reinit.Timeout = *o.ReinitTimeout
	}
	if o.MCPEnabled != nil {
		c.MCP.Enabled = *o.MCPEnabled
	}
	if o.MCPPath != nil {
		c.MCP.Path = *o.MCPPath
	}
	if o.MCPAPIKey != nil {
		c.MCP.APIKey = *o.MCPAPIKey
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		c.Log.Format = *o.LogFormat
	}
}

// ---------------------------------------------------------------------------
// Lifecycle helpers
// ---------------------------------------------------------------------------

// WaitForShutdown blocks until SIGINT/SIGTERM or ctx is done, then cancels.
func WaitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		zap.L().Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
	}
}

// PrintBanner prints the startup banner to stdout.
func PrintBanner() {
	banner := `
                 _                    _
 __   _____ _ __| |_ _____  ___ __ __| | __ _ _   _
 \ \ / / _ \ '__| __/ _ \ \/ / '__/ _ \ |/ _' | | | |
  \ V /  __/ |  | ||  __/>  <| | |  __/ | (_| | |_| |
   \_/ \___|_|   \__\___/_/\_\_|  \___|_|\__,_|\__, |
                                               |___/
    Vertex AI relay · control plane v` + Version + `
    ────────────────────────────────────
`
	fmt.Print(banner)
}
