package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// DefaultConfig tests
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPAddr != ":8050" {
		t.Errorf("expected Server.HTTPAddr ':8050', got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Storage.DataPath != "./data" {
		t.Errorf("expected Storage.DataPath './data', got %q", cfg.Storage.DataPath)
	}
	if cfg.Stats.Retention != 24*time.Hour {
		t.Errorf("expected Stats.Retention 24h, got %v", cfg.Stats.Retention)
	}
	if cfg.Stats.SeriesPoints != 30 {
		t.Errorf("expected Stats.SeriesPoints 30, got %d", cfg.Stats.SeriesPoints)
	}
	if cfg.Cache.ExpiryTime != 6*time.Hour {
		t.Errorf("expected Cache.ExpiryTime 6h, got %v", cfg.Cache.ExpiryTime)
	}
	if cfg.Log.RingSize != 500 {
		t.Errorf("expected Log.RingSize 500, got %d", cfg.Log.RingSize)
	}

	d := cfg.Defaults
	if d.MaxRequestsPerMinute != 30 || d.MaxRequestsPerDayPerIP != 600 {
		t.Errorf("unexpected request limits: %d/%d", d.MaxRequestsPerMinute, d.MaxRequestsPerDayPerIP)
	}
	if !d.FakeStreaming || d.FakeStreamingInterval != 1.0 {
		t.Errorf("unexpected fake streaming defaults: %v/%v", d.FakeStreaming, d.FakeStreamingInterval)
	}
	if d.MaxRetryNum != 15 || d.MaxEmptyResponses != 5 {
		t.Errorf("unexpected retry defaults: %d/%d", d.MaxRetryNum, d.MaxEmptyResponses)
	}
}

func TestDefaultConfigPassesValidation(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// File / env layering
// ---------------------------------------------------------------------------

func TestConfigFromFile_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yaml := `
server:
  httpAddr: ":9999"
stats:
  seriesPoints: 60
defaults:
  maxRetryNum: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := ConfigFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Errorf("expected :9999, got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Stats.SeriesPoints != 60 {
		t.Errorf("expected 60 series points, got %d", cfg.Stats.SeriesPoints)
	}
	if cfg.Defaults.MaxRetryNum != 3 {
		t.Errorf("expected maxRetryNum 3, got %d", cfg.Defaults.MaxRetryNum)
	}
	// untouched fields keep defaults
	if cfg.Defaults.MaxRequestsPerMinute != 30 {
		t.Errorf("expected default maxRequestsPerMinute, got %d", cfg.Defaults.MaxRequestsPerMinute)
	}
}

func TestConfigFromFile_NotFound(t *testing.T) {
	if _, err := ConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigFromFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ConfigFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfigFromEnv_PrefixedAndLegacy(t *testing.T) {
	t.Setenv("VERTEXRELAY_HTTP_ADDR", ":7000")
	t.Setenv("PASSWORD", "legacy")
	t.Setenv("GOOGLE_CREDENTIALS_JSON", `{"project_id":"p"}`)
	t.Setenv("VERTEXRELAY_REINIT_TIMEOUT", "45")
	t.Setenv("VERTEXRELAY_MCP_ALLOWED_TOOLS", " relay_dashboard , ,relay_reset_stats")
	t.Setenv("FAKE_STREAMING", "false")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "9")

	cfg := ConfigFromEnv(nil)

	if cfg.Server.HTTPAddr != ":7000" {
		t.Errorf("expected :7000, got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Security.WebPassword != "legacy" {
		t.Errorf("expected legacy password, got %q", cfg.Security.WebPassword)
	}
	if cfg.Credentials.JSON != `{"project_id":"p"}` {
		t.Errorf("unexpected credentials blob %q", cfg.Credentials.JSON)
	}
	if cfg.Reinit.Timeout != 45*time.Second {
		t.Errorf("expected bare seconds to parse, got %v", cfg.Reinit.Timeout)
	}
	if len(cfg.MCP.AllowedTools) != 2 {
		t.Errorf("expected 2 allowed tools, got %v", cfg.MCP.AllowedTools)
	}
	if cfg.Defaults.FakeStreaming {
		t.Error("expected FAKE_STREAMING=false to apply")
	}
	if cfg.Defaults.MaxConcurrentRequests != 9 {
		t.Errorf("expected 9, got %d", cfg.Defaults.MaxConcurrentRequests)
	}
}

func TestConfigFromEnv_PrefixedPasswordWins(t *testing.T) {
	t.Setenv("PASSWORD", "legacy")
	t.Setenv("WEB_PASSWORD", "web")
	t.Setenv("VERTEXRELAY_WEB_PASSWORD", "prefixed")

	cfg := ConfigFromEnv(nil)
	if cfg.Security.WebPassword != "prefixed" {
		t.Errorf("expected prefixed password to win, got %q", cfg.Security.WebPassword)
	}
}

func TestConfigFromEnv_IgnoresInvalidValues(t *testing.T) {
	t.Setenv("MAX_RETRY_NUM", "lots")
	t.Setenv("VERTEXRELAY_STATS_RETENTION", "forever")
	t.Setenv("VERTEXRELAY_COMPRESS", "maybe")

	cfg := ConfigFromEnv(nil)
	def := DefaultConfig()
	if cfg.Defaults.MaxRetryNum != def.Defaults.MaxRetryNum {
		t.Errorf("expected default retry num, got %d", cfg.Defaults.MaxRetryNum)
	}
	if cfg.Stats.Retention != def.Stats.Retention {
		t.Errorf("expected default retention, got %v", cfg.Stats.Retention)
	}
	if cfg.Storage.Compress != def.Storage.Compress {
		t.Error("expected compress to keep default")
	}
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("server:\n  httpAddr: \":1111\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VERTEXRELAY_HTTP_ADDR", ":2222")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.HTTPAddr != ":2222" {
		t.Errorf("expected env to override yaml, got %q", cfg.Server.HTTPAddr)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("VERTEXRELAY_DOTENV_PROBE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("VERTEXRELAY_DOTENV_PROBE")
	})

	if got := LoadDotEnv(); got == "" {
		t.Fatal("expected a .env file to be loaded")
	}
	if v := os.Getenv("VERTEXRELAY_DOTENV_PROBE"); v != "from-file" {
		t.Errorf("expected value from .env, got %q", v)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty http addr", func(c *Config) { c.Server.HTTPAddr = "" }},
		{"empty data path", func(c *Config) { c.Storage.DataPath = "" }},
		{"empty password", func(c *Config) { c.Security.WebPassword = "" }},
		{"negative body limit", func(c *Config) { c.Security.MaxRequestBody = -1 }},
		{"cert without key", func(c *Config) { c.Security.TLSCert = "cert.pem" }},
		{"short retention", func(c *Config) { c.Stats.Retention = time.Minute }},
		{"zero series", func(c *Config) { c.Stats.SeriesPoints = 0 }},
		{"zero reinit timeout", func(c *Config) { c.Reinit.Timeout = 0 }},
		{"zero daemon interval", func(c *Config) { c.Daemons.CacheSweepInterval = 0 }},
		{"relative mcp path", func(c *Config) { c.MCP.Path = "mcp" }},
		{"unknown mcp tool", func(c *Config) { c.MCP.AllowedTools = []string{"drop_tables"} }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero rpm default", func(c *Config) { c.Defaults.MaxRequestsPerMinute = 0 }},
		{"negative empty responses", func(c *Config) { c.Defaults.MaxEmptyResponses = -1 }},
		{"zero stream interval", func(c *Config) { c.Defaults.FakeStreamingInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_Normalizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MCP.Path = "/relay-mcp/"
	cfg.MCP.AllowedTools = []string{" relay_dashboard", "relay_dashboard", ""}
	cfg.Log.Level = "DEBUG"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MCP.Path != "/relay-mcp" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.MCP.Path)
	}
	if len(cfg.MCP.AllowedTools) != 1 {
		t.Errorf("expected deduplicated tools, got %v", cfg.MCP.AllowedTools)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected lowercased level, got %q", cfg.Log.Level)
	}
}

func TestValidate_DefaultPasswordRejectedInProduction(t *testing.T) {
	t.Setenv("VERTEXRELAY_ENV", "production")
	if err := DefaultConfig().Validate(); err == nil {
		t.Fatal("expected default password to be rejected in production")
	}
}

// ---------------------------------------------------------------------------
// CLI overrides
// ---------------------------------------------------------------------------

func TestApplyCLIOverrides(t *testing.T) {
	cfg := DefaultConfig()
	addr := ":6000"
	journal := true
	timeout := 5 * time.Second

	cfg.ApplyCLIOverrides(&CLIOverrides{
		HTTPAddr:      &addr,
		StatsJournal:  &journal,
		ReinitTimeout: &timeout,
	})

	if cfg.Server.HTTPAddr != ":6000" {
		t.Errorf("expected :6000, got %q", cfg.Server.HTTPAddr)
	}
	if !cfg.Stats.JournalEnabled {
		t.Error("expected journal enabled")
	}
	if cfg.Reinit.Timeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.Reinit.Timeout)
	}
	// unset flags leave values alone
	if cfg.Storage.DataPath != "./data" {
		t.Errorf("expected data path untouched, got %q", cfg.Storage.DataPath)
	}

	cfg.ApplyCLIOverrides(nil)
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a, b ,,c ,")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("unexpected split result %v", got)
	}
	if len(SplitCSV("")) != 0 {
		t.Error("expected empty result for empty input")
	}
}
