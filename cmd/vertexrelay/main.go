package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/api"
	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/logging"
	"github.com/denizumutdereli/vertexrelay/pkg/relay"
)

func main() {
	var cliOverrides core.CLIOverrides

	rootCmd := &cobra.Command{
		Use:   "vertexrelay",
		Short: "vertexrelay - runtime control plane for a Vertex AI relay",
		Long:  "Serves the relay dashboard and hot-reloads settings and service account credentials without a restart.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), &cliOverrides)
		},
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.Flags()

	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides VERTEXRELAY_CONFIG env)")
	cliOverrides.HTTPAddr = f.String("http-addr", "", "HTTP listen address")
	cliOverrides.DataPath = f.String("data-path", "", "Directory for the settings snapshot and stats journal")
	cliOverrides.Compress = f.Bool("compress", false, "Gzip the settings snapshot payload")

	// Security flags
	cliOverrides.WebPassword = f.String("web-password", "", "Password for configuration updates and stats resets")
	cliOverrides.AllowedOrigins = f.String("allowed-origins", "", "CORS allowed origins (comma-separated, \"*\" for all)")
	cliOverrides.MaxRequestBody = f.Int64("max-request-body", 0, "Maximum request body in bytes")
	cliOverrides.TLSCert = f.String("tls-cert", "", "Path to TLS certificate file")
	cliOverrides.TLSKey = f.String("tls-key", "", "Path to TLS private key file")

	// Credential flags
	cliOverrides.CredentialsDir = f.String("credentials-dir", "", "Directory of service account *.json files")
	cliOverrides.CredentialsJSON = f.String("credentials-json", "", "Credential blob: one JSON object or a comma-separated list")

	cliOverrides.StatsJournal = f.Bool("stats-journal", false, "Persist recorded calls in a sqlite journal")
	cliOverrides.ReinitTimeout = f.Duration("reinit-timeout", 0, "Upper bound for one backend client build")

	// MCP flags
	cliOverrides.MCPEnabled = f.Bool("mcp", false, "Enable the MCP endpoint")
	cliOverrides.MCPPath = f.String("mcp-path", "", "MCP endpoint path")
	cliOverrides.MCPAPIKey = f.String("mcp-api-key", "", "Shared secret for the MCP endpoint")

	cliOverrides.LogLevel = f.String("log-level", "", "Log level: debug, info, warn or error")
	cliOverrides.LogFormat = f.String("log-format", "", "Log format: console or json")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run implements the server startup sequence after CLI flags are parsed.
func run(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) error {
	core.PrintBanner()

	// Resolve config path: --config flag > VERTEXRELAY_CONFIG env var
	configPath := ""
	if cliOverrides.ConfigPath != nil && *cliOverrides.ConfigPath != "" {
		configPath = *cliOverrides.ConfigPath
	} else {
		configPath = os.Getenv("VERTEXRELAY_CONFIG")
	}

	// Load config through hierarchy: defaults -> YAML -> .env and env vars
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply CLI flag overrides (only flags that were explicitly set)
	applyExplicitFlags(flags, cfg, cliOverrides)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()
	undo := zap.ReplaceGlobals(log.Logger)
	defer undo()

	log.Info("configuration loaded",
		zap.String("data_path", cfg.Storage.DataPath),
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("credentials_dir", cfg.Credentials.Dir),
		zap.Bool("stats_journal", cfg.Stats.JournalEnabled),
	)

	rt, err := relay.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	httpServer := api.NewServer(rt)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	log.Info("vertexrelay is ready")

	core.WaitForShutdown(ctx, cancel)

	log.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := rt.Close(shutdownCtx); err != nil {
		log.Warn("runtime shutdown error", zap.Error(err))
	}

	log.Info("vertexrelay shutdown complete")
	return nil
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	if flags.Changed("http-addr") {
		overrides.HTTPAddr = o.HTTPAddr
	}
	if flags.Changed("data-path") {
		overrides.DataPath = o.DataPath
	}
	if flags.Changed("compress") {
		overrides.Compress = o.Compress
	}
	if flags.Changed("web-password") {
		overrides.WebPassword = o.WebPassword
	}
	if flags.Changed("allowed-origins") {
		overrides.AllowedOrigins = o.AllowedOrigins
	}
	if flags.Changed("max-request-body") {
		overrides.MaxRequestBody = o.MaxRequestBody
	}
	if flags.Changed("tls-cert") {
		overrides.TLSCert = o.TLSCert
	}
	if flags.Changed("tls-key") {
		overrides.TLSKey = o.TLSKey
	}
	if flags.Changed("credentials-dir") {
		overrides.CredentialsDir = o.CredentialsDir
	}
	if flags.Changed("credentials-json") {
		overrides.CredentialsJSON = o.CredentialsJSON
	}
	if flags.Changed("stats-journal") {
		overrides.StatsJournal = o.StatsJournal
	}
	if flags.Changed("reinit-timeout") {
		overrides.ReinitTimeout = o.ReinitTimeout
	}
	if flags.Changed("mcp") {
		overrides.MCPEnabled = o.MCPEnabled
	}
	if flags.Changed("mcp-path") {
		overrides.MCPPath = o.MCPPath
	}
	if flags.Changed("mcp-api-key") {
		overrides.MCPAPIKey = o.MCPAPIKey
	}
	if flags.Changed("log-level") {
		overrides.LogLevel = o.LogLevel
	}
	if flags.Changed("log-format") {
		overrides.LogFormat = o.LogFormat
	}

	cfg.ApplyCLIOverrides(&overrides)
}
