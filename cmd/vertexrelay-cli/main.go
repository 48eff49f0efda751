package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
)

// cli holds the shared state for all subcommands.
type cli struct {
	conn       *core.ConnInfo
	httpClient *http.Client
	out        io.Writer
	errOut     io.Writer
	raw        bool
}

func newCLI() *cli {
	return &cli{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		out:        os.Stdout,
		errOut:     os.Stderr,
	}
}

func main() {
	if err := newRootCmd(newCLI()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	var connectStr, password string

	rootCmd := &cobra.Command{
		Use:   "vertexrelay-cli",
		Short: "vertexrelay-cli - operator client for a running relay",
		Long:  "Reads the relay dashboard and changes runtime settings over the HTTP API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if connectStr == "" {
				connectStr = os.Getenv("VERTEXRELAY_URL")
			}
			if connectStr == "" {
				connectStr = "vertexrelay://localhost:" + core.DefaultPort
			}
			info, err := core.ParseConnString(connectStr)
			if err != nil {
				return fmt.Errorf("invalid connection string: %w", err)
			}
			if password != "" {
				info.Password = password
			}
			c.conn = info
			return nil
		},
		// When called with no subcommand, drop into the interactive shell.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(c, os.Stdin)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&connectStr, "connect", "", "Connection string (vertexrelay://[:password@]host[:port][/prefix])")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "Web password (overrides the connection string)")
	rootCmd.PersistentFlags().BoolVar(&c.raw, "json", false, "Print raw JSON instead of formatted output")

	// ── Health ──────────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printJSON(http.MethodGet, c.rootURL()+"/health", nil, false)
		},
	})

	// ── Dashboard ───────────────────────────────────────────
	dashCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show counters, a call chart and recent logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			width, _ := cmd.Flags().GetInt("width")
			logs, _ := cmd.Flags().GetInt("logs")
			return c.dashboard(width, logs)
		},
	}
	dashCmd.Flags().Int("width", 60, "Chart width in columns")
	dashCmd.Flags().Int("logs", 10, "Number of recent log lines to show")
	rootCmd.AddCommand(dashCmd)

	// ── Config commands ─────────────────────────────────────
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Runtime settings",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.configShow()
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one runtime setting",
		Long: `Change one runtime setting. The value is read as JSON when it is a
JSON number, boolean or quoted string, otherwise it is sent as text:

  config set max_retry_num 5
  config set enable_vertex true
  config set search_prompt "answer briefly"
  config set google_credentials_json '{"type":"service_account",...}'

Run "config show" for the list of keys.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.configSet(args[0], args[1])
		},
	})

	rootCmd.AddCommand(configCmd)

	// ── Stats ───────────────────────────────────────────────
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Call statistics",
	}
	statsCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear all call and token statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.statsReset()
		},
	})
	rootCmd.AddCommand(statsCmd)

	// ── Admin commands ──────────────────────────────────────
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Server administration commands",
	}

	adminCmd.AddCommand(&cobra.Command{
		Use:   "daemons",
		Short: "Show daemon intervals and the last re-initialization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printJSON(http.MethodGet, c.rootURL()+"/admin/daemons", nil, true)
		},
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "persist",
		Short: "Write the settings snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printJSON(http.MethodPost, c.rootURL()+"/admin/persist", nil, true)
		},
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "reinit",
		Short: "Rebuild the backend client and wait for the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printJSON(http.MethodPost, c.rootURL()+"/admin/reinit?wait=true", nil, true)
		},
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "log-level [level]",
		Short: "Show or change the server log level",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.printJSON(http.MethodGet, c.rootURL()+"/admin/log-level", nil, true)
			}
			return c.printJSON(http.MethodPut, c.rootURL()+"/admin/log-level", map[string]string{"level": args[0]}, true)
		},
	})

	rootCmd.AddCommand(adminCmd)
	return rootCmd
}

// ── HTTP helpers ────────────────────────────────────────────

// rootURL is the server root; operator routes are not mounted under a prefix.
func (c *cli) rootURL() string {
	return strings.TrimSuffix(c.conn.BaseURL(), c.conn.Prefix)
}

// apiError is the server error envelope.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// do sends body as JSON and returns the response payload. Responses with
// status >= 400 become errors carrying the server's message.
func (c *cli) do(method, url string, body any, admin bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if admin && c.conn.Password != "" {
		req.SetBasicAuth("operator", c.conn.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s (HTTP %d, %s)", e.Error, resp.StatusCode, e.Code)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *cli) printJSON(method, url string, body any, admin bool) error {
	data, err := c.do(method, url, body, admin)
	if err != nil {
		return err
	}
	c.writePretty(data)
	return nil
}

func (c *cli) writePretty(data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(c.out, string(data))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(c.out, string(out))
}

// ── Commands ────────────────────────────────────────────────

func (c *cli) fetchDashboard() (dashboardData, []byte, error) {
	var d dashboardData
	data, err := c.do(http.MethodGet, c.conn.BaseURL()+"/dashboard-data", nil, false)
	if err != nil {
		return d, nil, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, nil, fmt.Errorf("failed to decode dashboard: %w", err)
	}
	return d, data, nil
}

func (c *cli) dashboard(width, logs int) error {
	d, data, err := c.fetchDashboard()
	if err != nil {
		return err
	}
	if c.raw {
		c.writePretty(data)
		return nil
	}
	fmt.Fprintln(c.out, renderDashboard(d, width, logs))
	return nil
}

type configKey struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
}

func (c *cli) configShow() error {
	data, err := c.do(http.MethodGet, c.conn.BaseURL()+"/config-keys", nil, false)
	if err != nil {
		return err
	}
	var keys struct {
		Keys []configKey `json:"keys"`
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("failed to decode keys: %w", err)
	}

	_, dash, err := c.fetchDashboard()
	if err != nil {
		return err
	}
	var values map[string]any
	if err := json.Unmarshal(dash, &values); err != nil {
		return fmt.Errorf("failed to decode dashboard: %w", err)
	}

	if c.raw {
		out := make(map[string]any, len(keys.Keys))
		for _, k := range keys.Keys {
			out[k.Key] = values[k.Key]
		}
		blob, _ := json.Marshal(out)
		c.writePretty(blob)
		return nil
	}
	fmt.Fprintln(c.out, renderSettings(keys.Keys, values))
	return nil
}

func (c *cli) configSet(key, value string) error {
	if c.conn.Password == "" {
		return fmt.Errorf("a password is required (use --password or vertexrelay://:password@host)")
	}
	body := map[string]any{
		"password": c.conn.Password,
		"key":      key,
		"value":    parseValue(value),
	}
	return c.printStatus(c.conn.BaseURL()+"/update-config", body)
}

func (c *cli) statsReset() error {
	if c.conn.Password == "" {
		return fmt.Errorf("a password is required (use --password or vertexrelay://:password@host)")
	}
	return c.printStatus(c.conn.BaseURL()+"/reset-stats", map[string]any{"password": c.conn.Password})
}

func (c *cli) printStatus(url string, body any) error {
	data, err := c.do(http.MethodPost, url, body, false)
	if err != nil {
		return err
	}
	if c.raw {
		c.writePretty(data)
		return nil
	}
	var st struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		c.writePretty(data)
		return nil
	}
	fmt.Fprintln(c.out, okStyle.Render(st.Status)+" "+st.Message)
	return nil
}

// parseValue reads v as a JSON scalar when it is one. Objects, arrays and
// anything that is not JSON stay text so credential blobs are sent as-is.
func parseValue(v string) any {
	dec := json.NewDecoder(strings.NewReader(v))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil || dec.More() {
		return v
	}
	switch out.(type) {
	case map[string]any, []any, nil:
		return v
	}
	return out
}
