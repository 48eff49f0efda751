// Package mcp exposes the control plane as Model Context Protocol tools
// over streamable HTTP.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
)

const (
	toolDashboard    = "relay_dashboard"
	toolUpdateConfig = "relay_update_config"
	toolResetStats   = "relay_reset_stats"
)

// Config controls MCP route behavior.
type Config struct {
	APIKey         string
	Stateless      bool
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedTools   []string
}

// Backend is the capability contract exposed to MCP tools.
type Backend interface {
	Dashboard(ctx context.Context) (map[string]any, error)
	UpdateConfig(ctx context.Context, password, key string, value any) (map[string]any, error)
	ResetStats(ctx context.Context, password string) (map[string]any, error)
	Keys() []string
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key auth
// and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"vertexrelay-mcp",
		core.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	registerTools(s, backend, cfg.AllowedTools)

	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if strings.TrimSpace(cfg.APIKey) != "" {
		h = apiKeyMiddleware(strings.TrimSpace(cfg.APIKey), h)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		h = rateLimitMiddleware(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), h)
	}

	return h, nil
}

func allowedSet(allowed []string) func(string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return func(name string) bool {
		if len(set) == 0 {
			return true
		}
		_, ok := set[name]
		return ok
	}
}

func registerTools(s *mcpserver.MCPServer, backend Backend, allowed []string) {
	isAllowed := allowedSet(allowed)

	if isAllowed(toolDashboard) {
		s.AddTool(mcpproto.NewTool(toolDashboard,
			mcpproto.WithDescription("Read the relay dashboard: call and token counters, time series, current settings and recent logs."),
		), dashboardTool(backend))
	}

	if isAllowed(toolUpdateConfig) {
		s.AddTool(mcpproto.NewTool(toolUpdateConfig,
			mcpproto.WithDescription("Change one runtime setting. Supported keys: "+strings.Join(backend.Keys(), ", ")+"."),
			mcpproto.WithString("password", mcpproto.Required(), mcpproto.Description("Relay web password.")),
			mcpproto.WithString("key", mcpproto.Required(), mcpproto.Description("Setting key.")),
			mcpproto.WithString("value", mcpproto.Required(), mcpproto.Description("New value as JSON (e.g. 30, true, \"text\"). Input that is not valid JSON is used as a plain string.")),
		), updateConfigTool(backend))
	}

	if isAllowed(toolResetStats) {
		s.AddTool(mcpproto.NewTool(toolResetStats,
			mcpproto.WithDescription("Clear all call and token statistics."),
			mcpproto.WithString("password", mcpproto.Required(), mcpproto.Description("Relay web password.")),
		), resetStatsTool(backend))
	}
}

func dashboardTool(backend Backend) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		result, err := backend.Dashboard(ctx)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult("dashboard snapshot", result)
	}
}

func updateConfigTool(backend Backend) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		password := getString(args, "password", "")
		key := getString(args, "key", "")
		if password == "" {
			return errResult("password is required"), nil
		}
		if key == "" {
			return errResult("key is required"), nil
		}
		raw, ok := args["value"]
		if !ok {
			return errResult("value is required"), nil
		}
		result, err := backend.UpdateConfig(ctx, password, key, decodeValue(raw))
		if err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult("config updated", result)
	}
}

func resetStatsTool(backend Backend) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		password := getString(req.GetArguments(), "password", "")
		if password == "" {
			return errResult("password is required"), nil
		}
		result, err := backend.ResetStats(ctx, password)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult("stats reset", result)
	}
}

// decodeValue turns a tool value into what an HTTP client would have sent.
// Strings holding a JSON scalar are decoded with json.Number; objects and
// arrays stay text so credential blobs reach the handler unchanged.
func decodeValue(raw any) any {
	s, ok := raw.(string)
	if !ok {
		if f, isFloat := raw.(float64); isFloat && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return json.Number(fmt.Sprint(f))
		}
		return raw
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	switch v.(type) {
	case map[string]any, []any:
		return s
	}
	return v
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || provided != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimitEntry struct {
	tokens float64
	last   time.Time
}

// rateLimiter is a per-client token bucket.
type rateLimiter struct {
	rps   float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]rateLimitEntry
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rps,
		burst:   float64(burst),
		now:     time.Now,
		clients: make(map[string]rateLimitEntry),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = rateLimitEntry{tokens: rl.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(entry.last).Seconds()
	entry.tokens = math.Min(rl.burst, entry.tokens+elapsed*rl.rps)
	entry.last = now
	if entry.tokens < 1 {
		rl.clients[key] = entry
		return false
	}
	entry.tokens -= 1
	rl.clients[key] = entry
	return true
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}
