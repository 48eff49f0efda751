package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/api/apierr"
	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/credentials"
	mcpapi "github.com/denizumutdereli/vertexrelay/pkg/mcp"
	"github.com/denizumutdereli/vertexrelay/pkg/metrics"
	"github.com/denizumutdereli/vertexrelay/pkg/relay"
)

// Server is the HTTP API of the control plane.
type Server struct {
	rt     *relay.Runtime
	config *core.Config
	log    *zap.Logger

	httpServer *http.Server
	addr       string
	mcpPath    string

	rateLimitEnabled  bool
	rateLimitRequests int
	rateLimitWindow   time.Duration
	rateLimitMu       sync.Mutex
	rateLimitEntries  map[string]rateLimitEntry
}

const (
	defaultRateLimitWindow  = time.Minute
	defaultRateLimitRequest = 10000
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// statusResponse is the success body of mutating endpoints.
type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewServer builds the API over a constructed runtime.
func NewServer(rt *relay.Runtime) *Server {
	cfg := rt.Config
	s := &Server{
		rt:                rt,
		config:            cfg,
		log:               rt.Log.Named("api"),
		addr:              cfg.Server.HTTPAddr,
		rateLimitEnabled:  true,
		rateLimitRequests: defaultRateLimitRequest,
		rateLimitWindow:   defaultRateLimitWindow,
		rateLimitEntries:  make(map[string]rateLimitEntry),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	// Control plane routes are served at the root and under /api.
	s.handleBoth(mux, "/dashboard-data", s.handleDashboard)
	s.handleBoth(mux, "/reset-stats", s.handleResetStats)
	s.handleBoth(mux, "/update-config", s.handleUpdateConfig)
	s.handleBoth(mux, "/config-keys", s.handleConfigKeys)

	mux.HandleFunc("/admin/daemons", s.requirePassword(s.handleAdminDaemons))
	mux.HandleFunc("/admin/persist", s.requirePassword(s.handleAdminPersist))
	mux.HandleFunc("/admin/reinit", s.requirePassword(s.handleAdminReinit))
	mux.Handle("/admin/log-level", s.requirePassword(rt.Log.Level.ServeHTTP))

	if cfg.MCP.Enabled {
		path := cfg.MCP.Path
		if strings.TrimSpace(path) == "" {
			path = "/mcp"
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}

		mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
			APIKey:         cfg.MCP.APIKey,
			Stateless:      cfg.MCP.Stateless,
			RateLimitRPS:   cfg.MCP.RateLimitRPS,
			RateLimitBurst: cfg.MCP.RateLimitBurst,
			AllowedTools:   cfg.MCP.AllowedTools,
		}, newMCPBackend(rt))
		if err != nil {
			s.log.Warn("MCP endpoint disabled", zap.Error(err))
		} else {
			s.mcpPath = path
			mux.Handle(path, mcpHandler)
			s.log.Info("MCP endpoint enabled", zap.String("path", path), zap.Bool("stateless", cfg.MCP.Stateless))
		}
	}

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  cfg.Security.ReadTimeout,
		WriteTimeout: cfg.Security.WriteTimeout,
	}

	return s
}

func (s *Server) handleBoth(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, h)
	mux.HandleFunc("/api"+path, h)
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withMiddleware adds common middleware (CORS, rate limit, body limit, content type, logging).
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isMCPPath(r.URL.Path) || r.URL.Path == "/metrics" {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
			return
		}

		// AllowedOrigins may be comma-separated; match against the request Origin header.
		requestOrigin := r.Header.Get("Origin")
		if requestOrigin != "" {
			allowed := false
			if s.config.Security.AllowedOrigins == "*" {
				allowed = true
			} else {
				for _, o := range strings.Split(s.config.Security.AllowedOrigins, ",") {
					if strings.TrimSpace(o) == requestOrigin {
						allowed = true
						break
					}
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", requestOrigin)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.allowRequestByRateLimit(r) {
			retryAfter := int(s.rateLimitWindow.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apierr.TooManyRequests(w, "rate limit exceeded")
			return
		}

		if s.config.Security.MaxRequestBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.Security.MaxRequestBody)
		}

		w.Header().Set("Content-Type", "application/json")

		// Dashboards poll every few seconds, so access lines stay at debug.
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) isMCPPath(path string) bool {
	if s.mcpPath == "" {
		return false
	}
	if path == s.mcpPath {
		return true
	}
	return strings.HasPrefix(path, s.mcpPath+"/")
}

// requirePassword gates operator endpoints on the web password, sent as a
// Bearer token or as the Basic-Auth password (any user name).
func (s *Server) requirePassword(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := ""
		if _, pass, ok := r.BasicAuth(); ok {
			provided = pass
		} else if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			provided = strings.TrimSpace(auth[7:])
		}
		if provided == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="vertexrelay"`)
			apierr.Unauthorized(w, "password required")
			return
		}

		// Constant-time comparison on digests so lengths do not leak.
		providedHash := sha256.Sum256([]byte(provided))
		expectedHash := sha256.Sum256([]byte(s.config.Security.WebPassword))
		if s.config.Security.WebPassword == "" || subtle.ConstantTimeCompare(providedHash[:], expectedHash[:]) != 1 {
			apierr.Unauthorized(w, "invalid password")
			return
		}

		next(w, r)
	}
}

// writeControlError maps control plane errors to HTTP API errors.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		apierr.Unauthorized(w, "invalid password")
	case errors.Is(err, core.ErrMissingField):
		apierr.KeyRequired(w)
	case errors.Is(err, core.ErrUnsupportedKey):
		apierr.BadRequest(w, apierr.CodeUnsupportedKey, err.Error())
	case errors.Is(err, core.ErrMalformedCredentialBlob):
		apierr.Unprocessable(w, apierr.CodeMalformedCredentials, err.Error())
	case errors.Is(err, core.ErrInvalidType):
		apierr.Unprocessable(w, apierr.CodeInvalidType, err.Error())
	default:
		s.log.Error("control operation failed", zap.Error(err))
		apierr.Internal(w, "internal error")
	}
}

// decodeJSONObject reads the body as one JSON object. Numbers stay
// json.Number so integer keys can tell 5 from 5.5.
func (s *Server) decodeJSONObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.PayloadTooLarge(w, err.Error())
			return nil, false
		}
		apierr.InvalidJSON(w)
		return nil, false
	}
	body, ok := raw.(map[string]any)
	if !ok {
		apierr.InvalidJSON(w)
		return nil, false
	}
	return body, true
}

// passwordField extracts body["password"]. An absent or empty password is
// a 400; a present value of the wrong type is a 422.
func (s *Server) passwordField(w http.ResponseWriter, body map[string]any) (string, bool) {
	raw := body["password"]
	if isEmpty(raw) {
		apierr.PasswordRequired(w)
		return "", false
	}
	pw, ok := raw.(string)
	if !ok {
		apierr.Unprocessable(w, apierr.CodeInvalidPassword, "password must be a string")
		return "", false
	}
	return pw, true
}

// isEmpty reports JSON values that carry nothing: null, false, 0, "", [] and {}.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == 0
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// keyField renders body["key"] for the handler. Empty values become "" so
// the handler reports a missing key after authorization.
func keyField(v any) string {
	if isEmpty(v) {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(v)
}

func (s *Server) allowRequestByRateLimit(r *http.Request) bool {
	if !s.rateLimitEnabled || s.rateLimitRequests <= 0 || s.rateLimitWindow <= 0 {
		return true
	}

	key := r.RemoteAddr
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		key = strings.TrimSpace(parts[0])
	} else if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		key = ip
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		key = host
	}
	if key == "" {
		key = "unknown"
	}

	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	entry := s.rateLimitEntries[key]
	if entry.windowStart.IsZero() || now.Sub(entry.windowStart) >= s.rateLimitWindow {
		s.rateLimitEntries[key] = rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if entry.count >= s.rateLimitRequests {
		return false
	}
	entry.count++
	s.rateLimitEntries[key] = entry
	return true
}

// Start starts the server. Uses TLS if configured.
func (s *Server) Start() error {
	if s.config.Security.TLSCert != "" && s.config.Security.TLSKey != "" {
		s.log.Info("API server starting", zap.String("addr", s.addr), zap.Bool("tls", true))
		return s.httpServer.ListenAndServeTLS(s.config.Security.TLSCert, s.config.Security.TLSKey)
	}
	s.log.Info("API server starting", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pool := s.rt.Pool
	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   core.Version,
		"uptime":    s.rt.Uptime().Round(time.Second).String(),
		"credentials": map[string]int{
			string(credentials.Environment): pool.CountBy(credentials.Environment),
			string(credentials.File):        pool.CountBy(credentials.File),
		},
		"backend_ready":  s.rt.Holder.Current() != nil,
		"reinit_running": s.rt.Reinit.InFlight(),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	writeJSON(w, s.rt.Dash.Build(r.Context(), time.Now()))
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	body, ok := s.decodeJSONObject(w, r)
	if !ok {
		return
	}
	password, ok := s.passwordField(w, body)
	if !ok {
		return
	}
	if err := s.rt.Control.ResetStats(password); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, statusResponse{Status: "success", Message: "API call statistics reset"})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	body, ok := s.decodeJSONObject(w, r)
	if !ok {
		return
	}
	password, ok := s.passwordField(w, body)
	if !ok {
		return
	}

	res, err := s.rt.Control.Update(r.Context(), password, keyField(body["key"]), body["value"])
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, statusResponse{Status: "success", Message: res.Message})
}

func (s *Server) handleConfigKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	type keyInfo struct {
		Key  string `json:"key"`
		Kind string `json:"kind"`
	}
	keys := s.rt.Control.Keys()
	out := make([]keyInfo, 0, len(keys))
	for _, k := range keys {
		d, _ := s.rt.Control.Descriptor(k)
		out = append(out, keyInfo{Key: string(k), Kind: d.Kind.String()})
	}
	writeJSON(w, map[string]any{"keys": out})
}

// handleAdminDaemons reports daemon intervals (GET) or changes them (POST).
// Intervals are Go duration strings; omitted fields keep their value.
func (s *Server) handleAdminDaemons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			StatsCleanupInterval  string `json:"stats_cleanup_interval"`
			CacheSweepInterval    string `json:"cache_sweep_interval"`
			RequestPruneInterval  string `json:"request_prune_interval"`
			SettingsFlushInterval string `json:"settings_flush_interval"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				apierr.PayloadTooLarge(w, err.Error())
				return
			}
			apierr.InvalidJSON(w)
			return
		}
		var parsed [4]time.Duration
		for i, raw := range []string{req.StatsCleanupInterval, req.CacheSweepInterval, req.RequestPruneInterval, req.SettingsFlushInterval} {
			if raw == "" {
				continue
			}
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				apierr.Unprocessable(w, apierr.CodeInvalidType, fmt.Sprintf("invalid interval %q", raw))
				return
			}
			parsed[i] = d
		}
		s.rt.Daemons.SetIntervals(parsed[0], parsed[1], parsed[2], parsed[3])
	default:
		apierr.MethodNotAllowed(w)
		return
	}

	out := map[string]any{"intervals": s.rt.Daemons.Stats()}
	if last, ok := s.rt.Daemons.LastReinit(); ok {
		lr := map[string]any{
			"id":          last.ID,
			"finished":    last.Finished,
			"credentials": last.Credentials,
			"ok":          last.OK(),
		}
		if last.Err != nil {
			lr["error"] = last.Err.Error()
		}
		out["last_reinit"] = lr
	}
	writeJSON(w, out)
}

func (s *Server) handleAdminPersist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	if err := s.rt.Control.Persist(); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"status": "success",
		"path":   s.rt.Store.Path(),
		"saves":  s.rt.Store.Saves(),
	})
}

// handleAdminReinit rebuilds the backend client from the current pool.
// With ?wait=true the response carries the outcome.
func (s *Server) handleAdminReinit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	task := s.rt.Reinit.Spawn(s.rt.Pool)
	if r.URL.Query().Get("wait") != "true" {
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{"status": "accepted", "task": task.ID})
		return
	}
	res, err := task.Wait(r.Context())
	if err != nil {
		apierr.Write(w, http.StatusGatewayTimeout, apierr.CodeInternalError, err.Error())
		return
	}
	if !res.OK() {
		apierr.Internal(w, res.Err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": "success", "task": res.ID, "credentials": res.Credentials})
}
