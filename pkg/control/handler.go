// Package control validates, authorizes and applies runtime configuration
// changes. Each updatable key has a Descriptor; the Handler walks the
// descriptor's pipeline: coerce, prepare, write, side effects, persist.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/auth"
	"github.com/denizumutdereli/vertexrelay/pkg/backend"
	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/credentials"
	"github.com/denizumutdereli/vertexrelay/pkg/metrics"
	"github.com/denizumutdereli/vertexrelay/pkg/modelcache"
	"github.com/denizumutdereli/vertexrelay/pkg/reinit"
	"github.com/denizumutdereli/vertexrelay/pkg/settings"
	"github.com/denizumutdereli/vertexrelay/pkg/stats"
)

// Persister stores the full settings snapshot.
type Persister interface {
	Save(snap settings.Snapshot) error
}

// Change is what side effects see: the applied value and anything the
// prepare step produced.
type Change struct {
	Key     settings.Key
	Value   any
	Entries []credentials.Entry

	task *reinit.Task
}

// Effect is one side effect of a key. Effects run in declaration order
// after the settings write; failures are logged and never undo the write.
type Effect struct {
	Name string
	Run  func(ctx context.Context, c *Change) error
}

// Descriptor describes one updatable key.
type Descriptor struct {
	Key   settings.Key
	Kind  settings.Kind
	Bound Bound
	// Sentinel makes "" and "true" (any case) a no-op for string keys.
	Sentinel bool
	// Prepare runs before anything is written; an error rejects the update.
	Prepare func(c *Change) error
	Effects []Effect
}

// Result reports an accepted update.
type Result struct {
	Key     settings.Key
	Applied bool
	Message string
	// Task is set when the update spawned a backend re-initialization.
	Task *reinit.Task
}

// Deps are the collaborators a Handler mutates.
type Deps struct {
	Settings  *settings.Store
	Pool      *credentials.Pool
	Backend   *backend.OptionsStore
	Reinit    *reinit.Coordinator
	Models    *modelcache.Cache
	Stats     *stats.Aggregator
	Verifier  auth.Verifier
	Persister Persister
	Logger    *zap.Logger
}

// Handler applies configuration updates. Safe for concurrent use; each key
// write is atomic, updates to different keys are not ordered.
type Handler struct {
	d     Deps
	log   *zap.Logger
	table map[settings.Key]Descriptor
}

// NewHandler builds the dispatch table over deps.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.NewPasswordVerifier("")
	}
	h := &Handler{d: deps, log: deps.Logger.Named("control")}
	h.table = make(map[settings.Key]Descriptor)
	for _, d := range h.descriptors() {
		h.table[d.Key] = d
	}
	return h
}

func (h *Handler) descriptors() []Descriptor {
	integer := func(k settings.Key, b Bound) Descriptor {
		return Descriptor{Key: k, Kind: settings.KindInt, Bound: b}
	}
	boolean := func(k settings.Key) Descriptor {
		return Descriptor{Key: k, Kind: settings.KindBool}
	}

	fakeStreaming := boolean(settings.FakeStreaming)
	fakeStreaming.Effects = []Effect{{Name: "backend-options", Run: h.mirrorFakeStreaming}}

	return []Descriptor{
		integer(settings.MaxRequestsPerMinute, Positive),
		integer(settings.MaxRequestsPerDayPerIP, Positive),
		fakeStreaming,
		{
			Key: settings.FakeStreamingInterval, Kind: settings.KindFloat, Bound: Positive,
			Effects: []Effect{{Name: "backend-options", Run: h.mirrorFakeStreamingInterval}},
		},
		boolean(settings.RandomString),
		integer(settings.RandomStringLength, Positive),
		boolean(settings.SearchMode),
		{Key: settings.SearchPrompt, Kind: settings.KindString},
		integer(settings.ConcurrentRequests, Positive),
		integer(settings.IncreaseConcurrentOnFailure, NonNegative),
		integer(settings.MaxConcurrentRequests, Positive),
		boolean(settings.EnableVertex),
		boolean(settings.EnableVertexExpress),
		{
			Key: settings.VertexExpressAPIKey, Kind: settings.KindString, Sentinel: true,
			Effects: []Effect{
				{Name: "backend-options", Run: h.storeExpressKeys},
				{Name: "model-cache", Run: h.refreshModels},
			},
		},
		{
			Key: settings.GoogleCredentialsJSON, Kind: settings.KindString, Sentinel: true,
			Prepare: parseCredentialBlob,
			Effects: []Effect{
				{Name: "credential-pool", Run: h.reloadCredentials},
				{Name: "reinit", Run: h.spawnReinit},
			},
		},
		integer(settings.MaxRetryNum, Positive),
		integer(settings.MaxEmptyResponses, NonNegative),
	}
}

// Keys lists the updatable keys in lexical order.
func (h *Handler) Keys() []settings.Key {
	keys := make([]settings.Key, 0, len(h.table))
	for k := range h.table {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Descriptor returns the descriptor for k.
func (h *Handler) Descriptor(k settings.Key) (Descriptor, bool) {
	d, ok := h.table[k]
	return d, ok
}

// Update authorizes and applies one configuration change.
func (h *Handler) Update(ctx context.Context, password, key string, value any) (Result, error) {
	if !h.d.Verifier.Verify(password) {
		metrics.RecordConfigUpdate(h.label(key), "unauthorized")
		return Result{}, core.ErrUnauthorized
	}
	key = strings.TrimSpace(key)
	if key == "" {
		metrics.RecordConfigUpdate("unknown", "rejected")
		return Result{}, fmt.Errorf("%w: key", core.ErrMissingField)
	}
	d, ok := h.table[settings.Key(key)]
	if !ok {
		metrics.RecordConfigUpdate("unknown", "rejected")
		return Result{}, fmt.Errorf("%w: %s", core.ErrUnsupportedKey, key)
	}

	v, err := coerce(d, value)
	if err != nil {
		metrics.RecordConfigUpdate(key, "rejected")
		return Result{}, err
	}

	if d.Sentinel && isSentinel(v.(string)) {
		h.log.Info("setting left unchanged, value is empty or 'true'", zap.String("key", key))
		if err := h.persist(); err != nil {
			metrics.RecordConfigUpdate(key, "persist_failed")
			return Result{}, err
		}
		metrics.RecordConfigUpdate(key, "noop")
		return Result{Key: d.Key, Message: fmt.Sprintf("config key %s not updated, value is empty or 'true'", key)}, nil
	}

	change := &Change{Key: d.Key, Value: v}
	if d.Prepare != nil {
		if err := d.Prepare(change); err != nil {
			metrics.RecordConfigUpdate(key, "rejected")
			return Result{}, err
		}
	}

	if err := h.d.Settings.Set(d.Key, v); err != nil {
		metrics.RecordConfigUpdate(key, "failed")
		return Result{}, fmt.Errorf("%w: %v", core.ErrInternal, err)
	}
	if settings.IsSecret(d.Key) {
		h.log.Info("setting updated (value not logged)", zap.String("key", key))
	} else {
		h.log.Info("setting updated", zap.String("key", key), zap.Any("value", v))
	}

	for _, e := range d.Effects {
		if err := h.runEffect(ctx, e, change); err != nil {
			metrics.RecordSideEffectFailure(key, e.Name)
			h.log.Warn("side effect failed, setting stays applied",
				zap.String("key", key), zap.String("effect", e.Name), zap.Error(err))
		}
	}

	if err := h.persist(); err != nil {
		metrics.RecordConfigUpdate(key, "persist_failed")
		return Result{}, err
	}
	metrics.RecordConfigUpdate(key, "applied")
	return Result{
		Key:     d.Key,
		Applied: true,
		Message: fmt.Sprintf("config key %s updated", key),
		Task:    change.task,
	}, nil
}

// label keeps metric cardinality bounded to known keys.
func (h *Handler) label(key string) string {
	if _, ok := h.table[settings.Key(key)]; ok {
		return key
	}
	return "unknown"
}

// ResetStats clears every statistics bucket after authorizing password.
func (h *Handler) ResetStats(password string) error {
	if !h.d.Verifier.Verify(password) {
		return core.ErrUnauthorized
	}
	if h.d.Stats == nil {
		return fmt.Errorf("%w: stats aggregator not configured", core.ErrInternal)
	}
	h.d.Stats.Reset()
	h.log.Info("call statistics reset")
	return nil
}

// Persist writes the current snapshot. Used by the periodic flush.
func (h *Handler) Persist() error { return h.persist() }

func (h *Handler) persist() error {
	if h.d.Persister == nil {
		return nil
	}
	if err := h.d.Persister.Save(h.d.Settings.Snapshot()); err != nil {
		h.log.Error("saving settings snapshot failed", zap.Error(err))
		return fmt.Errorf("%w: saving settings: %v", core.ErrInternal, err)
	}
	return nil
}

func (h *Handler) runEffect(ctx context.Context, e Effect, c *Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect panicked: %v", r)
		}
	}()
	return e.Run(ctx, c)
}

// ---------------------------------------------------------------------------
// Prepare steps
// ---------------------------------------------------------------------------

func parseCredentialBlob(c *Change) error {
	entries, err := credentials.ParseBlob(c.Value.(string))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: blob holds no JSON object", core.ErrMalformedCredentialBlob)
	}
	c.Entries = entries
	return nil
}

// ---------------------------------------------------------------------------
// Side effects
// ---------------------------------------------------------------------------

var errNotConfigured = errors.New("collaborator not configured")

func (h *Handler) mirrorFakeStreaming(_ context.Context, c *Change) error {
	if h.d.Backend == nil {
		return errNotConfigured
	}
	on := c.Value.(bool)
	h.d.Backend.Update(func(o *backend.Options) { o.FakeStreaming = on })
	return nil
}

func (h *Handler) mirrorFakeStreamingInterval(_ context.Context, c *Change) error {
	if h.d.Backend == nil {
		return errNotConfigured
	}
	interval := c.Value.(float64)
	h.d.Backend.Update(func(o *backend.Options) { o.FakeStreamingInterval = interval })
	return nil
}

func (h *Handler) storeExpressKeys(_ context.Context, c *Change) error {
	if h.d.Backend == nil {
		return errNotConfigured
	}
	keys := core.SplitCSV(c.Value.(string))
	h.d.Backend.Update(func(o *backend.Options) { o.ExpressAPIKeys = keys })
	h.log.Info("express API keys updated", zap.Int("keys", len(keys)))
	return nil
}

func (h *Handler) refreshModels(ctx context.Context, _ *Change) error {
	if h.d.Models == nil {
		return errNotConfigured
	}
	return h.d.Models.Refresh(ctx)
}

func (h *Handler) reloadCredentials(_ context.Context, c *Change) error {
	if h.d.Pool == nil {
		return errNotConfigured
	}
	removed, added := h.d.Pool.Replace(credentials.Environment, c.Entries)
	h.log.Info("credential blob reloaded",
		zap.Int("removed", removed), zap.Int("added", added), zap.Int("total", h.d.Pool.TotalCount()))
	metrics.SetCredentialCount(string(credentials.Environment), h.d.Pool.CountBy(credentials.Environment))
	if h.d.Pool.TotalCount() == 0 {
		h.log.Warn("no credentials available, backend calls will fail until credentials are added")
	}
	return nil
}

func (h *Handler) spawnReinit(_ context.Context, c *Change) error {
	if h.d.Reinit == nil {
		return errNotConfigured
	}
	var followups []reinit.Followup
	if h.d.Models != nil {
		followups = append(followups, reinit.Followup{Name: "model-cache", Run: h.d.Models.Refresh})
	}
	c.task = h.d.Reinit.Spawn(h.d.Pool, followups...)
	return nil
}
