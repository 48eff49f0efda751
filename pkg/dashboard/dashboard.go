// Package dashboard composes the read model served by /dashboard-data.
package dashboard

import (
	"context"
	"time"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/credentials"
	"github.com/denizumutdereli/vertexrelay/pkg/settings"
	"github.com/denizumutdereli/vertexrelay/pkg/stats"
)

// Cache is the response cache as seen by the dashboard.
type Cache interface {
	CleanupExpired(now time.Time) int
	Len() int
}

// Requests is the active-request tracker as seen by the dashboard.
type Requests interface {
	PruneCompleted() int
	Counts() (total, done, pending int)
}

// Logs returns recent log lines, oldest first.
type Logs interface {
	Recent(n int) []string
}

// Snapshot is one dashboard poll. Field names are part of the HTTP API.
type Snapshot struct {
	// Fixed values kept for front-end compatibility.
	KeyCount        int            `json:"key_count"`
	ModelCount      int            `json:"model_count"`
	AvailableModels []string       `json:"available_models"`
	APIKeyStats     map[string]any `json:"api_key_stats"`

	CredentialsCount int `json:"credentials_count"`
	RetryCount       int `json:"retry_count"`

	Last24hCalls  int64 `json:"last_24h_calls"`
	HourlyCalls   int64 `json:"hourly_calls"`
	MinuteCalls   int64 `json:"minute_calls"`
	Last24hTokens int64 `json:"last_24h_tokens"`
	HourlyTokens  int64 `json:"hourly_tokens"`
	MinuteTokens  int64 `json:"minute_tokens"`

	CallsTimeSeries  []SeriesPoint `json:"calls_time_series"`
	TokensTimeSeries []SeriesPoint `json:"tokens_time_series"`

	CurrentTime   string   `json:"current_time"`
	Logs          []string `json:"logs"`
	LocalVersion  string   `json:"local_version"`
	RemoteVersion string   `json:"remote_version"`
	HasUpdate     bool     `json:"has_update"`

	MaxRequestsPerMinute   int     `json:"max_requests_per_minute"`
	MaxRequestsPerDayPerIP int     `json:"max_requests_per_day_per_ip"`
	FakeStreaming          bool    `json:"fake_streaming"`
	FakeStreamingInterval  float64 `json:"fake_streaming_interval"`
	RandomString           bool    `json:"random_string"`
	RandomStringLength     int     `json:"random_string_length"`
	SearchMode             bool    `json:"search_mode"`
	SearchPrompt           string  `json:"search_prompt"`

	CacheEntries    int `json:"cache_entries"`
	CacheExpiryTime int `json:"cache_expiry_time"`
	MaxCacheEntries int `json:"max_cache_entries"`

	ActiveCount   int `json:"active_count"`
	ActiveDone    int `json:"active_done"`
	ActivePending int `json:"active_pending"`

	ConcurrentRequests          int  `json:"concurrent_requests"`
	IncreaseConcurrentOnFailure int  `json:"increase_concurrent_on_failure"`
	MaxConcurrentRequests       int  `json:"max_concurrent_requests"`
	EnableVertex                bool `json:"enable_vertex"`
	EnableVertexExpress         bool `json:"enable_vertex_express"`
	// Secrets are reported only as "is set".
	VertexExpressAPIKey   bool `json:"vertex_express_api_key"`
	GoogleCredentialsJSON bool `json:"google_credentials_json"`
	MaxRetryNum           int  `json:"max_retry_num"`
	MaxEmptyResponses     int  `json:"max_empty_responses"`
}

// SeriesPoint is one minute of a dashboard series.
type SeriesPoint struct {
	Time  string `json:"time"`
	Value int64  `json:"value"`
}

// Options wires a Builder.
type Options struct {
	Stats    *stats.Aggregator
	Settings *settings.Store
	Pool     *credentials.Pool
	Cache    Cache
	Requests Requests
	Logs     Logs
	// SeriesPoints defaults to 30, LogLines to 500.
	SeriesPoints int
	LogLines     int
}

// Builder produces snapshots. Every Build cleans before it reads.
type Builder struct {
	o Options
}

// NewBuilder returns a builder over o.
func NewBuilder(o Options) *Builder {
	if o.SeriesPoints <= 0 {
		o.SeriesPoints = 30
	}
	if o.LogLines <= 0 {
		o.LogLines = 500
	}
	return &Builder{o: o}
}

// Build cleans stats, the response cache and the request tracker, then
// reads everything at now.
func (b *Builder) Build(_ context.Context, now time.Time) Snapshot {
	b.o.Stats.Cleanup(now)
	if b.o.Cache != nil {
		b.o.Cache.CleanupExpired(now)
	}
	if b.o.Requests != nil {
		b.o.Requests.PruneCompleted()
	}

	s := b.o.Settings
	snap := Snapshot{
		AvailableModels: []string{},
		APIKeyStats:     map[string]any{},

		RetryCount: s.Int(settings.MaxRetryNum),

		Last24hCalls:  b.o.Stats.CallsLast(now, stats.Day),
		HourlyCalls:   b.o.Stats.CallsLast(now, stats.Hour),
		MinuteCalls:   b.o.Stats.CallsLast(now, stats.Minute),
		Last24hTokens: b.o.Stats.TokensLast(now, stats.Day),
		HourlyTokens:  b.o.Stats.TokensLast(now, stats.Hour),
		MinuteTokens:  b.o.Stats.TokensLast(now, stats.Minute),

		CurrentTime:   now.Format("15:04:05"),
		Logs:          []string{},
		LocalVersion:  core.Version,
		RemoteVersion: core.Version,

		MaxRequestsPerMinute:   s.Int(settings.MaxRequestsPerMinute),
		MaxRequestsPerDayPerIP: s.Int(settings.MaxRequestsPerDayPerIP),
		FakeStreaming:          s.Bool(settings.FakeStreaming),
		FakeStreamingInterval:  s.Float(settings.FakeStreamingInterval),
		RandomString:           s.Bool(settings.RandomString),
		RandomStringLength:     s.Int(settings.RandomStringLength),
		SearchMode:             s.Bool(settings.SearchMode),
		SearchPrompt:           s.String(settings.SearchPrompt),

		CacheExpiryTime: s.Int(settings.CacheExpiryTime),
		MaxCacheEntries: s.Int(settings.MaxCacheEntries),

		ConcurrentRequests:          s.Int(settings.ConcurrentRequests),
		IncreaseConcurrentOnFailure: s.Int(settings.IncreaseConcurrentOnFailure),
		MaxConcurrentRequests:       s.Int(settings.MaxConcurrentRequests),
		EnableVertex:                s.Bool(settings.EnableVertex),
		EnableVertexExpress:         s.Bool(settings.EnableVertexExpress),
		VertexExpressAPIKey:         s.String(settings.VertexExpressAPIKey) != "",
		GoogleCredentialsJSON:       s.String(settings.GoogleCredentialsJSON) != "",
		MaxRetryNum:                 s.Int(settings.MaxRetryNum),
		MaxEmptyResponses:           s.Int(settings.MaxEmptyResponses),
	}

	series := b.o.Stats.TimeSeries(b.o.SeriesPoints, now)
	snap.CallsTimeSeries = make([]SeriesPoint, len(series))
	snap.TokensTimeSeries = make([]SeriesPoint, len(series))
	for i, p := range series {
		snap.CallsTimeSeries[i] = SeriesPoint{Time: p.Label, Value: p.Calls}
		snap.TokensTimeSeries[i] = SeriesPoint{Time: p.Label, Value: p.Tokens}
	}

	if b.o.Cache != nil {
		snap.CacheEntries = b.o.Cache.Len()
	}
	if b.o.Requests != nil {
		snap.ActiveCount, snap.ActiveDone, snap.ActivePending = b.o.Requests.Counts()
	}
	if b.o.Pool != nil {
		snap.CredentialsCount = b.o.Pool.TotalCount()
	}
	if b.o.Logs != nil {
		if lines := b.o.Logs.Recent(b.o.LogLines); lines != nil {
			snap.Logs = lines
		}
	}
	return snap
}
