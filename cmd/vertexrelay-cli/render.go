package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
)

var (
	accent = lipgloss.Color("#7D56F4")
	subtle = lipgloss.Color("241")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle = lipgloss.NewStyle().Foreground(subtle)
	valueStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	offStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1)
)

type seriesPoint struct {
	Time  string `json:"time"`
	Value int64  `json:"value"`
}

// dashboardData is the subset of /dashboard-data the CLI renders.
type dashboardData struct {
	KeyCount         int           `json:"key_count"`
	ModelCount       int           `json:"model_count"`
	CredentialsCount int           `json:"credentials_count"`
	RetryCount       int           `json:"retry_count"`
	Last24hCalls     int64         `json:"last_24h_calls"`
	HourlyCalls      int64         `json:"hourly_calls"`
	MinuteCalls      int64         `json:"minute_calls"`
	Last24hTokens    int64         `json:"last_24h_tokens"`
	HourlyTokens     int64         `json:"hourly_tokens"`
	MinuteTokens     int64         `json:"minute_tokens"`
	CallsTimeSeries  []seriesPoint `json:"calls_time_series"`
	TokensTimeSeries []seriesPoint `json:"tokens_time_series"`
	CurrentTime      string        `json:"current_time"`
	Logs             []string      `json:"logs"`
	LocalVersion     string        `json:"local_version"`
	RemoteVersion    string        `json:"remote_version"`
	HasUpdate        bool          `json:"has_update"`
	EnableVertex     bool          `json:"enable_vertex"`
	CacheEntries     int           `json:"cache_entries"`
	ActiveCount      int           `json:"active_count"`
}

func row(label string, value any) string {
	return labelStyle.Render(fmt.Sprintf("%-14s", label)) + valueStyle.Render(fmt.Sprint(value))
}

func onOff(b bool) string {
	if b {
		return okStyle.Render("on")
	}
	return offStyle.Render("off")
}

func seriesValues(points []seriesPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = float64(p.Value)
	}
	return out
}

// plotSeries renders a series as an ASCII chart. Series shorter than two
// points have nothing to draw.
func plotSeries(points []seriesPoint, width int, caption string) string {
	if len(points) < 2 {
		return labelStyle.Render(caption + ": no data yet")
	}
	if width < 10 {
		width = 10
	}
	return asciigraph.Plot(seriesValues(points),
		asciigraph.Height(8),
		asciigraph.Width(width),
		asciigraph.Caption(caption),
		asciigraph.SeriesColors(asciigraph.Blue),
	)
}

func renderDashboard(d dashboardData, width, logs int) string {
	version := d.LocalVersion
	if d.HasUpdate {
		version += " (update available: " + d.RemoteVersion + ")"
	}

	calls := cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Calls"),
		row("last minute", d.MinuteCalls),
		row("last hour", d.HourlyCalls),
		row("last 24h", d.Last24hCalls),
	))
	tokens := cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Tokens"),
		row("last minute", d.MinuteTokens),
		row("last hour", d.HourlyTokens),
		row("last 24h", d.Last24hTokens),
	))
	backend := cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Backend"),
		row("vertex", onOff(d.EnableVertex)),
		row("credentials", d.CredentialsCount),
		row("api keys", d.KeyCount),
		row("models", d.ModelCount),
		row("cache", d.CacheEntries),
		row("active", d.ActiveCount),
	))

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("vertexrelay " + version))
	sb.WriteString(labelStyle.Render("  " + d.CurrentTime))
	sb.WriteString("\n")
	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, calls, tokens, backend))
	sb.WriteString("\n\n")
	sb.WriteString(plotSeries(d.CallsTimeSeries, width, "calls per minute"))
	sb.WriteString("\n\n")
	sb.WriteString(plotSeries(d.TokensTimeSeries, width, "tokens per minute"))

	if logs > 0 && len(d.Logs) > 0 {
		tail := d.Logs
		if len(tail) > logs {
			tail = tail[len(tail)-logs:]
		}
		sb.WriteString("\n\n")
		sb.WriteString(titleStyle.Render("Recent logs"))
		for _, line := range tail {
			sb.WriteString("\n")
			sb.WriteString(labelStyle.Render(line))
		}
	}
	return sb.String()
}

// renderSettings lists each supported key with its kind and current value.
func renderSettings(keys []configKey, values map[string]any) string {
	sorted := append([]configKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	width := 0
	for _, k := range sorted {
		if len(k.Key) > width {
			width = len(k.Key)
		}
	}

	lines := []string{titleStyle.Render("Runtime settings")}
	for _, k := range sorted {
		v, ok := values[k.Key]
		shown := "-"
		if ok {
			shown = fmt.Sprint(v)
		}
		if b, isBool := v.(bool); isBool && k.Kind != "bool" {
			// Secrets are only reported as set or unset.
			shown = "unset"
			if b {
				shown = "set"
			}
		}
		lines = append(lines, fmt.Sprintf("%s %s %s",
			valueStyle.Render(fmt.Sprintf("%-*s", width, k.Key)),
			labelStyle.Render(fmt.Sprintf("%-8s", k.Kind)),
			shown,
		))
	}
	return strings.Join(lines, "\n")
}
