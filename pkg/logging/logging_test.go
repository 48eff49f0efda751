package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
)

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing(3)
	for _, l := range []string{"a\n", "b\n", "c\nd\n"} {
		_, err := r.Write([]byte(l))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b", "c", "d"}, r.Recent(10))
	assert.Equal(t, []string{"c", "d"}, r.Recent(2))
	assert.Equal(t, 3, r.Len())
}

func TestRing_JoinsPartialWrites(t *testing.T) {
	r := NewRing(5)
	_, _ = r.Write([]byte("hel"))
	assert.Equal(t, 0, r.Len())
	_, _ = r.Write([]byte("lo\r\n\nworld\n"))
	assert.Equal(t, []string{"hello", "world"}, r.Recent(0))
}

func TestNewWithSink_TeesIntoRing(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithSink(core.LogConfig{Level: "info", Format: "json", RingSize: 10}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("credentials reloaded", zap.Int("count", 2))
	require.NoError(t, log.Sync())

	assert.True(t, strings.Contains(buf.String(), `"msg":"credentials reloaded"`))
	lines := log.Recent(500)
	require.Len(t, lines, 1)
	assert.True(t, strings.Contains(lines[0], "INFO"))
	assert.True(t, strings.Contains(lines[0], "credentials reloaded"))

	log.Level.SetLevel(zapcore.DebugLevel)
	log.Debug("now visible")
	assert.Len(t, log.Recent(500), 2)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := NewWithSink(core.LogConfig{Level: "chatty", Format: "json", RingSize: 1}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)
	_, err = NewWithSink(core.LogConfig{Level: "info", Format: "yaml", RingSize: 1}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)
}
