package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmem.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", zap.Int("pages", 3))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"pages":3`)
	assert.Contains(t, out, `"service":"gojovmem"`)
}

func TestNewHclog_DefaultsToInfo(t *testing.T) {
	hl, err := NewHclog(Config{Level: "bogus", Format: "console", OutputFile: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, hclog.Info, hl.GetLevel())
	assert.Equal(t, "gojovmem", hl.Name())
}

func TestZapHclog_ForwardsToZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	hl := NewZapHclog(zap.New(core))
	assert.Equal(t, hclog.Info, hl.GetLevel())
	assert.False(t, hl.IsDebug())

	named := hl.Named("vmem").With("pool", "a.vmem")
	assert.Equal(t, "vmem", named.Name())
	assert.Equal(t, []any{"pool", "a.vmem"}, named.ImpliedArgs())

	named.Debug("hidden")
	named.Warn("page pinned", "page", 7, "dangling")
	named.Log(hclog.Error, "broken")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "vmem", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "a.vmem", fields["pool"])
	assert.EqualValues(t, 7, fields["page"])
	assert.Equal(t, "(missing)", fields["dangling"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)

	// Levels are shared with derived loggers.
	named.SetLevel(hclog.Error)
	hl.Warn("now filtered")
	assert.Len(t, logs.All(), 2)

	std := hl.StandardLogger(nil)
	std.Print("from the standard library")
	require.Len(t, logs.All(), 3)
	assert.True(t, strings.HasPrefix(logs.All()[2].Message, "from the standard library"))
}
