package vmem

import (
	"bytes"
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

func TestZapSink_SeverityLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(core))

	sink.Logf(CategoryPool, SeverityCritical, 0x1, "bad %s", "thing")
	sink.Logf(CategoryPage, SeverityImportant, 0x2, "warn")
	sink.Logf(CategoryContainer, SeverityOptional, 0x3, "info")
	sink.Logf(CategoryMap, SeverityDebug, 0x4, "debug")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "bad thing", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)

	fields := entries[3].ContextMap()
	assert.Equal(t, "map", fields["category"])
	assert.Equal(t, "0x00004", fields["tag"])
}

func TestNewSinks_NilLogger(t *testing.T) {
	assert.Nil(t, NewZapSink(nil))
	assert.Nil(t, NewHclogSink(nil))
}

func TestHclogSink_WritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	sink := NewHclogSink(hclog.New(&hclog.LoggerOptions{
		Name:   "vmem",
		Level:  hclog.Debug,
		Output: &buf,
	}))

	sink.Logf(CategoryLinked, SeverityImportant, 0x30001, "list at %d", 7)
	out := buf.String()
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "list at 7")
	assert.Contains(t, out, "category=linked")
	assert.Contains(t, out, "tag=0x30001")
}

func TestPool_LogsThroughSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	path := filepath.Join(t.TempDir(), "logged.vmem")
	pool, err := Open(path, WithPageSize(testPageSize), WithMapping(MappingFile), WithLogSink(NewZapSink(zap.New(core))))
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	var creating, closed bool
	for _, e := range logs.All() {
		creating = creating || strings.HasPrefix(e.Message, "creating pool file")
		closed = closed || strings.HasPrefix(e.Message, "closed pool")
	}
	assert.True(t, creating)
	assert.True(t, closed)
	assert.Empty(t, logs.FilterLevelExact(zapcore.DebugLevel).All(), "debug lines are filtered by the core")

	assert.Equal(t, "category(9)", Category(9).String())
	assert.Equal(t, "critical", SeverityCritical.String())
}
