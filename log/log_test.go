package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stringer string

func (s stringer) String() string { return string(s) }

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	ctx := WithXid(context.Background(), stringer("1:ab:00"))
	ctx = WithFields(ctx, zap.String("resource", "orders"))
	ErrorContextf(ctx, "commit failed: %v", "boom")
	Infof("plain %d", 1)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "commit failed: boom", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "1:ab:00", fields["xid"])
	assert.Equal(t, "orders", fields["resource"])
	assert.Empty(t, entries[1].ContextMap())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xatm.log")
	l, err := New(Config{Level: "debug", Format: "json", Filename: path, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestBadLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "loud"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}
