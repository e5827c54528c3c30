package logger

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, slog.LevelDebug)
	defer func() { globalLogger = nil }()

	ctx := context.WithValue(context.Background(), consts.ConnectionIDKey, "c-42")
	ctx = context.WithValue(ctx, consts.StageKey, "envrcpt")
	InfoContext(ctx, "Rule matched", "rule", "too-many-rcpts")

	out := buf.String()
	assert.Contains(t, out, "conn=c-42")
	assert.Contains(t, out, "stage=envrcpt")
	assert.Contains(t, out, "rule=too-many-rcpts")

	buf.Reset()
	With("component", "acl").Debug("plain")
	assert.Contains(t, buf.String(), "component=acl")
	assert.NotContains(t, buf.String(), "conn=")
}

func TestInitializeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policyd.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer func() {
		f.Close()
		globalLogger = nil
	}()

	Debug("hello", "k", 1)
	require.NoError(t, f.Sync())

	st, err := f.Stat()
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))
}

func TestInitializeRejectsUnknownFormat(t *testing.T) {
	_, err := Initialize(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}
