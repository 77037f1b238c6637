package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_AutoUsesJSONForNonTerminal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l, err := New(&buf, Options{})
	require.NoError(t, err)

	l.Info("cache hit", zap.String("step", "bitcoind"))
	require.NoError(t, l.Sync())

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "cache hit", rec["msg"])
	assert.Equal(t, "bitcoind", rec["step"])
	assert.Equal(t, "info", rec["level"])
}

func TestNew_Console(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l, err := New(&buf, Options{Format: FormatConsole})
	require.NoError(t, err)

	l.Warn("declared artifact not found", zap.String("artifact", "cypress/videos"))
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "declared artifact not found")
	assert.Contains(t, out, `"artifact": "cypress/videos"`)
}

func TestNew_Level(t *testing.T) {
	t.Parallel()

	t.Run("debug suppressed by default", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		l, err := New(&buf, Options{Format: FormatJSON})
		require.NoError(t, err)
		l.Debug("probe exited non-zero")
		assert.Zero(t, buf.Len())
	})

	t.Run("debug enabled", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		l, err := New(&buf, Options{Level: "DEBUG", Format: FormatJSON})
		require.NoError(t, err)
		l.Debug("probe exited non-zero")
		assert.True(t, strings.Contains(buf.String(), "probe exited non-zero"))
	})
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()
	_, err := New(&bytes.Buffer{}, Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("returns attached logger", func(t *testing.T) {
		t.Parallel()
		l := zap.NewExample()
		ctx := WithLogger(context.Background(), l)
		assert.Same(t, l, FromContext(ctx))
	})

	t.Run("returns no-op when absent", func(t *testing.T) {
		t.Parallel()
		l := FromContext(context.Background())
		require.NotNil(t, l)
		l.Info("discarded")
	})
}

func TestIsTerminal_NonFile(t *testing.T) {
	t.Parallel()
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
