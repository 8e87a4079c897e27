package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestModuleTagAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)
	m := l.For("VideoWorker")

	m.Info("dropped %d", 1)
	m.Warn("upload failed: %s", "timeout")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] [VideoWorker] upload failed: timeout")
}

func TestModuleWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)
	m := l.For("Pipeline").With("inner")

	assert.Equal(t, "Pipeline/inner", m.Name())
	m.Debug("tick")
	assert.True(t, strings.Contains(buf.String(), "[Pipeline/inner] tick"))
}

func TestSilentSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Main", "boom")
	assert.Empty(t, buf.String())
}

func TestGlobalModuleWithoutInitIsNoop(t *testing.T) {
	m := For("Nobody")
	assert.NotPanics(t, func() { m.Error("nothing to see") })
}
