package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFieldsOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "router"), Account("mock", "42"))
	log.Info("mounted", String("comp", "override"))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "override", m["comp"])
	assert.Equal(t, "mock", m["platform"])
	assert.Equal(t, "42", m["account_id"])
	assert.Equal(t, "mounted", m["message"])
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("ignored")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.False(t, log.Enabled(LevelDebug))
}

func TestSampledSuppresses(t *testing.T) {
	var buf bytes.Buffer
	s := NewSampled(NewWriter(&buf, "info"), time.Hour)
	for i := 0; i < 5; i++ {
		s.Warn("dropped")
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "dropped"))
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("Info"))
	assert.True(t, ValidLevel(""))
	assert.False(t, ValidLevel("verbose"))
}

func TestServiceLevelChangeKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "botgate.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Debug("before")
	f := svc.file
	require.NotNil(t, f)

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	assert.Same(t, f, svc.file)
	log.Debug("after", Protocol("onebot", "v11"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "before")
	assert.Contains(t, string(b), `"protocol":"onebot/v11"`)
}

func TestServiceSwapsFile(t *testing.T) {
	dir := t.TempDir()
	first, second := filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("one")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	log.Info("two")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(a), "one")
	assert.NotContains(t, string(a), "two")
	assert.Contains(t, string(b), "two")
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel(" WARNING ")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, l)
	_, ok = ParseLevel("loud")
	assert.False(t, ok)
	assert.True(t, ValidFormat("JSON"))
	assert.False(t, ValidFormat("logfmt"))
}

func TestStackTrace(t *testing.T) {
	st := StackTrace(1, 4)
	assert.Contains(t, st, "TestStackTrace")
	assert.LessOrEqual(t, strings.Count(st, "\n  "), 4)
}
