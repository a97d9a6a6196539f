package clog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/idbuilder/clog"
)

func TestNewWithDefaults(t *testing.T) {
	logger, err := clog.New(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello", clog.String("k", "v"))
}

func TestInvalidConfig(t *testing.T) {
	_, err := clog.New(&clog.Config{Level: "verbose"})
	assert.Error(t, err)

	_, err = clog.New(&clog.Config{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]clog.Level{
		"debug":   clog.DebugLevel,
		"info":    clog.InfoLevel,
		"warn":    clog.WarnLevel,
		"warning": clog.WarnLevel,
		"error":   clog.ErrorLevel,
		"fatal":   clog.FatalLevel,
	}
	for in, want := range cases {
		got, err := clog.ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := clog.ParseLevel("nope")
	assert.Error(t, err)
}

func TestWithAndNamespace(t *testing.T) {
	logger := clog.Discard()
	child := logger.With(clog.Int("n", 1)).WithNamespace("storage", "redis")
	require.NotNil(t, child)
	child.Debug("noop")

	require.NoError(t, child.SetLevel(clog.DebugLevel))
}

func TestDefaultSingleton(t *testing.T) {
	a := clog.Default()
	b := clog.Default()
	assert.Equal(t, a, b)
}
