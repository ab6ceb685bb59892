package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/coinledger/config"
	"go.uber.org/zap"
)

func TestRun_ReturnsStartupErrors(t *testing.T) {
	cfg := config.Config{Storage: config.StorageConfig{Backend: "tape"}}

	err := run(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tape")
}

func TestOpenBackend_Memory(t *testing.T) {
	backend, err := openBackend(context.Background(), config.StorageConfig{Backend: config.BackendMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, backend.Close())
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		l, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, l)
	}

	_, err := newLogger("loud")
	assert.Error(t, err)
}
