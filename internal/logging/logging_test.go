package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	log, level, err := Init(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestForQueueAddsField(t *testing.T) {
	log, _, err := Init(DefaultConfig())
	require.NoError(t, err)
	queued := ForQueue(log, 3)
	require.NotNil(t, queued)
	assert.NotSame(t, log, queued)

	core, logs := observer.New(zapcore.InfoLevel)
	ForQueue(zap.New(core).Sugar(), 3).Info("hello")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(3), logs.All()[0].ContextMap()["queue_id"])
}
