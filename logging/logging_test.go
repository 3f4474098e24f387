package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/warp/benefits-engine/config"
	"github.com/warp/benefits-engine/logging"
)

func TestNew(t *testing.T) {
	logger, err := logging.New(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))

	dev, err := logging.New(config.LoggingConfig{Level: "DEBUG", Development: true})
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	_, err = logging.New(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}
