package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", OutputPath: path}))

	L().Debug("peer attached")
	require.NoError(t, Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"msg":"peer attached"`), string(raw))
	assert.Equal(t, zapcore.DebugLevel, Level())
}

func TestSetLevelIgnoresUnknownLevels(t *testing.T) {
	require.NoError(t, Init(Config{Level: "info", Format: "json", OutputPath: filepath.Join(t.TempDir(), "a.log")}))

	SetLevel("warn")
	assert.Equal(t, zapcore.WarnLevel, Level())

	SetLevel("loud")
	assert.Equal(t, zapcore.WarnLevel, Level())
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger, level, err := New(Config{Level: "nonsense", Format: "console", OutputPath: filepath.Join(t.TempDir(), "b.log")})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}
