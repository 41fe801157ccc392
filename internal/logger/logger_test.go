package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevelEnabler(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  map[zapcore.Level]bool
	}{
		{LogLevelNone, map[zapcore.Level]bool{
			zapcore.DebugLevel: false, zapcore.InfoLevel: false, zapcore.WarnLevel: false,
			zapcore.ErrorLevel: false, zapcore.FatalLevel: true,
		}},
		{LogLevelWarning, map[zapcore.Level]bool{
			zapcore.DebugLevel: false, zapcore.InfoLevel: false, zapcore.WarnLevel: true,
			zapcore.ErrorLevel: true, zapcore.FatalLevel: true,
		}},
		{LogLevelDebug, map[zapcore.Level]bool{
			zapcore.DebugLevel: true, zapcore.InfoLevel: true, zapcore.WarnLevel: true,
			zapcore.ErrorLevel: true, zapcore.FatalLevel: true,
		}},
	}
	for _, tt := range tests {
		enabler := levelEnabler(tt.level)
		for zl, want := range tt.want {
			assert.Equal(t, want, enabler.Enabled(zl), "level %d, zap %s", tt.level, zl)
		}
	}
}

func TestFileOutputFollowsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bms.log")
	l := NewLogger(Options{Level: LogLevelInfo, File: path}).WithTag("BMS")

	l.Debugf("hidden %d", 1)
	l.Infof("visible %d", 2)
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[BMS] visible 2")
	assert.NotContains(t, string(data), "hidden")
}
