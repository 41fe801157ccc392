package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bms-service/internal/faults"
	"bms-service/internal/hardware"
	"bms-service/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 10*time.Millisecond, cfg.Tick)
	assert.Equal(t, defaultBoards*defaultCellsPerBoard, cfg.TotalCells())
	assert.Len(t, cfg.Hardware.Discharge, defaultBoards)
	assert.Len(t, cfg.Hardware.FeedbackLines, types.FbCount)
	assert.Contains(t, cfg.Hardware.Outputs, hardware.OutputAirNeg)

	p := cfg.BalancingParams()
	assert.Equal(t, types.Voltage(0), p.Target)
	assert.Equal(t, types.Millivolts(10), p.Threshold)
	assert.True(t, p.ExcludeAdjacent)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
redis:
  port: 6380
tick: 20ms
pack:
  boards: 2
  cells_per_board: 8
faults:
  timeouts:
    over-current: 250ms
ts:
  precharge_timeout: 3s
  precharge_tolerance: 0.1
balancing:
  target_mv: 3650
  threshold_mv: 5
  exclude_adjacent: false
hardware:
  outputs:
    air_neg: {chip: 1, line: 1}
    air_pos: {chip: 1, line: 2}
    precharge: {chip: 1, line: 3}
    bms_fault: {chip: 1, line: 4}
`)

	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, path, l.ConfigFile())

	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
	assert.Equal(t, 20*time.Millisecond, cfg.Tick)
	assert.Equal(t, 16, cfg.TotalCells())
	require.Len(t, cfg.Hardware.Discharge, 2)
	assert.Equal(t, 8, cfg.Hardware.Discharge[1].Cells)
	assert.Equal(t, hardware.LineMapping{Chip: 1, Line: 3}, cfg.Hardware.Outputs[hardware.OutputPrecharge])

	ts := cfg.TsConfig()
	assert.Equal(t, 3*time.Second, ts.PrechargeTimeout)
	assert.Equal(t, 500*time.Millisecond, ts.AirNegTimeout)
	assert.InDelta(t, 0.1, ts.PrechargeTolerance, 1e-9)

	p := cfg.BalancingParams()
	assert.Equal(t, types.Millivolts(3650), p.Target)
	assert.Equal(t, types.Millivolts(5), p.Threshold)
	assert.False(t, p.ExcludeAdjacent)

	for _, g := range cfg.FaultGroups() {
		switch g.Group {
		case faults.GroupOverCurrent:
			assert.Equal(t, 250*time.Millisecond, g.Timeout)
		case faults.GroupCellOverVoltage:
			assert.Equal(t, 16, g.Instances)
			assert.Equal(t, 500*time.Millisecond, g.Timeout)
		case faults.GroupCellboardComm:
			assert.Equal(t, 2, g.Instances)
		}
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BMS_REDIS_HOST", "redis.local")
	t.Setenv("BMS_PACK_BOARDS", "3")

	cfg, err := Load(writeConfig(t, "tick: 5ms\n"))
	require.NoError(t, err)
	assert.Equal(t, "redis.local", cfg.Redis.Host)
	assert.Equal(t, 3, cfg.Pack.Boards)
	assert.Len(t, cfg.Hardware.Discharge, 3)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"tick", func(c *Config) { c.Tick = 0 }, ErrInvalidTick},
		{"boards", func(c *Config) { c.Pack.Boards = 0 }, ErrInvalidPack},
		{"too many cells", func(c *Config) { c.Pack.CellsPerBoard = 65 }, ErrInvalidPack},
		{"voltage window", func(c *Config) { c.Limits.CellMaxMv = c.Limits.CellMinMv }, ErrInvalidLimits},
		{"temperature window", func(c *Config) { c.Limits.CellMinTempC = 80 }, ErrInvalidLimits},
		{"current", func(c *Config) { c.Limits.MaxCurrentA = 0 }, ErrInvalidLimits},
		{"mismatch", func(c *Config) { c.Limits.MismatchTolerance = 1 }, ErrInvalidLimits},
		{"unknown fault group", func(c *Config) {
			c.Faults.Timeouts = map[string]time.Duration{"smoke": time.Second}
		}, faults.ErrUnknownGroup},
		{"ts tolerance", func(c *Config) { c.Ts.PrechargeTolerance = 0 }, ErrInvalidTs},
		{"duty cycle", func(c *Config) { c.Balancing.DischargeOff = 0 }, ErrInvalidBalancing},
		{"discharge map", func(c *Config) { c.Hardware.Discharge = c.Hardware.Discharge[:1] }, ErrInvalidHardware},
		{"output map", func(c *Config) { delete(c.Hardware.Outputs, hardware.OutputFault) }, ErrInvalidHardware},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "balancing:\n  threshold_mv: 10\n")
	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	var threshold atomic.Int32
	require.True(t, l.Watch(func(cfg Config, err error) {
		if err == nil {
			threshold.Store(int32(cfg.BalancingParams().Threshold))
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte("balancing:\n  threshold_mv: 20\n"), 0o644))
	require.Eventually(t, func() bool {
		return threshold.Load() == int32(types.Millivolts(20))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	assert.False(t, NewLoader("").Watch(func(Config, error) {}))
}
