package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"bms-service/internal/balancing"
	"bms-service/internal/faults"
	"bms-service/internal/hardware"
	"bms-service/internal/logger"
	"bms-service/internal/tractive"
	"bms-service/internal/types"
)

var (
	ErrInvalidTick      = errors.New("invalid tick period")
	ErrInvalidPack      = errors.New("invalid pack layout")
	ErrInvalidLimits    = errors.New("invalid limits")
	ErrInvalidTs        = errors.New("invalid tractive system settings")
	ErrInvalidBalancing = errors.New("invalid balancing settings")
	ErrInvalidHardware  = errors.New("invalid hardware map")
)

// EnvPrefix prefixes environment overrides, e.g. BMS_REDIS_HOST.
const EnvPrefix = "BMS"

type Config struct {
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Tick      time.Duration   `mapstructure:"tick" yaml:"tick"`
	Pack      PackConfig      `mapstructure:"pack" yaml:"pack"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
	Faults    FaultsConfig    `mapstructure:"faults" yaml:"faults"`
	Ts        TsConfig        `mapstructure:"ts" yaml:"ts"`
	Balancing BalancingConfig `mapstructure:"balancing" yaml:"balancing"`
	Hardware  hardware.Config `mapstructure:"hardware" yaml:"hardware"`
}

type RedisConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	// 0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG
	Level      int    `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type PackConfig struct {
	Boards        int `mapstructure:"boards" yaml:"boards"`
	CellsPerBoard int `mapstructure:"cells_per_board" yaml:"cells_per_board"`
}

// LimitsConfig holds the thresholds of the measurement checks.
type LimitsConfig struct {
	CellMinMv    float64 `mapstructure:"cell_min_mv" yaml:"cell_min_mv"`
	CellMaxMv    float64 `mapstructure:"cell_max_mv" yaml:"cell_max_mv"`
	CellMinTempC float64 `mapstructure:"cell_min_temp_c" yaml:"cell_min_temp_c"`
	CellMaxTempC float64 `mapstructure:"cell_max_temp_c" yaml:"cell_max_temp_c"`
	MaxCurrentA  float64 `mapstructure:"max_current_a" yaml:"max_current_a"`

	// MismatchTolerance is the allowed difference between the sum of cell
	// voltages and the pack ADC, as a fraction of the pack voltage.
	MismatchTolerance float64 `mapstructure:"mismatch_tolerance" yaml:"mismatch_tolerance"`

	// CellboardTimeout is how old a board sample may get before it counts
	// as lost.
	CellboardTimeout time.Duration `mapstructure:"cellboard_timeout" yaml:"cellboard_timeout"`
}

// FaultsConfig overrides the expiry timeout of fault groups by name.
type FaultsConfig struct {
	Timeouts map[string]time.Duration `mapstructure:"timeouts" yaml:"timeouts"`
}

type TsConfig struct {
	AirNegTimeout      time.Duration `mapstructure:"air_neg_timeout" yaml:"air_neg_timeout"`
	PrechargeTimeout   time.Duration `mapstructure:"precharge_timeout" yaml:"precharge_timeout"`
	AirPosTimeout      time.Duration `mapstructure:"air_pos_timeout" yaml:"air_pos_timeout"`
	PrechargeTolerance float64       `mapstructure:"precharge_tolerance" yaml:"precharge_tolerance"`
}

type BalancingConfig struct {
	// Zero follows the pack minimum.
	TargetMv        float64       `mapstructure:"target_mv" yaml:"target_mv"`
	ThresholdMv     float64       `mapstructure:"threshold_mv" yaml:"threshold_mv"`
	DischargeOn     time.Duration `mapstructure:"discharge_on" yaml:"discharge_on"`
	DischargeOff    time.Duration `mapstructure:"discharge_off" yaml:"discharge_off"`
	Session         time.Duration `mapstructure:"session" yaml:"session"`
	Cooldown        time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	ExcludeAdjacent bool          `mapstructure:"exclude_adjacent" yaml:"exclude_adjacent"`
}

const (
	defaultBoards        = 12
	defaultCellsPerBoard = 12
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("log.level", int(logger.LogLevelInfo))
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("tick", 10*time.Millisecond)

	v.SetDefault("pack.boards", defaultBoards)
	v.SetDefault("pack.cells_per_board", defaultCellsPerBoard)

	v.SetDefault("limits.cell_min_mv", 2800.0)
	v.SetDefault("limits.cell_max_mv", 4200.0)
	v.SetDefault("limits.cell_min_temp_c", -20.0)
	v.SetDefault("limits.cell_max_temp_c", 60.0)
	v.SetDefault("limits.max_current_a", 300.0)
	v.SetDefault("limits.mismatch_tolerance", 0.05)
	v.SetDefault("limits.cellboard_timeout", 500*time.Millisecond)

	ts := tractive.DefaultConfig()
	v.SetDefault("ts.air_neg_timeout", ts.AirNegTimeout)
	v.SetDefault("ts.precharge_timeout", ts.PrechargeTimeout)
	v.SetDefault("ts.air_pos_timeout", ts.AirPosTimeout)
	v.SetDefault("ts.precharge_tolerance", ts.PrechargeTolerance)

	bal := balancing.DefaultParams()
	v.SetDefault("balancing.target_mv", 0.0)
	v.SetDefault("balancing.threshold_mv", bal.Threshold.Millivolts())
	v.SetDefault("balancing.discharge_on", bal.DischargeOn)
	v.SetDefault("balancing.discharge_off", bal.DischargeOff)
	v.SetDefault("balancing.session", bal.Session)
	v.SetDefault("balancing.cooldown", bal.Cooldown)
	v.SetDefault("balancing.exclude_adjacent", bal.ExcludeAdjacent)

	hw := hardware.DefaultConfig(0, 0)
	v.SetDefault("hardware.adc_device", hw.AdcDevice)
	v.SetDefault("hardware.feedback_chip", hw.FeedbackChip)
}

// Loader reads the configuration file and environment, and reloads on
// file changes.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader prepares a loader for path. An empty path searches for
// bms.yaml in /etc/bms-service and the working directory.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bms")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/bms-service")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v}
}

// Load reads the file, if any, and returns the validated configuration.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fillHardware()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the reloaded configuration whenever the file
// changes. It returns false when there is no file to watch.
func (l *Loader) Watch(onChange func(Config, error)) bool {
	if l.v.ConfigFileUsed() == "" {
		return false
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		onChange(cfg, err)
	})
	l.v.WatchConfig()
	return true
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (Config, error) {
	return NewLoader(path).Load()
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	l := NewLoader("")
	cfg, err := l.decode()
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// fillHardware completes the parts of the hardware map that depend on the
// pack layout or were not given.
func (c *Config) fillHardware() {
	def := hardware.DefaultConfig(c.Pack.Boards, c.Pack.CellsPerBoard)
	if len(c.Hardware.Outputs) == 0 {
		c.Hardware.Outputs = def.Outputs
	}
	if len(c.Hardware.FeedbackLines) == 0 {
		c.Hardware.FeedbackLines = def.FeedbackLines
	}
	if len(c.Hardware.Discharge) == 0 {
		c.Hardware.Discharge = def.Discharge
	}
	if c.Hardware.Bus.Scale == 0 {
		c.Hardware.Bus = def.Bus
	}
	if c.Hardware.Pack.Scale == 0 {
		c.Hardware.Pack = def.Pack
	}
	if c.Hardware.Current.Scale == 0 {
		c.Hardware.Current = def.Current
	}
}

func (c Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTick, c.Tick)
	}
	if c.Pack.Boards <= 0 || c.Pack.CellsPerBoard <= 0 || c.Pack.CellsPerBoard > balancing.MaxCells {
		return fmt.Errorf("%w: %d boards of %d cells", ErrInvalidPack, c.Pack.Boards, c.Pack.CellsPerBoard)
	}

	l := c.Limits
	switch {
	case l.CellMinMv <= 0 || l.CellMaxMv <= l.CellMinMv:
		return fmt.Errorf("%w: cell voltage window %.1f..%.1f mV", ErrInvalidLimits, l.CellMinMv, l.CellMaxMv)
	case l.CellMaxTempC <= l.CellMinTempC:
		return fmt.Errorf("%w: cell temperature window %.1f..%.1f C", ErrInvalidLimits, l.CellMinTempC, l.CellMaxTempC)
	case l.MaxCurrentA <= 0:
		return fmt.Errorf("%w: max current %.1f A", ErrInvalidLimits, l.MaxCurrentA)
	case l.MismatchTolerance <= 0 || l.MismatchTolerance >= 1:
		return fmt.Errorf("%w: mismatch tolerance %.3f", ErrInvalidLimits, l.MismatchTolerance)
	case l.CellboardTimeout <= 0:
		return fmt.Errorf("%w: cellboard timeout %s", ErrInvalidLimits, l.CellboardTimeout)
	}

	for name, timeout := range c.Faults.Timeouts {
		if _, err := faults.ParseGroup(name); err != nil {
			return err
		}
		if timeout < 0 {
			return fmt.Errorf("%w: negative timeout for %s", faults.ErrInvalidTable, name)
		}
	}

	if err := c.TsConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTs, err)
	}
	if err := c.BalancingParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBalancing, err)
	}

	if len(c.Hardware.FeedbackLines) != types.FbCount {
		return fmt.Errorf("%w: %d feedback lines, want %d", ErrInvalidHardware, len(c.Hardware.FeedbackLines), types.FbCount)
	}
	if len(c.Hardware.Discharge) != c.Pack.Boards {
		return fmt.Errorf("%w: %d discharge maps for %d boards", ErrInvalidHardware, len(c.Hardware.Discharge), c.Pack.Boards)
	}
	for _, name := range []string{hardware.OutputAirNeg, hardware.OutputAirPos, hardware.OutputPrecharge, hardware.OutputFault} {
		if _, ok := c.Hardware.Outputs[name]; !ok {
			return fmt.Errorf("%w: output %s not mapped", ErrInvalidHardware, name)
		}
	}
	return nil
}

// TotalCells returns the number of cells in the pack.
func (c Config) TotalCells() int {
	return c.Pack.Boards * c.Pack.CellsPerBoard
}

func (c Config) BalancingParams() balancing.Params {
	return balancing.Params{
		Target:          types.Millivolts(c.Balancing.TargetMv),
		Threshold:       types.Millivolts(c.Balancing.ThresholdMv),
		DischargeOn:     c.Balancing.DischargeOn,
		DischargeOff:    c.Balancing.DischargeOff,
		Session:         c.Balancing.Session,
		Cooldown:        c.Balancing.Cooldown,
		ExcludeAdjacent: c.Balancing.ExcludeAdjacent,
	}
}

func (c Config) TsConfig() tractive.Config {
	ts := tractive.DefaultConfig()
	ts.AirNegTimeout = c.Ts.AirNegTimeout
	ts.PrechargeTimeout = c.Ts.PrechargeTimeout
	ts.AirPosTimeout = c.Ts.AirPosTimeout
	ts.PrechargeTolerance = c.Ts.PrechargeTolerance
	return ts
}

// FaultGroups returns the default fault table for the pack with the
// configured timeout overrides applied.
func (c Config) FaultGroups() []faults.GroupConfig {
	groups := faults.DefaultGroups(c.Pack.Boards, c.Pack.CellsPerBoard)
	for name, timeout := range c.Faults.Timeouts {
		g, err := faults.ParseGroup(name)
		if err != nil {
			continue
		}
		for i := range groups {
			if groups[i].Group == g {
				groups[i].Timeout = timeout
			}
		}
	}
	return groups
}

// LoggerOptions maps the log section onto logger options. Timestamps are
// left to the caller.
func (c Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      logger.LogLevel(c.Log.Level),
		JSON:       c.Log.Format == "json",
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
