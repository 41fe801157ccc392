package hardware

import "bms-service/internal/types"

const (
	OutputAirNeg    = "air_neg"
	OutputAirPos    = "air_pos"
	OutputPrecharge = "precharge"
	OutputFault     = "bms_fault"

	Consumer = "bms-service"
)

// LineMapping addresses one GPIO line.
type LineMapping struct {
	Chip int `mapstructure:"chip" yaml:"chip"`
	Line int `mapstructure:"line" yaml:"line"`
}

// DischargeMapping addresses the consecutive discharge lines of one board.
type DischargeMapping struct {
	Chip      int `mapstructure:"chip" yaml:"chip"`
	FirstLine int `mapstructure:"first_line" yaml:"first_line"`
	Cells     int `mapstructure:"cells" yaml:"cells"`
}

// AdcChannel is one IIO channel. Raw counts are converted with
// value = (raw + Offset) * Scale.
type AdcChannel struct {
	Channel int     `mapstructure:"channel" yaml:"channel"`
	Scale   float64 `mapstructure:"scale" yaml:"scale"`
	Offset  int     `mapstructure:"offset" yaml:"offset"`
}

// Config is the pin and channel map of the BMS main board.
type Config struct {
	Outputs map[string]LineMapping `mapstructure:"outputs" yaml:"outputs"`

	// Feedback lines in types.Fb* bit order, all on one chip.
	FeedbackChip  int   `mapstructure:"feedback_chip" yaml:"feedback_chip"`
	FeedbackLines []int `mapstructure:"feedback_lines" yaml:"feedback_lines"`

	Discharge []DischargeMapping `mapstructure:"discharge" yaml:"discharge"`

	AdcDevice string     `mapstructure:"adc_device" yaml:"adc_device"`
	Bus       AdcChannel `mapstructure:"bus" yaml:"bus"`
	Pack      AdcChannel `mapstructure:"pack" yaml:"pack"`
	Current   AdcChannel `mapstructure:"current" yaml:"current"`
}

// DefaultConfig returns the main board wiring for the given pack layout.
func DefaultConfig(boards, cellsPerBoard int) Config {
	cfg := Config{
		Outputs: map[string]LineMapping{
			OutputAirNeg:    {Chip: 2, Line: 10},
			OutputAirPos:    {Chip: 2, Line: 11},
			OutputPrecharge: {Chip: 2, Line: 9},
			OutputFault:     {Chip: 4, Line: 6},
		},
		FeedbackChip:  3,
		FeedbackLines: make([]int, types.FbCount),
		AdcDevice:     "iio:device0",
		// 12-bit ADC behind a 1:200 divider, volts per count.
		Bus:  AdcChannel{Channel: 0, Scale: 0.2014},
		Pack: AdcChannel{Channel: 1, Scale: 0.2014},
		// Hall sensor centred on mid-scale, amps per count.
		Current: AdcChannel{Channel: 2, Scale: 0.1221, Offset: -2048},
	}
	for i := range cfg.FeedbackLines {
		cfg.FeedbackLines[i] = i
	}
	for b := 0; b < boards; b++ {
		cfg.Discharge = append(cfg.Discharge, DischargeMapping{Chip: 5 + b, FirstLine: 0, Cells: cellsPerBoard})
	}
	return cfg
}
