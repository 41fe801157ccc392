package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Voltage is a cell voltage in 0.1 mV steps, the native resolution of the
// cell monitor ICs.
type Voltage int32

const (
	TenthMillivolt Voltage = 1
	Millivolt      Voltage = 10
	Volt           Voltage = 10000

	// MaxCellVoltage bounds every cell voltage and balancing parameter
	// accepted from outside the service.
	MaxCellVoltage Voltage = 10 * Volt
)

var ErrVoltageRange = errors.New("voltage out of range")

// Millivolts converts a millivolt reading into a Voltage, rounding to the
// nearest 0.1 mV step.
func Millivolts(mv float64) Voltage {
	if mv < 0 {
		return Voltage(mv*10 - 0.5)
	}
	return Voltage(mv*10 + 0.5)
}

// ParseMillivolts parses a millivolt value between 0 and MaxCellVoltage.
func ParseMillivolts(s string) (Voltage, error) {
	mv, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(mv) || mv < 0 || mv > MaxCellVoltage.Millivolts() {
		return 0, fmt.Errorf("%w: %s mV", ErrVoltageRange, s)
	}
	return Millivolts(mv), nil
}

func (v Voltage) Millivolts() float64 { return float64(v) / 10 }
func (v Voltage) Volts() float64      { return float64(v) / 10000 }

func (v Voltage) String() string {
	return fmt.Sprintf("%.1fmV", v.Millivolts())
}

// Temperature in degrees Celsius.
type Temperature float32

// FeedbackMask holds one sampled bit per feedback signal.
type FeedbackMask uint32

// Feedback bits, in multiplexer order.
const (
	FbAirNegGate FeedbackMask = 1 << iota
	FbAirPosGate
	FbPrechargeGate
	FbAirNegAux
	FbAirPosAux
	FbTsalGreen
	FbImdOk
	FbSdIn
	FbSdOut
	FbCheckMux

	FbCount = 10
)

var feedbackNames = [FbCount]string{
	"air-neg-gate",
	"air-pos-gate",
	"precharge-gate",
	"air-neg-aux",
	"air-pos-aux",
	"tsal-green",
	"imd-ok",
	"sd-in",
	"sd-out",
	"check-mux",
}

// FeedbackName returns the name of feedback bit index i.
func FeedbackName(i int) string {
	if i < 0 || i >= FbCount {
		return "unknown"
	}
	return feedbackNames[i]
}

// Expectation describes the value a subset of feedback bits must have.
type Expectation struct {
	Mask  FeedbackMask
	Value FeedbackMask
}

// Matches reports whether every bit selected by Mask has the expected value.
func (e Expectation) Matches(fb FeedbackMask) bool {
	return fb&e.Mask == e.Value&e.Mask
}

// Violations returns the bits that differ from the expectation.
func (e Expectation) Violations(fb FeedbackMask) FeedbackMask {
	return (fb ^ e.Value) & e.Mask
}
