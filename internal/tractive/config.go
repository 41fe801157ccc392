package tractive

import (
	"fmt"
	"time"

	"bms-service/internal/types"
)

// Expectations holds the feedback each state checks.
type Expectations struct {
	// Idle must match before an on request is accepted.
	Idle types.Expectation
	// AirNegClosed confirms AIR- closed in wait-air-neg-close.
	AirNegClosed types.Expectation
	// PrechargeDone is checked together with the bus voltage.
	PrechargeDone types.Expectation
	// AirPosClosed confirms AIR+ closed in wait-air-pos-close.
	AirPosClosed types.Expectation
	// TsOn must hold for as long as the tractive system is on.
	TsOn types.Expectation
	// FatalRecovery must match before leaving fatal-error.
	FatalRecovery types.Expectation
}

const (
	relays = types.FbAirNegGate | types.FbAirPosGate | types.FbPrechargeGate |
		types.FbAirNegAux | types.FbAirPosAux
	safety = types.FbImdOk | types.FbSdIn
)

func DefaultExpectations() Expectations {
	return Expectations{
		Idle: types.Expectation{
			Mask:  relays | safety | types.FbTsalGreen,
			Value: safety | types.FbTsalGreen,
		},
		AirNegClosed: types.Expectation{
			Mask:  relays | safety,
			Value: types.FbAirNegGate | types.FbAirNegAux | safety,
		},
		PrechargeDone: types.Expectation{
			Mask:  relays | safety,
			Value: types.FbAirNegGate | types.FbAirNegAux | types.FbPrechargeGate | safety,
		},
		AirPosClosed: types.Expectation{
			Mask:  relays | safety,
			Value: types.FbAirNegGate | types.FbAirNegAux | types.FbPrechargeGate | types.FbAirPosGate | types.FbAirPosAux | safety,
		},
		// The precharge relay opens on entry and is not checked here.
		TsOn: types.Expectation{
			Mask:  types.FbAirNegGate | types.FbAirNegAux | types.FbAirPosGate | types.FbAirPosAux | safety,
			Value: types.FbAirNegGate | types.FbAirNegAux | types.FbAirPosGate | types.FbAirPosAux | safety,
		},
		FatalRecovery: types.Expectation{
			Mask:  relays,
			Value: 0,
		},
	}
}

// Config holds the stage timeouts and the precharge tolerance.
type Config struct {
	AirNegTimeout    time.Duration
	PrechargeTimeout time.Duration
	AirPosTimeout    time.Duration

	// PrechargeTolerance is the allowed |pack - bus| as a fraction of the
	// pack voltage.
	PrechargeTolerance float64

	Expect Expectations
}

func DefaultConfig() Config {
	return Config{
		AirNegTimeout:      500 * time.Millisecond,
		PrechargeTimeout:   5 * time.Second,
		AirPosTimeout:      500 * time.Millisecond,
		PrechargeTolerance: 0.05,
		Expect:             DefaultExpectations(),
	}
}

func (c Config) Validate() error {
	if c.AirNegTimeout <= 0 || c.PrechargeTimeout <= 0 || c.AirPosTimeout <= 0 {
		return fmt.Errorf("stage timeouts must be positive")
	}
	if c.PrechargeTolerance <= 0 || c.PrechargeTolerance >= 1 {
		return fmt.Errorf("precharge tolerance %.3f out of range (0, 1)", c.PrechargeTolerance)
	}
	return nil
}
