package types

type TsState string

const (
	TsStateInit            TsState = "init"
	TsStateIdle            TsState = "idle"
	TsStateWaitAirNegClose TsState = "wait-air-neg-close"
	TsStateWaitPrecharge   TsState = "wait-precharge"
	TsStateWaitAirPosClose TsState = "wait-air-pos-close"
	TsStateOn              TsState = "ts-on"
	TsStateFatalError      TsState = "fatal-error"
)

type BalancingState string

const (
	BalancingStateOff         BalancingState = "off"
	BalancingStateDischarging BalancingState = "discharging"
	BalancingStateCooldown    BalancingState = "cooldown"
)
