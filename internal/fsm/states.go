package fsm

import "github.com/librescoot/librefsm"

// Tractive system states. The IDs match types.TsState.
const (
	StateInit            librefsm.StateID = "init"
	StateIdle            librefsm.StateID = "idle"
	StateWaitAirNegClose librefsm.StateID = "wait-air-neg-close"
	StateWaitPrecharge   librefsm.StateID = "wait-precharge"
	StateWaitAirPosClose librefsm.StateID = "wait-air-pos-close"
	StateTsOn            librefsm.StateID = "ts-on"
	StateFatalError      librefsm.StateID = "fatal-error"
)

// Balancing states. The IDs match types.BalancingState.
const (
	StateBalancingOff librefsm.StateID = "off"
	StateDischarging  librefsm.StateID = "discharging"
	StateCooldown     librefsm.StateID = "cooldown"
)

// Tractive system events
const (
	EvInitialized librefsm.EventID = "initialized"
	EvFatal       librefsm.EventID = "fatal"
	EvRecovered   librefsm.EventID = "recovered"

	// Requests (from Redis)
	EvOnRequest  librefsm.EventID = "on-request"
	EvOffRequest librefsm.EventID = "off-request"

	// Feedback confirmations
	EvAirNegClosed      librefsm.EventID = "air-neg-closed"
	EvPrechargeDone     librefsm.EventID = "precharge-done"
	EvAirPosClosed      librefsm.EventID = "air-pos-closed"
	EvFeedbackViolation librefsm.EventID = "feedback-violation"

	EvStageTimeout librefsm.EventID = "stage-timeout"
)

// Balancing events
const (
	EvBalancingStart  librefsm.EventID = "balancing-start"
	EvBalancingStop   librefsm.EventID = "balancing-stop"
	EvSelectionEmpty  librefsm.EventID = "selection-empty"
	EvSessionElapsed  librefsm.EventID = "session-elapsed"
	EvCooldownElapsed librefsm.EventID = "cooldown-elapsed"
)
