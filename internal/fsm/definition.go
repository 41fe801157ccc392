package fsm

import (
	"github.com/librescoot/librefsm"
)

// Transition is one declared edge of a machine.
type Transition struct {
	From  librefsm.StateID
	Event librefsm.EventID
	To    librefsm.StateID
}

// TsTransitions is the tractive system transition table. The sequence is
// strictly linear with abort: every waiting state can only fall back to idle
// or fatal-error, and ts-on is entered from wait-air-pos-close alone.
var TsTransitions = []Transition{
	{StateInit, EvInitialized, StateIdle},

	// Fatal errors take every state except fatal-error itself
	{StateInit, EvFatal, StateFatalError},
	{StateIdle, EvFatal, StateFatalError},
	{StateWaitAirNegClose, EvFatal, StateFatalError},
	{StateWaitPrecharge, EvFatal, StateFatalError},
	{StateWaitAirPosClose, EvFatal, StateFatalError},
	{StateTsOn, EvFatal, StateFatalError},

	{StateIdle, EvOnRequest, StateWaitAirNegClose},

	{StateWaitAirNegClose, EvOffRequest, StateIdle},
	{StateWaitAirNegClose, EvStageTimeout, StateIdle},
	{StateWaitAirNegClose, EvAirNegClosed, StateWaitPrecharge},

	{StateWaitPrecharge, EvOffRequest, StateIdle},
	{StateWaitPrecharge, EvStageTimeout, StateIdle},
	{StateWaitPrecharge, EvPrechargeDone, StateWaitAirPosClose},

	{StateWaitAirPosClose, EvOffRequest, StateIdle},
	{StateWaitAirPosClose, EvStageTimeout, StateIdle},
	{StateWaitAirPosClose, EvAirPosClosed, StateTsOn},

	{StateTsOn, EvOffRequest, StateIdle},
	{StateTsOn, EvFeedbackViolation, StateIdle},

	{StateFatalError, EvRecovered, StateIdle},
}

// BalancingTransitions is the per-board balancing transition table. A start
// request with nothing to discharge is consumed by the controller without
// sending an event, so off has no self-transition.
var BalancingTransitions = []Transition{
	{StateBalancingOff, EvBalancingStart, StateDischarging},

	{StateDischarging, EvBalancingStop, StateBalancingOff},
	{StateDischarging, EvSelectionEmpty, StateBalancingOff},
	{StateDischarging, EvSessionElapsed, StateCooldown},

	{StateCooldown, EvBalancingStop, StateBalancingOff},
	{StateCooldown, EvSelectionEmpty, StateBalancingOff},
	{StateCooldown, EvCooldownElapsed, StateDischarging},
}

// Lookup returns the target of an event in a transition table.
func Lookup(table []Transition, from librefsm.StateID, ev librefsm.EventID) (librefsm.StateID, bool) {
	for _, t := range table {
		if t.From == from && t.Event == ev {
			return t.To, true
		}
	}
	return "", false
}

// NewTsDefinition creates the tractive system FSM definition.
func NewTsDefinition(actions TsActions) *librefsm.Definition {
	def := librefsm.NewDefinition().
		State(StateInit).
		State(StateIdle,
			librefsm.WithOnEnter(actions.EnterIdle),
		).
		State(StateWaitAirNegClose,
			librefsm.WithOnEnter(actions.EnterWaitAirNegClose),
		).
		State(StateWaitPrecharge,
			librefsm.WithOnEnter(actions.EnterWaitPrecharge),
		).
		State(StateWaitAirPosClose,
			librefsm.WithOnEnter(actions.EnterWaitAirPosClose),
		).
		State(StateTsOn,
			librefsm.WithOnEnter(actions.EnterTsOn),
		).
		State(StateFatalError,
			librefsm.WithOnEnter(actions.EnterFatalError),
			librefsm.WithOnExit(actions.ExitFatalError),
		)

	for _, t := range TsTransitions {
		def = def.Transition(t.From, t.Event, t.To)
	}
	return def.Initial(StateInit)
}

// NewBalancingDefinition creates the balancing FSM definition for one board.
func NewBalancingDefinition(actions BalancingActions) *librefsm.Definition {
	def := librefsm.NewDefinition().
		State(StateBalancingOff,
			librefsm.WithOnEnter(actions.EnterOff),
		).
		State(StateDischarging,
			librefsm.WithOnEnter(actions.EnterDischarging),
		).
		State(StateCooldown,
			librefsm.WithOnEnter(actions.EnterCooldown),
		)

	for _, t := range BalancingTransitions {
		def = def.Transition(t.From, t.Event, t.To)
	}
	return def.Initial(StateBalancingOff)
}
