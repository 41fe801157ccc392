package fsm

import (
	"testing"

	"github.com/librescoot/librefsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopActions struct{}

func (nopActions) EnterIdle(*librefsm.Context) error            { return nil }
func (nopActions) EnterWaitAirNegClose(*librefsm.Context) error { return nil }
func (nopActions) EnterWaitPrecharge(*librefsm.Context) error   { return nil }
func (nopActions) EnterWaitAirPosClose(*librefsm.Context) error { return nil }
func (nopActions) EnterTsOn(*librefsm.Context) error            { return nil }
func (nopActions) EnterFatalError(*librefsm.Context) error      { return nil }
func (nopActions) ExitFatalError(*librefsm.Context) error       { return nil }
func (nopActions) EnterOff(*librefsm.Context) error             { return nil }
func (nopActions) EnterDischarging(*librefsm.Context) error     { return nil }
func (nopActions) EnterCooldown(*librefsm.Context) error        { return nil }

var tsStates = []librefsm.StateID{
	StateInit, StateIdle, StateWaitAirNegClose, StateWaitPrecharge,
	StateWaitAirPosClose, StateTsOn, StateFatalError,
}

func incoming(table []Transition, to librefsm.StateID) map[librefsm.StateID]bool {
	from := map[librefsm.StateID]bool{}
	for _, t := range table {
		if t.To == to {
			from[t.From] = true
		}
	}
	return from
}

func TestDefinitionsBuild(t *testing.T) {
	_, err := NewTsDefinition(nopActions{}).Build()
	require.NoError(t, err)
	_, err = NewBalancingDefinition(nopActions{}).Build()
	require.NoError(t, err)
}

func TestTransitionTablesAreDeterministic(t *testing.T) {
	for name, table := range map[string][]Transition{"ts": TsTransitions, "balancing": BalancingTransitions} {
		seen := map[Transition]bool{}
		for _, tr := range table {
			key := Transition{From: tr.From, Event: tr.Event}
			assert.False(t, seen[key], "%s: %s has two targets for %s", name, tr.From, tr.Event)
			seen[key] = true
		}
	}
}

// Every path into ts-on walks the three waiting states in order.
func TestTsOnOnlyReachableThroughWaitingStates(t *testing.T) {
	chain := []librefsm.StateID{StateIdle, StateWaitAirNegClose, StateWaitPrecharge, StateWaitAirPosClose, StateTsOn}
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, map[librefsm.StateID]bool{chain[i-1]: true}, incoming(TsTransitions, chain[i]),
			"%s must only be entered from %s", chain[i], chain[i-1])
	}

	// Walk every reachable path and check that ts-on is preceded by the chain.
	type path []librefsm.StateID
	var walk func(p path, depth int)
	walk = func(p path, depth int) {
		cur := p[len(p)-1]
		if cur == StateTsOn {
			n := len(p)
			require.GreaterOrEqual(t, n, 4)
			assert.Equal(t, []librefsm.StateID{StateWaitAirNegClose, StateWaitPrecharge, StateWaitAirPosClose, StateTsOn},
				[]librefsm.StateID(p[n-4:]))
		}
		if depth == 0 {
			return
		}
		for _, tr := range TsTransitions {
			if tr.From == cur {
				walk(append(append(path{}, p...), tr.To), depth-1)
			}
		}
	}
	walk(path{StateInit}, 10)
}

func TestFatalErrorReachableFromEveryOtherState(t *testing.T) {
	for _, s := range tsStates {
		to, ok := Lookup(TsTransitions, s, EvFatal)
		if s == StateFatalError {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, "%s has no fatal transition", s)
		assert.Equal(t, StateFatalError, to)
	}
}

func TestAbortsReturnToIdle(t *testing.T) {
	for _, s := range []librefsm.StateID{StateWaitAirNegClose, StateWaitPrecharge, StateWaitAirPosClose} {
		for _, ev := range []librefsm.EventID{EvOffRequest, EvStageTimeout} {
			to, ok := Lookup(TsTransitions, s, ev)
			require.True(t, ok, "%s/%s undeclared", s, ev)
			assert.Equal(t, StateIdle, to)
		}
	}
	to, ok := Lookup(TsTransitions, StateTsOn, EvFeedbackViolation)
	require.True(t, ok)
	assert.Equal(t, StateIdle, to)
}

func TestFatalErrorOnlyLeavesToIdle(t *testing.T) {
	for _, tr := range TsTransitions {
		if tr.From == StateFatalError {
			assert.Equal(t, EvRecovered, tr.Event)
			assert.Equal(t, StateIdle, tr.To)
		}
	}
}

func TestBalancingStopFromEveryActiveState(t *testing.T) {
	for _, s := range []librefsm.StateID{StateDischarging, StateCooldown} {
		for _, ev := range []librefsm.EventID{EvBalancingStop, EvSelectionEmpty} {
			to, ok := Lookup(BalancingTransitions, s, ev)
			require.True(t, ok, "%s/%s undeclared", s, ev)
			assert.Equal(t, StateBalancingOff, to)
		}
	}
	_, ok := Lookup(BalancingTransitions, StateBalancingOff, EvBalancingStart)
	assert.True(t, ok)
}
