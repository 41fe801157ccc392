package fsm

import "github.com/librescoot/librefsm"

// TsActions defines the entry and exit actions of the tractive system
// machine. tractive.Controller implements this interface.
//
// Guards are evaluated by the controller on its tick before an event is
// sent, so the machine carries none.
type TsActions interface {
	EnterIdle(c *librefsm.Context) error
	EnterWaitAirNegClose(c *librefsm.Context) error
	EnterWaitPrecharge(c *librefsm.Context) error
	EnterWaitAirPosClose(c *librefsm.Context) error
	EnterTsOn(c *librefsm.Context) error
	EnterFatalError(c *librefsm.Context) error

	ExitFatalError(c *librefsm.Context) error
}

// BalancingActions defines the entry actions of one board's balancing
// machine. balancing.Controller implements this interface.
type BalancingActions interface {
	EnterOff(c *librefsm.Context) error
	EnterDischarging(c *librefsm.Context) error
	EnterCooldown(c *librefsm.Context) error
}
