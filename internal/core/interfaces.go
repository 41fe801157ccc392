package core

import (
	"time"

	"bms-service/internal/messaging"
	"bms-service/internal/types"
)

// MessagingClient defines the interface for Redis messaging operations needed by BMSSystem
type MessagingClient interface {
	SetCallbacks(callbacks messaging.Callbacks)
	Connect() error
	StartListening() error
	Close() error

	// Cellboard feed
	ReadCellboard(board int) (messaging.Cellboard, error)

	// State publication
	PublishTsState(state types.TsState) error
	PublishBalancingState(board int, state types.BalancingState, selection uint64) error

	// Faults
	ReportFaultPresent(fault string, description string, timestamp int64, info string) error
	ReportFaultAbsent(fault string, timestamp int64) error

	// Telemetry
	PublishTelemetry(kind string, payload []byte) error
}

// HardwareIO defines the interface for hardware I/O operations needed by BMSSystem
type HardwareIO interface {
	Initialize() error
	Cleanup()

	// Contactors and fault output
	SetAirNeg(closed bool) error
	SetAirPos(closed bool) error
	SetPrecharge(closed bool) error
	SetFault(asserted bool) error

	// Cell discharge, bit i of mask is cell i of the board
	SetDischarge(board int, mask uint64) error

	// Sensing
	ReadFeedback() (types.FeedbackMask, error)
	ReadBusVoltage() (types.Voltage, error)
	ReadPackVoltage() (types.Voltage, error)
	ReadCurrent() (float64, error)
}

// Clock is the monotonic time base of the control loop.
type Clock interface {
	Now() time.Duration
}
