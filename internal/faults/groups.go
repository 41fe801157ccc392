package faults

import (
	"fmt"
	"time"
)

// Group identifies a fault category. Every group owns a fixed number of
// instances, one per monitored channel.
type Group uint8

const (
	GroupCellUnderVoltage Group = iota
	GroupCellOverVoltage
	GroupCellUnderTemperature
	GroupCellOverTemperature
	GroupOverCurrent
	GroupCellboardComm
	GroupFeedbackCircuit
	GroupInternalVoltageMismatch

	DefaultGroupCount
)

var defaultGroupNames = [DefaultGroupCount]string{
	"cell-under-voltage",
	"cell-over-voltage",
	"cell-under-temperature",
	"cell-over-temperature",
	"over-current",
	"cellboard-comm",
	"feedback-circuit",
	"internal-voltage-mismatch",
}

func (g Group) String() string {
	if g < DefaultGroupCount {
		return defaultGroupNames[g]
	}
	return fmt.Sprintf("group-%d", uint8(g))
}

// GroupConfig declares one group of the engine.
type GroupConfig struct {
	Group       Group
	Name        string
	Instances   int
	Timeout     time.Duration
	Description string
}

// DefaultGroups returns the BMS fault table for a pack of the given size.
func DefaultGroups(boards, cellsPerBoard int) []GroupConfig {
	cells := boards * cellsPerBoard
	return []GroupConfig{
		{GroupCellUnderVoltage, GroupCellUnderVoltage.String(), cells, 500 * time.Millisecond, "Cell under-voltage"},
		{GroupCellOverVoltage, GroupCellOverVoltage.String(), cells, 500 * time.Millisecond, "Cell over-voltage"},
		{GroupCellUnderTemperature, GroupCellUnderTemperature.String(), cells, time.Second, "Cell under-temperature"},
		{GroupCellOverTemperature, GroupCellOverTemperature.String(), cells, time.Second, "Cell over-temperature"},
		{GroupOverCurrent, GroupOverCurrent.String(), 1, 400 * time.Millisecond, "Pack over-current"},
		{GroupCellboardComm, GroupCellboardComm.String(), boards, time.Second, "Cellboard communication lost"},
		{GroupFeedbackCircuit, GroupFeedbackCircuit.String(), 1, 500 * time.Millisecond, "Feedback circuit unreadable"},
		{GroupInternalVoltageMismatch, GroupInternalVoltageMismatch.String(), 1, time.Second, "Sum of cells does not match pack voltage"},
	}
}

// ParseGroup resolves a group by its name in the default table.
func ParseGroup(name string) (Group, error) {
	for i, n := range defaultGroupNames {
		if n == name {
			return Group(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
}
