package messaging

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"bms-service/internal/types"
)

// BalancingCommand is a parsed bms:balancing list entry. Zero Target and
// Threshold fall back to the pack minimum and the configured threshold.
type BalancingCommand struct {
	Start     bool
	Target    types.Voltage
	Threshold types.Voltage
}

// ParseBalancingCommand parses "stop" and "start[:target_mv[:threshold_mv]]".
func ParseBalancingCommand(value string) (BalancingCommand, error) {
	parts := strings.Split(value, ":")
	switch parts[0] {
	case "stop":
		if len(parts) != 1 {
			return BalancingCommand{}, fmt.Errorf("invalid balancing command: %s", value)
		}
		return BalancingCommand{}, nil
	case "start":
	default:
		return BalancingCommand{}, fmt.Errorf("invalid balancing command: %s", value)
	}
	if len(parts) > 3 {
		return BalancingCommand{}, fmt.Errorf("invalid balancing command: %s", value)
	}

	cmd := BalancingCommand{Start: true}
	for i, p := range parts[1:] {
		v, err := types.ParseMillivolts(p)
		if err != nil {
			return BalancingCommand{}, fmt.Errorf("invalid millivolt value %q in balancing command: %w", p, err)
		}
		if i == 0 {
			cmd.Target = v
		} else {
			cmd.Threshold = v
		}
	}
	return cmd, nil
}

// Cellboard is the latest sample a cellboard bridge stored in its hash.
type Cellboard struct {
	Board        int
	Voltages     []types.Voltage
	Temperatures []types.Temperature
	Updated      time.Time
}

// CellboardKey returns the hash a board's bridge writes to.
func CellboardKey(board int) string {
	return fmt.Sprintf("cellboard:%d", board)
}

// ParseCellboard decodes a cellboard hash. "voltages" and "temperatures"
// are comma separated lists in millivolts and degrees Celsius, "timestamp"
// is in Unix milliseconds.
func ParseCellboard(board int, fields map[string]string) (Cellboard, error) {
	cb := Cellboard{Board: board}

	for _, s := range splitList(fields["voltages"]) {
		v, err := types.ParseMillivolts(s)
		if err != nil {
			return Cellboard{}, fmt.Errorf("cellboard %d: invalid voltage %q: %w", board, s, err)
		}
		cb.Voltages = append(cb.Voltages, v)
	}
	for _, s := range splitList(fields["temperatures"]) {
		c, err := strconv.ParseFloat(s, 32)
		if err == nil && (math.IsNaN(c) || math.IsInf(c, 0)) {
			err = errors.New("not a finite value")
		}
		if err != nil {
			return Cellboard{}, fmt.Errorf("cellboard %d: invalid temperature %q: %w", board, s, err)
		}
		cb.Temperatures = append(cb.Temperatures, types.Temperature(c))
	}
	if len(cb.Voltages) == 0 {
		return Cellboard{}, fmt.Errorf("cellboard %d: no voltages", board)
	}

	if ts, ok := fields["timestamp"]; ok {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return Cellboard{}, fmt.Errorf("cellboard %d: invalid timestamp %q: %w", board, ts, err)
		}
		cb.Updated = time.UnixMilli(ms)
	}
	return cb, nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
