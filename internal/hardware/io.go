package hardware

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"bms-service/internal/logger"
	"bms-service/internal/types"
)

// LinuxHardwareIO drives the BMS main board through the GPIO character
// device and samples its analog inputs through IIO sysfs.
type LinuxHardwareIO struct {
	logger    *logger.Logger
	cfg       Config
	chips     map[int]*gpiocdev.Chip
	lines     map[string]*gpiocdev.Line
	feedback  *gpiocdev.Lines
	discharge []*gpiocdev.Lines
	mu        sync.RWMutex
}

func NewLinuxHardwareIO(cfg Config, l *logger.Logger) *LinuxHardwareIO {
	return &LinuxHardwareIO{
		logger: l,
		cfg:    cfg,
		chips:  make(map[int]*gpiocdev.Chip),
		lines:  make(map[string]*gpiocdev.Line),
	}
}

func (io *LinuxHardwareIO) chip(n int) (*gpiocdev.Chip, error) {
	if c, ok := io.chips[n]; ok {
		return c, nil
	}
	c, err := gpiocdev.NewChip(fmt.Sprintf("gpiochip%d", n))
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %d: %w", n, err)
	}
	io.chips[n] = c
	return c, nil
}

// Initialize requests every line. Outputs start low, so contactors are open,
// the fault output is released and no cell discharges.
func (io *LinuxHardwareIO) Initialize() error {
	io.logger.Infof("Initializing hardware IO")
	io.mu.Lock()
	defer io.mu.Unlock()

	for name, mapping := range io.cfg.Outputs {
		chip, err := io.chip(mapping.Chip)
		if err != nil {
			return err
		}
		line, err := chip.RequestLine(mapping.Line,
			gpiocdev.AsOutput(0),
			gpiocdev.WithConsumer(Consumer))
		if err != nil {
			return fmt.Errorf("failed to request GPIO line %d for %s: %w", mapping.Line, name, err)
		}
		io.lines[name] = line
		io.logger.Infof("Configured DO %s: chip=%d, line=%d", name, mapping.Chip, mapping.Line)
	}

	if len(io.cfg.FeedbackLines) != types.FbCount {
		return fmt.Errorf("feedback map has %d lines, want %d", len(io.cfg.FeedbackLines), types.FbCount)
	}
	chip, err := io.chip(io.cfg.FeedbackChip)
	if err != nil {
		return err
	}
	io.feedback, err = chip.RequestLines(io.cfg.FeedbackLines,
		gpiocdev.AsInput,
		gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return fmt.Errorf("failed to request feedback lines: %w", err)
	}

	for b, m := range io.cfg.Discharge {
		chip, err := io.chip(m.Chip)
		if err != nil {
			return err
		}
		offsets := make([]int, m.Cells)
		for i := range offsets {
			offsets[i] = m.FirstLine + i
		}
		lines, err := chip.RequestLines(offsets,
			gpiocdev.AsOutput(make([]int, m.Cells)...),
			gpiocdev.WithConsumer(Consumer))
		if err != nil {
			return fmt.Errorf("failed to request discharge lines of board %d: %w", b, err)
		}
		io.discharge = append(io.discharge, lines)
		io.logger.Infof("Configured discharge board %d: chip=%d, lines=%d..%d", b, m.Chip, m.FirstLine, m.FirstLine+m.Cells-1)
	}

	return nil
}

func (io *LinuxHardwareIO) WriteDigitalOutput(channel string, value bool) error {
	io.mu.RLock()
	line, ok := io.lines[channel]
	io.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown digital output channel: %s", channel)
	}

	val := 0
	if value {
		val = 1
	}

	if err := line.SetValue(val); err != nil {
		return fmt.Errorf("failed to set DO %s=%v: %w", channel, value, err)
	}

	io.logger.Debugf("Set DO %s=%v", channel, value)
	return nil
}

func (io *LinuxHardwareIO) SetAirNeg(closed bool) error    { return io.WriteDigitalOutput(OutputAirNeg, closed) }
func (io *LinuxHardwareIO) SetAirPos(closed bool) error    { return io.WriteDigitalOutput(OutputAirPos, closed) }
func (io *LinuxHardwareIO) SetPrecharge(closed bool) error { return io.WriteDigitalOutput(OutputPrecharge, closed) }
func (io *LinuxHardwareIO) SetFault(asserted bool) error   { return io.WriteDigitalOutput(OutputFault, asserted) }

// SetDischarge drives the discharge switches of a board; bit i of mask is
// cell i.
func (io *LinuxHardwareIO) SetDischarge(board int, mask uint64) error {
	io.mu.RLock()
	defer io.mu.RUnlock()
	if board < 0 || board >= len(io.discharge) {
		return fmt.Errorf("no discharge lines for board %d", board)
	}
	cells := io.cfg.Discharge[board].Cells
	values := make([]int, cells)
	for i := 0; i < cells && i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			values[i] = 1
		}
	}
	if err := io.discharge[board].SetValues(values); err != nil {
		return fmt.Errorf("failed to set discharge mask %#x on board %d: %w", mask, board, err)
	}
	return nil
}

// ReadFeedback samples every feedback line into a mask.
func (io *LinuxHardwareIO) ReadFeedback() (types.FeedbackMask, error) {
	io.mu.RLock()
	defer io.mu.RUnlock()
	if io.feedback == nil {
		return 0, fmt.Errorf("feedback lines not initialized")
	}
	values := make([]int, types.FbCount)
	if err := io.feedback.Values(values); err != nil {
		return 0, fmt.Errorf("failed to read feedback lines: %w", err)
	}
	var mask types.FeedbackMask
	for i, v := range values {
		if v != 0 {
			mask |= 1 << uint(i)
		}
	}
	return mask, nil
}

func (io *LinuxHardwareIO) ReadBusVoltage() (types.Voltage, error) {
	return ReadVoltage(io.cfg.AdcDevice, io.cfg.Bus)
}

func (io *LinuxHardwareIO) ReadPackVoltage() (types.Voltage, error) {
	return ReadVoltage(io.cfg.AdcDevice, io.cfg.Pack)
}

// ReadCurrent returns the pack current in amps, positive when discharging.
func (io *LinuxHardwareIO) ReadCurrent() (float64, error) {
	return ReadScaled(io.cfg.AdcDevice, io.cfg.Current)
}

// Cleanup drops every output to its safe state and releases the lines.
func (io *LinuxHardwareIO) Cleanup() {
	io.mu.Lock()
	defer io.mu.Unlock()

	io.logger.Infof("Cleaning up hardware resources")

	for name, line := range io.lines {
		if err := line.SetValue(0); err != nil {
			io.logger.Warnf("Failed to release %s: %v", name, err)
		}
		line.Close()
		io.logger.Debugf("Closed GPIO line for %s", name)
	}

	for b, lines := range io.discharge {
		if err := lines.SetValues(make([]int, io.cfg.Discharge[b].Cells)); err != nil {
			io.logger.Warnf("Failed to stop discharge on board %d: %v", b, err)
		}
		lines.Close()
	}

	if io.feedback != nil {
		io.feedback.Close()
	}

	for id, chip := range io.chips {
		chip.Close()
		io.logger.Debugf("Closed GPIO chip %d", id)
	}

	io.logger.Infof("Hardware cleanup complete")
}
