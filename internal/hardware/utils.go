package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bms-service/internal/types"
)

// IIORoot is where the kernel exposes IIO devices.
var IIORoot = "/sys/bus/iio/devices"

// AdcMax is the full-scale raw value of the 12-bit converter.
const AdcMax = 4095

func ReadAdcValue(device string, channel int) (int, error) {
	path := filepath.Join(IIORoot, device, fmt.Sprintf("in_voltage%d_raw", channel))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return -1, fmt.Errorf("ADC sysfs not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("failed reading %s: %w", path, err)
	}

	var value int
	_, err = fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &value)
	if err != nil {
		return -1, fmt.Errorf("failed parsing ADC value: %w", err)
	}

	return value, nil
}

// ReadScaled reads a channel and applies its scale and offset.
func ReadScaled(device string, ch AdcChannel) (float64, error) {
	raw, err := ReadAdcValue(device, ch.Channel)
	if err != nil {
		return 0, err
	}
	if !InRange(raw, 0, AdcMax) {
		return 0, fmt.Errorf("ADC channel %d out of range: %d", ch.Channel, raw)
	}
	return float64(raw+ch.Offset) * ch.Scale, nil
}

// ReadVoltage reads a channel scaled to volts.
func ReadVoltage(device string, ch AdcChannel) (types.Voltage, error) {
	v, err := ReadScaled(device, ch)
	if err != nil {
		return 0, err
	}
	return types.Millivolts(v * 1000), nil
}

func InRange(v, min, max int) bool {
	return v >= min && v <= max
}
