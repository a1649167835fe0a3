package logic

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Colour temperature limits accepted by the host, in mired.
const (
	MinMired = 154
	MaxMired = 370
)

// DeviceToHostBrightness converts a 0-255 device level to a 0-100 percentage.
func DeviceToHostBrightness(raw int) int {
	return clamp(int(math.Round(float64(raw)/255*100)), 0, 100)
}

// HostToDeviceBrightness converts a 0-100 percentage to a 0-255 device level.
func HostToDeviceBrightness(pct int) int {
	return clamp(int(math.Round(float64(pct)*255/100)), 0, 255)
}

// ClampMired limits a colour temperature to the host's range.
func ClampMired(m int) int {
	return clamp(m, MinMired, MaxMired)
}

// MiredToKelvin converts mired to kelvin rounded to the nearest 50, for
// display only.
func MiredToKelvin(m int) int {
	if m <= 0 {
		return 0
	}
	return int(math.Round(1e6/float64(m)/50)) * 50
}

// ParseLevel reads the level from a "level:transition" capability value.
// It reports false for an empty or malformed value.
func ParseLevel(raw string) (int, bool) {
	head, _, _ := strings.Cut(raw, ":")
	if head == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, false
	}
	return v, true
}

// FormatLevel builds a "level:transition" value with no transition time.
func FormatLevel(v int) string {
	return fmt.Sprintf("%d:0", v)
}

// ParseOnOff reads an on/off capability value. An empty value means the bulb
// has no power at the wall and is treated as off.
func ParseOnOff(raw string) bool {
	return strings.HasPrefix(raw, "1")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
