// Package volume converts between the device's native speaker level and a
// normalized percentage in [0,1].
package volume

import "math"

// Device-native speaker level bounds.
const (
	Min = 1
	Max = 89
)

// ToPercentage clamps level to [Min, Max] and maps it linearly onto [0,1].
func ToPercentage(level int) float64 {
	level = max(level, Min)
	level = min(level, Max)
	return float64(level-Min) / float64(Max-Min)
}

// ToDeviceLevel maps a percentage back onto the device range. The result is
// rounded up so a requested volume is never under-set, then clamped to
// [Min, Max].
func ToDeviceLevel(percentage float64) int {
	if math.IsNaN(percentage) {
		return Min
	}
	level := math.Ceil(Min + percentage*float64(Max-Min))
	return int(math.Max(Min, math.Min(Max, level)))
}
