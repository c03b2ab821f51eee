// Package telemetry holds accelerometer samples and the bounded window that
// keeps raw readings alongside their calibrated values.
package telemetry

import "time"

// DefaultFactor converts a raw axis count to g for the stock sensor range.
const DefaultFactor = 3.814697266e-06

// Sample is one accelerometer reading as received from the device.
// Raw axis values are immutable ground truth; calibrated values are derived.
type Sample struct {
	X, Y, Z int16

	// Temperature in °C, nil when the device did not report it.
	Temperature *float64
	// DeviceTimestamp in device milliseconds, nil when absent.
	DeviceTimestamp *int64

	ReceivedAt time.Time
}

// Timestamp returns the device timestamp when present, otherwise the host
// receive time, both in Unix milliseconds.
func (s Sample) Timestamp() int64 {
	if s.DeviceTimestamp != nil {
		return *s.DeviceTimestamp
	}
	return s.ReceivedAt.UnixMilli()
}

// Vector is a calibrated three-axis value.
type Vector struct {
	X, Y, Z float64
}

// Calibration holds per-axis multipliers: calibrated = raw × factor.
type Calibration struct {
	X, Y, Z float64
}

// DefaultCalibration returns DefaultFactor on every axis.
func DefaultCalibration() Calibration {
	return Calibration{X: DefaultFactor, Y: DefaultFactor, Z: DefaultFactor}
}

// Apply converts the raw axes of s.
func (c Calibration) Apply(s Sample) Vector {
	return Vector{
		X: float64(s.X) * c.X,
		Y: float64(s.Y) * c.Y,
		Z: float64(s.Z) * c.Z,
	}
}
