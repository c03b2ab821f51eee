package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeviceInfo is the read-only document on the info characteristic.
type DeviceInfo struct {
	Version     string   `json:"version"`
	UptimeMs    int64    `json:"uptime"`
	BatteryMV   int      `json:"battery"`
	Temperature *float64 `json:"temperature,omitempty"`
	SDFreeMB    int64    `json:"sdFree"`
	FreeHeap    int64    `json:"freeHeap"`
}

// Uptime returns the device uptime as a duration.
func (i DeviceInfo) Uptime() time.Duration {
	return time.Duration(i.UptimeMs) * time.Millisecond
}

// BatteryVolts returns the battery voltage in volts.
func (i DeviceInfo) BatteryVolts() float64 {
	return float64(i.BatteryMV) / 1000
}

// String formats the info for terminal output.
func (i DeviceInfo) String() string {
	temp := "n/a"
	if i.Temperature != nil {
		temp = fmt.Sprintf("%.1f°C", *i.Temperature)
	}
	return fmt.Sprintf("firmware %s, uptime %s, battery %.2fV, temperature %s, SD free %d MB, heap %d B",
		i.Version, i.Uptime().Truncate(time.Second), i.BatteryVolts(), temp, i.SDFreeMB, i.FreeHeap)
}

// DecodeInfo parses the info document.
func DecodeInfo(data []byte) (DeviceInfo, error) {
	var info DeviceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return DeviceInfo{}, &DecodeError{Kind: "info", Payload: data, Reason: "malformed JSON", Err: err}
	}
	return info, nil
}
