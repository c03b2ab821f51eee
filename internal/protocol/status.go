package protocol

import (
	"bytes"
	"encoding/json"
)

// Status values reported on the status characteristic.
const (
	StatusAuthOK   = "AUTH_OK"
	StatusAuthFail = "AUTH_FAIL"
)

// Operating modes reported by the device. Configuration edits are only
// accepted in ModeStandBy.
const (
	ModeM3      = "M3"
	ModeNormal  = "Normal"
	ModeStandBy = "StandBy"
)

// StatusEvent is a decoded status notification or status read.
type StatusEvent struct {
	Status string
	OpMode string
	// Extra holds every other field, undecoded.
	Extra map[string]json.RawMessage
}

// IsAuthResult reports whether the event answers an AUTH command.
func (e StatusEvent) IsAuthResult() bool {
	return e.Status == StatusAuthOK || e.Status == StatusAuthFail
}

// Mode returns the operating mode, falling back to a non-auth status value.
func (e StatusEvent) Mode() string {
	if e.OpMode != "" {
		return e.OpMode
	}
	if !e.IsAuthResult() {
		return e.Status
	}
	return ""
}

// DecodeStatus parses a status payload. Any JSON object is accepted; status
// and opMode must be strings when present.
func DecodeStatus(data []byte) (StatusEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &fields); err != nil {
		return StatusEvent{}, &DecodeError{Kind: "status", Payload: data, Reason: "not a JSON object", Err: err}
	}
	if fields == nil {
		return StatusEvent{}, &DecodeError{Kind: "status", Payload: data, Reason: "null payload"}
	}

	ev := StatusEvent{}
	for _, f := range []struct {
		key string
		dst *string
	}{{"status", &ev.Status}, {"opMode", &ev.OpMode}} {
		raw, ok := fields[f.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return StatusEvent{}, &DecodeError{Kind: "status", Payload: data, Reason: f.key + " is not a string", Err: err}
		}
		delete(fields, f.key)
	}
	if len(fields) > 0 {
		ev.Extra = fields
	}
	return ev, nil
}
