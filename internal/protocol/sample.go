package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/srg/huella/internal/telemetry"
)

type samplePayload struct {
	X  *json.Number `json:"x"`
	Y  *json.Number `json:"y"`
	Z  *json.Number `json:"z"`
	T  *json.Number `json:"t"`
	TS *json.Number `json:"ts"`
}

// DecodeSample parses a data notification {x, y, z, t?, ts?}. Axis values
// must be integers in the int16 range.
func DecodeSample(data []byte, receivedAt time.Time) (telemetry.Sample, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p samplePayload
	if err := dec.Decode(&p); err != nil {
		return telemetry.Sample{}, &DecodeError{Kind: "sample", Payload: data, Reason: "malformed JSON", Err: err}
	}

	s := telemetry.Sample{ReceivedAt: receivedAt}
	for _, axis := range []struct {
		name string
		num  *json.Number
		dst  *int16
	}{{"x", p.X, &s.X}, {"y", p.Y, &s.Y}, {"z", p.Z, &s.Z}} {
		v, err := axisValue(axis.num)
		if err != nil {
			return telemetry.Sample{}, &DecodeError{Kind: "sample", Payload: data, Reason: fmt.Sprintf("axis %s: %v", axis.name, err)}
		}
		*axis.dst = v
	}

	if p.T != nil {
		t, err := p.T.Float64()
		if err != nil {
			return telemetry.Sample{}, &DecodeError{Kind: "sample", Payload: data, Reason: "temperature is not a number", Err: err}
		}
		s.Temperature = &t
	}
	if p.TS != nil {
		ts, err := p.TS.Int64()
		if err != nil {
			return telemetry.Sample{}, &DecodeError{Kind: "sample", Payload: data, Reason: "timestamp is not an integer", Err: err}
		}
		s.DeviceTimestamp = &ts
	}
	return s, nil
}

func axisValue(n *json.Number) (int16, error) {
	if n == nil {
		return 0, fmt.Errorf("missing")
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", n.String())
	}
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("%d out of int16 range", v)
	}
	return int16(v), nil
}
