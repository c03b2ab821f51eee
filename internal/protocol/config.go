package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/huella/internal/telemetry"
)

// Configuration document keys.
const (
	KeyName         = "name"
	KeyFrequency    = "frequency"
	KeyFileInterval = "fileInterval"
	KeyCalFactorX   = "calFactorX"
	KeyCalFactorY   = "calFactorY"
	KeyCalFactorZ   = "calFactorZ"
	KeySSID         = "ssid"
	KeyHasPassword  = "hasPassword"
	KeyPassword     = "password"
)

// Defaults applied by the firmware when a field is absent.
const (
	DefaultFrequency    = 250 // Hz
	DefaultFileInterval = 1   // minutes
)

var calibrationPattern = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][+-]?\d+)?$`)

// ConfigDocument is the device configuration as an ordered JSON object.
// Unknown keys are kept in their original position.
type ConfigDocument struct {
	fields *orderedmap.OrderedMap[string, any]
}

// NewConfigDocument creates an empty document.
func NewConfigDocument() *ConfigDocument {
	return &ConfigDocument{fields: orderedmap.New[string, any]()}
}

// DecodeConfig parses a configuration read.
func DecodeConfig(data []byte) (*ConfigDocument, error) {
	d := NewConfigDocument()
	if err := json.Unmarshal(data, d.fields); err != nil {
		return nil, &DecodeError{Kind: "configuration", Payload: data, Reason: "not a JSON object", Err: err}
	}
	return d, nil
}

// Get returns the raw value stored under key.
func (d *ConfigDocument) Get(key string) (any, bool) {
	return d.fields.Get(key)
}

// Set stores value under key, keeping the key's position if it exists.
func (d *ConfigDocument) Set(key string, value any) {
	d.fields.Set(key, value)
}

// Delete removes key.
func (d *ConfigDocument) Delete(key string) {
	d.fields.Delete(key)
}

// Keys returns the keys in document order.
func (d *ConfigDocument) Keys() []string {
	keys := make([]string, 0, d.fields.Len())
	for pair := d.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Len returns the number of keys.
func (d *ConfigDocument) Len() int {
	return d.fields.Len()
}

// Clone returns a shallow copy.
func (d *ConfigDocument) Clone() *ConfigDocument {
	c := NewConfigDocument()
	for pair := d.fields.Oldest(); pair != nil; pair = pair.Next() {
		c.fields.Set(pair.Key, pair.Value)
	}
	return c
}

// Name returns the configured device name.
func (d *ConfigDocument) Name() string {
	v, _ := d.fields.Get(KeyName)
	s, _ := v.(string)
	return s
}

// Frequency returns the sampling frequency in Hz.
func (d *ConfigDocument) Frequency() int {
	return d.intOr(KeyFrequency, DefaultFrequency)
}

// FileInterval returns the file rotation interval in minutes.
func (d *ConfigDocument) FileInterval() int {
	return d.intOr(KeyFileInterval, DefaultFileInterval)
}

// HasPassword reports whether the device says a Wi-Fi secret is stored.
func (d *ConfigDocument) HasPassword() bool {
	v, _ := d.fields.Get(KeyHasPassword)
	b, _ := v.(bool)
	return b
}

func (d *ConfigDocument) intOr(key string, def int) int {
	v, ok := d.fields.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Calibration returns the per-axis factors. Absent axes use
// telemetry.DefaultFactor. Factors may be JSON numbers or numeric strings;
// the first invalid factor is reported and its axis keeps the default.
func (d *ConfigDocument) Calibration() (telemetry.Calibration, error) {
	cal := telemetry.DefaultCalibration()
	var firstErr error
	for _, axis := range []struct {
		key string
		dst *float64
	}{{KeyCalFactorX, &cal.X}, {KeyCalFactorY, &cal.Y}, {KeyCalFactorZ, &cal.Z}} {
		v, ok := d.fields.Get(axis.key)
		if !ok {
			continue
		}
		f, err := ParseFactor(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", axis.key, err)
			}
			continue
		}
		*axis.dst = f
	}
	return cal, firstErr
}

// SetCalibration stores the factors as numbers.
func (d *ConfigDocument) SetCalibration(c telemetry.Calibration) {
	d.fields.Set(KeyCalFactorX, c.X)
	d.fields.Set(KeyCalFactorY, c.Y)
	d.fields.Set(KeyCalFactorZ, c.Z)
}

// ParseFactor accepts a float or a string in plain or exponent notation.
func ParseFactor(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	case json.Number:
		return ParseFactor(f.String())
	case string:
		if !calibrationPattern.MatchString(f) {
			return 0, fmt.Errorf("invalid calibration factor %q", f)
		}
		return strconv.ParseFloat(f, 64)
	default:
		return 0, fmt.Errorf("invalid calibration factor of type %T", v)
	}
}

// EncodeForWrite produces the payload for a whole-document write.
//
// Any password or hasPassword key in d is dropped. When secret is non-empty
// it is added as the password field; otherwise the field is omitted so the
// stored secret stays untouched. Calibration factors must be valid.
func (d *ConfigDocument) EncodeForWrite(secret string) ([]byte, error) {
	if _, err := d.Calibration(); err != nil {
		return nil, &ProtocolError{Op: "encode configuration", Reason: "invalid calibration", Err: err}
	}

	out := d.Clone()
	out.fields.Delete(KeyPassword)
	out.fields.Delete(KeyHasPassword)
	if secret != "" {
		out.fields.Set(KeyPassword, secret)
	}

	data, err := json.Marshal(out.fields)
	if err != nil {
		return nil, &ProtocolError{Op: "encode configuration", Reason: "document is not serialisable", Err: err}
	}
	if err := checkSize("encode configuration", data); err != nil {
		return nil, err
	}
	return data, nil
}

// MarshalJSON encodes the document as is, including any secret.
func (d *ConfigDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.fields)
}

// UnmarshalJSON replaces the document contents.
func (d *ConfigDocument) UnmarshalJSON(data []byte) error {
	fields := orderedmap.New[string, any]()
	if err := json.Unmarshal(data, fields); err != nil {
		return err
	}
	d.fields = fields
	return nil
}

// Redacted returns a copy safe to log or persist: the password value is
// removed.
func (d *ConfigDocument) Redacted() *ConfigDocument {
	c := d.Clone()
	c.fields.Delete(KeyPassword)
	return c
}
