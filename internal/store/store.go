// Package store persists devices, telemetry samples and configuration
// snapshots. Writes on the streaming path go through Writer, which never
// blocks the caller; a failing store only produces log lines.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/telemetry"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrUnknownKind  = errors.New("unknown record kind")
	ErrUnknownStore = errors.New("unknown store driver")
)

// Kind selects a record collection.
type Kind string

const (
	KindDevices Kind = "devices"
	KindSamples Kind = "samples"
	KindConfigs Kind = "configs"
)

// ParseKind accepts the collection names used on the command line.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindDevices, KindSamples, KindConfigs:
		return k, nil
	default:
		return "", fmt.Errorf("%w %q (expected devices, samples or configs)", ErrUnknownKind, s)
	}
}

// DeviceRecord is a device the host has connected to.
type DeviceRecord struct {
	ID              string    `json:"id"` // device address
	Name            string    `json:"name"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	ConnectionCount int       `json:"connectionCount"`
}

// SampleRecord is one persisted telemetry sample.
type SampleRecord struct {
	ID              uuid.UUID `json:"id"`
	SessionID       string    `json:"sessionId"`
	DeviceID        string    `json:"deviceId"`
	Seq             uint64    `json:"seq"`
	X               int16     `json:"x"`
	Y               int16     `json:"y"`
	Z               int16     `json:"z"`
	CalX            float64   `json:"calX"`
	CalY            float64   `json:"calY"`
	CalZ            float64   `json:"calZ"`
	Temperature     *float64  `json:"temperature,omitempty"`
	DeviceTimestamp *int64    `json:"deviceTimestamp,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// SampleFromEntry converts a window entry into a record with a fresh id.
func SampleFromEntry(sessionID, deviceID string, e telemetry.Entry) SampleRecord {
	return SampleRecord{
		ID:              uuid.New(),
		SessionID:       sessionID,
		DeviceID:        deviceID,
		Seq:             e.Seq,
		X:               e.Sample.X,
		Y:               e.Sample.Y,
		Z:               e.Sample.Z,
		CalX:            e.Calibrated.X,
		CalY:            e.Calibrated.Y,
		CalZ:            e.Calibrated.Z,
		Temperature:     e.Sample.Temperature,
		DeviceTimestamp: e.Sample.DeviceTimestamp,
		ReceivedAt:      e.Sample.ReceivedAt,
	}
}

// Entry converts the record back into a window entry, e.g. for CSV export.
func (r SampleRecord) Entry() telemetry.Entry {
	return telemetry.Entry{
		Seq: r.Seq,
		Sample: telemetry.Sample{
			X:               r.X,
			Y:               r.Y,
			Z:               r.Z,
			Temperature:     r.Temperature,
			DeviceTimestamp: r.DeviceTimestamp,
			ReceivedAt:      r.ReceivedAt,
		},
		Calibrated: telemetry.Vector{X: r.CalX, Y: r.CalY, Z: r.CalZ},
	}
}

// ConfigSnapshot is a redacted configuration document captured at a point
// in time.
type ConfigSnapshot struct {
	ID       uuid.UUID       `json:"id"`
	DeviceID string          `json:"deviceId"`
	TakenAt  time.Time       `json:"takenAt"`
	Document json.RawMessage `json:"document"`
}

// NewConfigSnapshot serialises a redacted copy of doc.
func NewConfigSnapshot(deviceID string, doc *protocol.ConfigDocument, at time.Time) (ConfigSnapshot, error) {
	data, err := json.Marshal(doc.Redacted())
	if err != nil {
		return ConfigSnapshot{}, fmt.Errorf("marshal configuration snapshot: %w", err)
	}
	return ConfigSnapshot{ID: uuid.New(), DeviceID: deviceID, TakenAt: at, Document: data}, nil
}

// Filter narrows RecentSamples. Zero fields match everything.
type Filter struct {
	DeviceID  string
	SessionID string
	Since     time.Time
}

func (f Filter) match(r SampleRecord) bool {
	if f.DeviceID != "" && r.DeviceID != f.DeviceID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && r.ReceivedAt.Before(f.Since) {
		return false
	}
	return true
}

// Bundle is everything stored about one device.
type Bundle struct {
	Device  DeviceRecord    `json:"device"`
	Config  *ConfigSnapshot `json:"config,omitempty"`
	Samples []SampleRecord  `json:"samples"`
}

// Store defines the storage interface
type Store interface {
	// PutDevice upserts a device; each call counts as one connection.
	PutDevice(ctx context.Context, d DeviceRecord) error
	PutSample(ctx context.Context, s SampleRecord) error
	PutConfigSnapshot(ctx context.Context, c ConfigSnapshot) error

	// RecentDevices returns devices by LastSeen, newest first.
	RecentDevices(ctx context.Context, limit int) ([]DeviceRecord, error)
	// RecentSamples returns matching samples by ReceivedAt, newest first.
	RecentSamples(ctx context.Context, limit int, filter Filter) ([]SampleRecord, error)
	// ConfigSnapshot returns the newest snapshot for deviceID.
	ConfigSnapshot(ctx context.Context, deviceID string) (ConfigSnapshot, error)

	// DeleteOlderThan removes records of kind older than cutoff and reports
	// how many were removed.
	DeleteOlderThan(ctx context.Context, kind Kind, cutoff time.Time) (int64, error)

	// Export collects a device with its newest snapshot and samples, oldest
	// sample first.
	Export(ctx context.Context, deviceID string) (*Bundle, error)

	Close() error
}

// Open creates a store for driver: "memory" or "postgres".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownStore, driver)
	}
}
