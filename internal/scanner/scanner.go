// Package scanner discovers HUELLA devices from BLE advertisements.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event reports a discovered or refreshed device.
type Event struct {
	Type   EventType
	Device DeviceInfo
}

// DeviceInfo is what the scanner knows about one advertiser.
type DeviceInfo struct {
	Address     string
	Name        string
	RSSI        int
	TxPower     int
	Connectable bool
	FirstSeen   time.Time
	LastSeen    time.Time
	Seen        int
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration
	DuplicateFilter bool
	// NamePrefix selects devices by advertised local name. Devices
	// advertising the measurement service match regardless of name.
	NamePrefix string
	AllowList  []string
	BlockList  []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		NamePrefix:      device.DeviceNamePrefix,
	}
}

// Source creates the platform scanner.
type Source func() (device.Scanner, error)

// Scanner handles BLE device discovery
type Scanner struct {
	source  Source
	devices *hashmap.Map[string, DeviceInfo]
	events  *ringchan.RingChannel[Event]
	logger  *logrus.Logger
	opts    *Options
	now     func() time.Time
}

// New creates a scanner that obtains its platform scanner from source.
func New(source Source, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		source:  source,
		devices: hashmap.New[string, DeviceInfo](),
		events:  ringchan.New[Event](100),
		logger:  logger,
		now:     time.Now,
	}
}

// Scan performs discovery for opts.Duration (or until ctx ends) and returns
// the matching devices, strongest signal first.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progressCallback ProgressCallback) ([]DeviceInfo, error) {
	s.devices = hashmap.New[string, DeviceInfo]()

	if opts == nil {
		opts = DefaultOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	s.opts = opts

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	bleScanner, err := s.source()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err = bleScanner.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	return s.Devices(), nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	addr := adv.Addr()
	now := s.now()

	info, existing := s.devices.Get(addr)
	if !existing && !s.shouldInclude(adv) {
		return
	}

	if !existing {
		info = DeviceInfo{Address: addr, FirstSeen: now}
	}
	if name := adv.LocalName(); name != "" {
		info.Name = name
	}
	info.RSSI = adv.RSSI()
	info.TxPower = adv.TxPowerLevel()
	info.Connectable = adv.Connectable()
	info.LastSeen = now
	info.Seen++
	s.devices.Set(addr, info)

	event := Event{Type: EventUpdated, Device: info}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": addr,
			"rssi":    info.RSSI,
		}).Info("Discovered new device")
	}
	s.events.ForceSend(event)
}

// shouldInclude applies the allow, block, name and service filters.
func (s *Scanner) shouldInclude(adv device.Advertisement) bool {
	addr := adv.Addr()
	opts := s.opts

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.NamePrefix == "" {
		return true
	}
	if strings.HasPrefix(adv.LocalName(), opts.NamePrefix) {
		return true
	}
	service := device.NormalizeUUID(device.ServiceUUID)
	for _, u := range adv.Services() {
		if device.NormalizeUUID(u) == service {
			return true
		}
	}
	return false
}

// Devices returns a snapshot of discovered devices, strongest signal first.
func (s *Scanner) Devices() []DeviceInfo {
	devs := make([]DeviceInfo, 0, s.devices.Len())
	s.devices.Range(func(_ string, d DeviceInfo) bool {
		devs = append(devs, d)
		return true
	})
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address < devs[j].Address
	})
	return devs
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
