package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/groutine"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultConnectTimeout bounds dial plus profile discovery.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultWriteTimeout bounds a single acknowledged write.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultReadTimeout prevents indefinite blocking if a device becomes
	// unresponsive during a read.
	DefaultReadTimeout = 5 * time.Second

	// attHeaderSize is the ATT write request overhead inside one MTU.
	attHeaderSize = 3
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}

// ----------------------------
// Transport
// ----------------------------

// Transport dials HUELLA peripherals through go-ble.
type Transport struct {
	logger *logrus.Logger
}

// NewTransport creates a go-ble backed device.Transport.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// Connect dials address, discovers the profile and resolves every role to its
// characteristic. A peripheral missing the service or any role characteristic
// is rejected and the connection is cancelled.
func (t *Transport) Connect(ctx context.Context, address string, opts *device.ConnectOptions) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		t.logger.Error("Connection attempt with empty address")
		return nil, fmt.Errorf("device address is empty")
	}

	o := device.ConnectOptions{}
	if opts != nil {
		o = *opts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Profile == nil {
		o.Profile = device.DefaultProfile()
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": o.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address \"%s\": %w", address, NormalizeError(err))
	}

	t.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		t.cancelClient(client)
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	chars, err := resolveRoles(profile, o.Profile)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Peripheral does not expose the measurement profile")
		t.cancelClient(client)
		return nil, err
	}

	c := newConnection(client, address, chars, o, stackSplitsLongWrites, t.logger)

	t.logger.WithFields(logrus.Fields{
		"address":     address,
		"name":        c.name,
		"roles":       len(chars),
		"write_limit": c.writeLimit,
	}).Info("BLE device connected successfully")
	return c, nil
}

// newConnection wraps a dialled client. It negotiates the largest ATT MTU so
// that whole JSON documents fit in one acknowledged write, then starts the
// disconnect monitor.
func newConnection(client ble.Client, address string, chars map[device.Role]*ble.Characteristic,
	o device.ConnectOptions, splitsLongWrites bool, logger *logrus.Logger) *Connection {
	c := &Connection{
		client:       client,
		logger:       logger,
		address:      address,
		name:         client.Name(),
		chars:        chars,
		writeTimeout: o.WriteTimeout,
		readTimeout:  o.ReadTimeout,
		disconnected: make(chan struct{}),
	}
	c.writeLimit = c.negotiateWriteLimit(splitsLongWrites)

	// The connection context outlives the dial context and is cancelled with a
	// cause when the link drops.
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.monitor()
	return c
}

// negotiateWriteLimit runs the MTU exchange and returns the largest value a
// single acknowledged write may carry. A failed exchange keeps the default
// MTU.
func (c *Connection) negotiateWriteLimit(splitsLongWrites bool) int {
	mtu, err := c.client.ExchangeMTU(ble.MaxMTU)
	if err != nil || mtu < ble.DefaultMTU {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"mtu":     mtu,
			"error":   err,
		}).Warn("MTU exchange failed, keeping the default MTU")
		mtu = ble.DefaultMTU
	} else {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"mtu":     mtu,
		}).Debug("MTU negotiated")
	}

	if splitsLongWrites {
		return device.MaxAttributeWrite
	}
	// A single read response carries at most ATT_MTU-1 bytes.
	c.readLong = mtu-1 < device.MaxAttributeWrite
	return min(mtu-attHeaderSize, device.MaxAttributeWrite)
}

// WriteLimit returns the largest payload Write accepts on this link.
func (c *Connection) WriteLimit() int { return c.writeLimit }

func (t *Transport) cancelClient(client ble.Client) {
	if cancelErr := client.CancelConnection(); cancelErr != nil {
		t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after discovery failure")
	}
}

// resolveRoles finds the characteristic for every role of the profile.
func resolveRoles(p *ble.Profile, profile *device.Profile) (map[device.Role]*ble.Characteristic, error) {
	want := device.NormalizeUUID(profile.Service)
	var svc *ble.Service
	for _, s := range p.Services {
		if device.NormalizeUUID(s.UUID.String()) == want {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, &device.NotFoundError{Resource: "service", UUID: profile.Service}
	}

	chars := make(map[device.Role]*ble.Characteristic, len(profile.Chars))
	for _, c := range svc.Characteristics {
		if role, ok := profile.RoleOf(c.UUID.String()); ok {
			chars[role] = c
		}
	}

	var missing []string
	for role, uuid := range profile.Chars {
		if _, ok := chars[role]; !ok {
			missing = append(missing, (&device.NotFoundError{Resource: "characteristic", UUID: uuid, Role: role}).Error())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("profile validation failed - %s", strings.Join(missing, "; "))
	}
	return chars, nil
}

// ----------------------------
// BLE Connection
// ----------------------------

// Connection is a live go-ble link implementing device.Link.
type Connection struct {
	client       ble.Client
	logger       *logrus.Logger
	address      string
	name         string
	chars        map[device.Role]*ble.Characteristic
	writeTimeout time.Duration
	readTimeout  time.Duration
	writeLimit   int
	readLong     bool

	// go-ble clients are not safe for overlapping GATT requests
	writeMutex sync.Mutex

	ctx          context.Context
	cancel       context.CancelCauseFunc
	disconnected chan struct{}
	closeOnce    sync.Once
	subsMu       sync.Mutex
	subs         map[device.Role]*subscription
}

func (c *Connection) Address() string { return c.address }
func (c *Connection) Name() string    { return c.name }

// Disconnected is closed once the link is gone.
func (c *Connection) Disconnected() <-chan struct{} { return c.disconnected }

// Err returns the reason the link went down, or nil while it is up.
func (c *Connection) Err() error {
	return context.Cause(c.ctx)
}

// monitor watches the go-ble client Disconnected() channel and cancels the
// connection context when the peripheral goes away.
func (c *Connection) monitor() {
	dc, ok := c.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not support Disconnected() channel, link loss is detected on Close only")
		return
	}

	groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			c.logger.WithField("address", c.address).Warn("Peripheral reported disconnection, cancelling connection context")
			c.teardown(device.ErrNotConnected)
		case <-c.ctx.Done():
		}
	})
}

func (c *Connection) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.cancel(cause)
		close(c.disconnected)
	})
}

func (c *Connection) characteristic(role device.Role) (*ble.Characteristic, error) {
	if err := context.Cause(c.ctx); err != nil {
		return nil, err
	}
	ch, ok := c.chars[role]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", Role: role}
	}
	return ch, nil
}

// Write performs an acknowledged write to the role characteristic.
func (c *Connection) Write(ctx context.Context, role device.Role, data []byte) error {
	ch, err := c.characteristic(role)
	if err != nil {
		return err
	}
	if len(data) > c.writeLimit {
		return fmt.Errorf("write to %s: %w: %d bytes, link accepts %d", role, device.ErrWriteTooLarge, len(data), c.writeLimit)
	}

	_, err = c.do(ctx, c.writeTimeout, func() ([]byte, error) {
		c.writeMutex.Lock()
		defer c.writeMutex.Unlock()
		return nil, c.client.WriteCharacteristic(ch, data, false)
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"role":  role.String(),
			"bytes": len(data),
			"error": err,
		}).Warn("Characteristic write failed")
		return fmt.Errorf("write to %s: %w", role, err)
	}

	c.logger.WithFields(logrus.Fields{
		"role":  role.String(),
		"bytes": len(data),
	}).Debug("Characteristic written")
	return nil
}

// Read reads the current value of the role characteristic.
func (c *Connection) Read(ctx context.Context, role device.Role) ([]byte, error) {
	ch, err := c.characteristic(role)
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, c.readTimeout, func() ([]byte, error) {
		c.writeMutex.Lock()
		defer c.writeMutex.Unlock()
		if c.readLong {
			return c.client.ReadLongCharacteristic(ch)
		}
		return c.client.ReadCharacteristic(ch)
	})
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", role, err)
	}
	return data, nil
}

// do runs a blocking GATT request bounded by ctx, timeout and the link lifetime.
func (c *Connection) do(ctx context.Context, timeout time.Duration, fn func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		data, err := fn()
		resultCh <- result{data: data, err: NormalizeError(err)}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", device.ErrTimeout, timeout)
	}
}

// Close unsubscribes every active subscription and cancels the connection.
// It is safe to call more than once.
func (c *Connection) Close() error {
	if cause := context.Cause(c.ctx); cause != nil {
		if errors.Is(cause, device.ErrNotConnected) {
			c.logger.Debug("Close called after peripheral disconnection")
		}
		return nil
	}

	c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")

	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()

	var unsubscribeErrors []string
	for role, sub := range subs {
		if err := sub.unsubscribe(); err != nil {
			unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s: %v", role, err))
		}
	}
	if len(unsubscribeErrors) > 0 {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	c.teardown(context.Canceled)

	disconnectErr := NormalizeError(c.client.CancelConnection())
	if disconnectErr != nil {
		c.logger.WithField("error", disconnectErr).Warn("BLE device disconnected with errors")
	} else {
		c.logger.Info("BLE device disconnected successfully")
	}
	return disconnectErr
}

var _ device.Link = (*Connection)(nil)
