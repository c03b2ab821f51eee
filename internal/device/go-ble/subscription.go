package goble

import (
	"fmt"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/huella/internal/device"
)

// ----------------------------
// Subscription
// ----------------------------

type subscription struct {
	conn   *Connection
	role   device.Role
	char   *ble.Characteristic
	ind    bool
	active atomic.Bool
}

// Subscribe enables notifications (or indications when notify is not
// supported) on the role characteristic. Values are copied before onValue is
// called, so the callback may retain them. At most one subscription per role
// is active; subscribing again replaces the callback.
func (c *Connection) Subscribe(role device.Role, onValue func([]byte)) (device.Subscription, error) {
	ch, err := c.characteristic(role)
	if err != nil {
		return nil, err
	}

	ind := false
	switch {
	case ch.Property&ble.CharNotify != 0:
	case ch.Property&ble.CharIndicate != 0:
		ind = true
	default:
		return nil, fmt.Errorf("subscribe to %s: %w", role, device.ErrUnsupported)
	}

	sub := &subscription{conn: c, role: role, char: ch, ind: ind}
	sub.active.Store(true)

	err = NormalizeError(c.client.Subscribe(ch, ind, func(data []byte) {
		if !sub.active.Load() {
			return
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		onValue(buf)
	}))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"role":  role.String(),
			"error": err,
		}).Error("Failed to subscribe to characteristic notifications")
		return nil, fmt.Errorf("subscribe to %s: %w", role, err)
	}

	c.subsMu.Lock()
	if c.subs == nil {
		c.subs = make(map[device.Role]*subscription)
	}
	if prev, ok := c.subs[role]; ok {
		prev.active.Store(false)
	}
	c.subs[role] = sub
	c.subsMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"role":     role.String(),
		"indicate": ind,
	}).Info("Successfully subscribed to characteristic notifications")
	return sub, nil
}

// Unsubscribe stops delivering values and disables notifications remotely.
func (s *subscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}

	s.conn.subsMu.Lock()
	if s.conn.subs[s.role] == s {
		delete(s.conn.subs, s.role)
	}
	s.conn.subsMu.Unlock()

	if s.conn.ctx.Err() != nil {
		return nil
	}
	return s.unsubscribe()
}

func (s *subscription) unsubscribe() error {
	s.active.Store(false)
	if err := NormalizeError(s.conn.client.Unsubscribe(s.char, s.ind)); err != nil {
		s.conn.logger.WithFields(logrus.Fields{
			"role":  s.role.String(),
			"error": err,
		}).Warn("Failed to unsubscribe from characteristic notifications")
		return fmt.Errorf("unsubscribe from %s: %w", s.role, err)
	}
	s.conn.logger.WithField("role", s.role.String()).Debug("Unsubscribed from characteristic notifications")
	return nil
}
