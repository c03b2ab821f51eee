package session

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/protocol"
)

// Channel sends JSON documents with acknowledged writes. At most one write is
// outstanding; there is no retry.
type Channel struct {
	link     device.Link
	logger   *logrus.Logger
	inFlight atomic.Bool
}

func newChannel(link device.Link, logger *logrus.Logger) *Channel {
	return &Channel{link: link, logger: logger}
}

// Send encodes cmd and writes it to the command characteristic.
// Oversize commands fail with a *protocol.ProtocolError without touching the
// link; link failures are returned as *protocol.TransportError.
func (c *Channel) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"cmd":   cmd.String(),
			"error": err,
		}).Warn("Command rejected before transmission")
		return err
	}
	return c.transmit(ctx, device.RoleCommand, "send "+cmd.Op, data)
}

// Busy reports whether a write is outstanding.
func (c *Channel) Busy() bool {
	return c.inFlight.Load()
}

func (c *Channel) transmit(ctx context.Context, role device.Role, op string, data []byte) error {
	release, err := c.reserve()
	if err != nil {
		return err
	}
	defer release()
	return c.write(ctx, role, op, data)
}

// reserve claims the channel for one write. The returned func releases it.
func (c *Channel) reserve() (func(), error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCommandInFlight
	}
	return func() { c.inFlight.Store(false) }, nil
}

// write performs an acknowledged write on a reserved channel.
func (c *Channel) write(ctx context.Context, role device.Role, op string, data []byte) error {
	if err := c.link.Write(ctx, role, data); err != nil {
		c.logger.WithFields(logrus.Fields{
			"op":    op,
			"role":  role.String(),
			"error": err,
		}).Error("Write to device failed")
		return &protocol.TransportError{Op: op, Role: role, Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"op":    op,
		"bytes": len(data),
	}).Debug("Write acknowledged")
	return nil
}
