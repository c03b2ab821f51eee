package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/protocol"
)

// GetConfiguration reads the whole configuration document. Valid calibration
// factors are applied to the telemetry window; invalid ones are logged and
// the current factors are kept.
func (s *Session) GetConfiguration(ctx context.Context) (*protocol.ConfigDocument, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	data, err := s.link.Read(ctx, device.RoleConfig)
	if err != nil {
		return nil, &protocol.TransportError{Op: "read configuration", Role: device.RoleConfig, Err: err}
	}

	doc, err := protocol.DecodeConfig(data)
	if err != nil {
		return nil, err
	}

	if cal, err := doc.Calibration(); err != nil {
		s.logger.WithFields(logrus.Fields{
			"session": s.id,
			"error":   err,
		}).Warn("Device reported an invalid calibration factor, keeping current factors")
	} else {
		s.window.Recalibrate(cal)
	}

	s.recorder.RecordConfig(s.link.Address(), doc.Redacted())
	return doc, nil
}

// SetConfiguration replaces the device configuration with doc.
//
// secret is the new Wi-Fi password; when empty the password field is left
// out so the stored one is kept. A password already present in doc is never
// sent. On success the document's calibration is applied to the window.
func (s *Session) SetConfiguration(ctx context.Context, doc *protocol.ConfigDocument, secret string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if doc == nil {
		return &protocol.ProtocolError{Op: "encode configuration", Reason: "nil document"}
	}

	data, err := doc.EncodeForWrite(secret)
	if err != nil {
		return err
	}
	cal, _ := doc.Calibration() // validated by EncodeForWrite

	if err := s.channel.transmit(ctx, device.RoleConfig, "write configuration", data); err != nil {
		return err
	}

	s.window.Recalibrate(cal)
	s.recorder.RecordConfig(s.link.Address(), doc.Redacted())

	s.logger.WithFields(logrus.Fields{
		"session":        s.id,
		"keys":           doc.Len(),
		"secret_updated": secret != "",
	}).Info("Configuration written")
	return nil
}

// GetDeviceInfo reads the info document.
func (s *Session) GetDeviceInfo(ctx context.Context) (protocol.DeviceInfo, error) {
	if err := s.alive(); err != nil {
		return protocol.DeviceInfo{}, err
	}
	data, err := s.link.Read(ctx, device.RoleInfo)
	if err != nil {
		return protocol.DeviceInfo{}, &protocol.TransportError{Op: "read info", Role: device.RoleInfo, Err: err}
	}
	return protocol.DecodeInfo(data)
}

// GetStatus reads the status characteristic.
func (s *Session) GetStatus(ctx context.Context) (protocol.StatusEvent, error) {
	if err := s.alive(); err != nil {
		return protocol.StatusEvent{}, err
	}
	data, err := s.link.Read(ctx, device.RoleStatus)
	if err != nil {
		return protocol.StatusEvent{}, &protocol.TransportError{Op: "read status", Role: device.RoleStatus, Err: err}
	}
	ev, err := protocol.DecodeStatus(data)
	if err != nil {
		return protocol.StatusEvent{}, fmt.Errorf("read status: %w", err)
	}
	return ev, nil
}
