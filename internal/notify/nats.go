// Package notify fans session events out to NATS subscribers.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/session"
	"github.com/srg/huella/internal/telemetry"
)

// DefaultSubjectPrefix is the first subject token of every published event.
const DefaultSubjectPrefix = "huella"

// Publisher is the part of *nats.Conn the presenter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectOptions configures the NATS connection.
type ConnectOptions struct {
	URL               string
	Name              string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// Connect dials NATS, logging connection state changes.
func Connect(opts ConnectOptions, logger *logrus.Logger) (*nats.Conn, error) {
	if opts.Name == "" {
		opts.Name = "huella"
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 2 * time.Second
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectInterval),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithField("error", err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.WithField("error", err).Error("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", opts.URL, err)
	}
	return nc, nil
}

// SampleEvent is published for every accepted sample.
type SampleEvent struct {
	Session     string    `json:"session"`
	Device      string    `json:"device"`
	Seq         uint64    `json:"seq"`
	X           int16     `json:"x"`
	Y           int16     `json:"y"`
	Z           int16     `json:"z"`
	CalX        float64   `json:"calX"`
	CalY        float64   `json:"calY"`
	CalZ        float64   `json:"calZ"`
	Temperature *float64  `json:"temperature,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// StatusEventMessage is published for every status notification.
type StatusEventMessage struct {
	Session string `json:"session"`
	Device  string `json:"device"`
	Status  string `json:"status,omitempty"`
	OpMode  string `json:"opMode,omitempty"`
}

// DisconnectEvent is published when the link is lost.
type DisconnectEvent struct {
	Session string    `json:"session"`
	Device  string    `json:"device"`
	Cause   string    `json:"cause"`
	At      time.Time `json:"at"`
}

// NATSPresenter publishes one session's events under
// <prefix>.<device>.{sample,status,disconnected}. Publish errors are logged
// and counted; they never reach the session.
type NATSPresenter struct {
	pub       Publisher
	prefix    string
	sessionID atomic.Pointer[string]
	device    string
	logger    *logrus.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewNATSPresenter creates a presenter for one device. Events carry an
// empty session id until Bind is called.
func NewNATSPresenter(pub Publisher, prefix, deviceAddress string, logger *logrus.Logger) *NATSPresenter {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &NATSPresenter{
		pub:    pub,
		prefix: prefix,
		device: deviceAddress,
		logger: logger,
	}
}

// Bind sets the session id stamped on subsequent events.
func (p *NATSPresenter) Bind(sessionID string) {
	p.sessionID.Store(&sessionID)
}

func (p *NATSPresenter) session() string {
	if id := p.sessionID.Load(); id != nil {
		return *id
	}
	return ""
}

// Subject returns the subject for event on this presenter's device.
func (p *NATSPresenter) Subject(event string) string {
	return p.prefix + "." + SubjectToken(p.device) + "." + event
}

// SubjectToken makes s safe to use as a single subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func (p *NATSPresenter) OnSample(e telemetry.Entry) {
	p.publish("sample", SampleEvent{
		Session:     p.session(),
		Device:      p.device,
		Seq:         e.Seq,
		X:           e.Sample.X,
		Y:           e.Sample.Y,
		Z:           e.Sample.Z,
		CalX:        e.Calibrated.X,
		CalY:        e.Calibrated.Y,
		CalZ:        e.Calibrated.Z,
		Temperature: e.Sample.Temperature,
		ReceivedAt:  e.Sample.ReceivedAt,
	})
}

func (p *NATSPresenter) OnStatus(ev protocol.StatusEvent) {
	p.publish("status", StatusEventMessage{
		Session: p.session(),
		Device:  p.device,
		Status:  ev.Status,
		OpMode:  ev.OpMode,
	})
}

func (p *NATSPresenter) OnDisconnected(cause error) {
	msg := DisconnectEvent{Session: p.session(), Device: p.device, At: time.Now()}
	if cause != nil {
		msg.Cause = cause.Error()
	}
	p.publish("disconnected", msg)
}

func (p *NATSPresenter) publish(event string, v any) {
	subject := p.Subject(event)
	data, err := json.Marshal(v)
	if err == nil {
		err = p.pub.Publish(subject, data)
	}
	if err != nil {
		p.failed.Add(1)
		p.logger.WithFields(logrus.Fields{
			"subject": subject,
			"error":   err,
		}).Warn("Failed to publish event")
		return
	}
	p.published.Add(1)
}

// Published returns the number of events published successfully.
func (p *NATSPresenter) Published() int64 { return p.published.Load() }

// Failed returns the number of events that could not be published.
func (p *NATSPresenter) Failed() int64 { return p.failed.Load() }

var (
	_ session.Presenter = (*NATSPresenter)(nil)
	_ Publisher         = (*nats.Conn)(nil)
)
