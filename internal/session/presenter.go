package session

import (
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/telemetry"
)

// Presenter receives the session's outward notifications. Calls are made from
// session goroutines and must not block for long.
type Presenter interface {
	// OnSample is called for every sample accepted into the window.
	OnSample(e telemetry.Entry)
	// OnStatus is called for every decoded status notification.
	OnStatus(ev protocol.StatusEvent)
	// OnDisconnected is called once when the link is lost unexpectedly.
	OnDisconnected(cause error)
}

// Recorder receives records for persistence. Implementations must return
// immediately; failures are theirs to log.
type Recorder interface {
	RecordDevice(address, name string)
	RecordSample(sessionID, address string, e telemetry.Entry)
	RecordConfig(address string, doc *protocol.ConfigDocument)
}

// PresenterFuncs adapts optional functions to Presenter.
type PresenterFuncs struct {
	Sample       func(telemetry.Entry)
	Status       func(protocol.StatusEvent)
	Disconnected func(error)
}

func (p PresenterFuncs) OnSample(e telemetry.Entry) {
	if p.Sample != nil {
		p.Sample(e)
	}
}

func (p PresenterFuncs) OnStatus(ev protocol.StatusEvent) {
	if p.Status != nil {
		p.Status(ev)
	}
}

func (p PresenterFuncs) OnDisconnected(cause error) {
	if p.Disconnected != nil {
		p.Disconnected(cause)
	}
}

// MultiPresenter fans every call out to each presenter in order.
type MultiPresenter []Presenter

func (m MultiPresenter) OnSample(e telemetry.Entry) {
	for _, p := range m {
		p.OnSample(e)
	}
}

func (m MultiPresenter) OnStatus(ev protocol.StatusEvent) {
	for _, p := range m {
		p.OnStatus(ev)
	}
}

func (m MultiPresenter) OnDisconnected(cause error) {
	for _, p := range m {
		p.OnDisconnected(cause)
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordDevice(string, string)                   {}
func (nopRecorder) RecordSample(string, string, telemetry.Entry)  {}
func (nopRecorder) RecordConfig(string, *protocol.ConfigDocument) {}
