package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/telemetry"
	"github.com/srg/huella/internal/testutils"
)

// recordingPresenter captures presenter calls.
type recordingPresenter struct {
	mu           sync.Mutex
	samples      []telemetry.Entry
	statuses     []protocol.StatusEvent
	disconnects  int
	disconnectCh chan error
}

func newRecordingPresenter() *recordingPresenter {
	return &recordingPresenter{disconnectCh: make(chan error, 4)}
}

func (p *recordingPresenter) OnSample(e telemetry.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, e)
}

func (p *recordingPresenter) OnStatus(ev protocol.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, ev)
}

func (p *recordingPresenter) OnDisconnected(cause error) {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	p.disconnectCh <- cause
}

func (p *recordingPresenter) sampleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples)
}

func (p *recordingPresenter) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// recordingRecorder captures persistence hand-offs.
type recordingRecorder struct {
	mu      sync.Mutex
	devices []string
	samples int
	configs []*protocol.ConfigDocument
}

func (r *recordingRecorder) RecordDevice(address, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, address)
}

func (r *recordingRecorder) RecordSample(_, _ string, _ telemetry.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples++
}

func (r *recordingRecorder) RecordConfig(_ string, doc *protocol.ConfigDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, doc)
}

func (r *recordingRecorder) sampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

type SessionTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	link      *testutils.FakeLink
	presenter *recordingPresenter
	recorder  *recordingRecorder
	sess      *Session
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.link = testutils.NewFakeLink("AA:BB:CC:DD:EE:FF", "HUELLA_01")
	s.presenter = newRecordingPresenter()
	s.recorder = &recordingRecorder{}
	s.sess = s.open(Options{AuthTimeout: 200 * time.Millisecond})
}

func (s *SessionTestSuite) TearDownTest() {
	if s.sess != nil {
		_ = s.sess.Close()
	}
}

func (s *SessionTestSuite) open(opts Options) *Session {
	opts.Presenter = s.presenter
	opts.Recorder = s.recorder
	sess, err := New(s.link, opts, s.helper.Logger)
	s.Require().NoError(err)
	return sess
}

func isCommand(data []byte, op string) bool {
	return bytes.Contains(data, []byte(`"cmd":"`+op+`"`))
}

// replyToAuth answers every AUTH write synchronously, before Write returns.
func (s *SessionTestSuite) replyToAuth(status string) {
	s.link.OnWrite(func(role device.Role, data []byte) {
		if role == device.RoleCommand && isCommand(data, protocol.OpAuth) {
			s.link.NotifyJSON(device.RoleStatus, map[string]string{"status": status})
		}
	})
}

func (s *SessionTestSuite) authenticate() {
	s.replyToAuth(protocol.StatusAuthOK)
	ok, err := s.sess.Authenticate(context.Background(), "123456")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.link.OnWrite(nil)
}

func (s *SessionTestSuite) startStreaming(seconds int) {
	s.Require().NoError(s.sess.StartStreaming(context.Background(), seconds))
	s.Require().Equal(Streaming, s.sess.Streamer().State())
}

// ----------------------------
// Session lifecycle
// ----------------------------

func (s *SessionTestSuite) TestNewSubscribesStatusAndData() {
	s.True(s.link.Subscribed(device.RoleStatus))
	s.True(s.link.Subscribed(device.RoleData))
	s.NotEmpty(s.sess.ID())
	s.Equal("HUELLA_01", s.sess.Name())
	s.Equal([]string{"AA:BB:CC:DD:EE:FF"}, s.recorder.devices)
	s.NoError(s.sess.Err())
}

func (s *SessionTestSuite) TestOpenWrapsConnectFailure() {
	transport := &testutils.FakeTransport{Err: device.ErrBluetoothOff}
	_, err := Open(context.Background(), transport, "11:22:33:44:55:66", Options{}, s.helper.Logger)

	var terr *protocol.TransportError
	s.Require().ErrorAs(err, &terr)
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *SessionTestSuite) TestOpenThroughTransport() {
	link := testutils.NewFakeLink("11:22:33:44:55:66", "HUELLA_02")
	transport := &testutils.FakeTransport{Link: link}

	sess, err := Open(context.Background(), transport, "11:22:33:44:55:66", Options{}, s.helper.Logger)
	s.Require().NoError(err)
	defer sess.Close()

	s.Equal([]string{"11:22:33:44:55:66"}, transport.Addresses)
	s.Equal("11:22:33:44:55:66", sess.Address())
}

func (s *SessionTestSuite) TestIndependentSessions() {
	// GOAL: Verify two sessions share no state
	//
	// TEST SCENARIO: authenticate only the first session → second stays unauthenticated with its own window
	other := testutils.NewFakeLink("11:22:33:44:55:66", "HUELLA_02")
	sess2, err := New(other, Options{WindowCapacity: 10}, s.helper.Logger)
	s.Require().NoError(err)
	defer sess2.Close()

	s.authenticate()
	s.True(s.sess.Authenticated())
	s.False(sess2.Authenticated())
	s.NotEqual(s.sess.ID(), sess2.ID())
	s.Equal(telemetry.DefaultCapacity, s.sess.Window().Cap())
	s.Equal(10, sess2.Window().Cap())
}

func (s *SessionTestSuite) TestStatusNotificationsReachPresenter() {
	s.link.Notify(device.RoleStatus, []byte(`{"opMode":"StandBy"}`))
	s.link.Notify(device.RoleStatus, []byte(`not json`))

	ev, ok := s.sess.LastStatus()
	s.Require().True(ok)
	s.Equal(protocol.ModeStandBy, ev.Mode())

	s.presenter.mu.Lock()
	defer s.presenter.mu.Unlock()
	s.Len(s.presenter.statuses, 1)
}

// ----------------------------
// Authentication
// ----------------------------

func (s *SessionTestSuite) TestAuthenticateSuccessWithImmediateReply() {
	// GOAL: Verify a reply delivered before the AUTH write returns is not lost
	//
	// TEST SCENARIO: fake link notifies AUTH_OK from inside Write → Authenticate returns true
	s.replyToAuth(protocol.StatusAuthOK)

	ok, err := s.sess.Authenticate(context.Background(), "123456")
	s.Require().NoError(err)
	s.True(ok)
	s.True(s.sess.Authenticated())
	s.Equal([]string{`{"cmd":"AUTH","pin":"123456"}`}, s.link.WritesTo(device.RoleCommand))
}

func (s *SessionTestSuite) TestAuthenticateRejected() {
	s.replyToAuth(protocol.StatusAuthFail)

	ok, err := s.sess.Authenticate(context.Background(), "000000")
	s.NoError(err)
	s.False(ok)
	s.False(s.sess.Authenticated())
}

func (s *SessionTestSuite) TestAuthenticateTimeoutResolvesFalse() {
	// GOAL: Verify no reply within the timeout resolves false instead of hanging
	//
	// TEST SCENARIO: no responder, 200ms timeout → (false, nil) → late AUTH_OK is ignored
	start := time.Now()
	ok, err := s.sess.Authenticate(context.Background(), "123456")
	s.NoError(err)
	s.False(ok)
	s.Less(time.Since(start), 2*time.Second)

	s.link.NotifyJSON(device.RoleStatus, map[string]string{"status": protocol.StatusAuthOK})
	s.False(s.sess.Authenticated(), "late reply for a timed-out attempt must be ignored")
}

func (s *SessionTestSuite) TestAuthenticateSupersedesPendingAttempt() {
	// GOAL: Verify a second attempt invalidates the first
	//
	// TEST SCENARIO: attempt A waits → attempt B sent and answered → A resolves (false, nil), B (true, nil)
	s.sess.auth.timeout = 5 * time.Second

	var authWrites atomic.Int32
	s.link.OnWrite(func(role device.Role, data []byte) {
		if isCommand(data, protocol.OpAuth) && authWrites.Add(1) == 2 {
			s.link.NotifyJSON(device.RoleStatus, map[string]string{"status": protocol.StatusAuthOK})
		}
	})

	type result struct {
		ok  bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ok, err := s.sess.Authenticate(context.Background(), "111111")
		first <- result{ok, err}
	}()
	s.Require().True(testutils.Eventually(time.Second, func() bool { return authWrites.Load() == 1 }))

	ok, err := s.sess.Authenticate(context.Background(), "222222")
	s.NoError(err)
	s.True(ok)

	select {
	case r := <-first:
		s.NoError(r.err)
		s.False(r.ok)
	case <-time.After(time.Second):
		s.Fail("superseded attempt did not resolve")
	}
}

func (s *SessionTestSuite) TestAuthenticateWhileAuthWriteInFlightKeepsPendingAttempt() {
	// GOAL: Verify an attempt that never reached the device cannot cancel the one that did
	//
	// TEST SCENARIO: A's AUTH write blocks → B fails with ErrCommandInFlight → A's write completes, AUTH_OK → A (true, nil)
	s.sess.auth.timeout = 5 * time.Second

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	s.link.OnWrite(func(role device.Role, data []byte) {
		if isCommand(data, protocol.OpAuth) {
			once.Do(func() { close(entered) })
			<-release
			s.link.NotifyJSON(device.RoleStatus, map[string]string{"status": protocol.StatusAuthOK})
		}
	})

	type result struct {
		ok  bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ok, err := s.sess.Authenticate(context.Background(), "111111")
		first <- result{ok, err}
	}()
	<-entered

	ok, err := s.sess.Authenticate(context.Background(), "222222")
	s.False(ok)
	var aerr *AuthError
	s.Require().ErrorAs(err, &aerr)
	s.ErrorIs(err, ErrCommandInFlight)

	close(release)
	select {
	case r := <-first:
		s.NoError(r.err)
		s.True(r.ok)
	case <-time.After(time.Second):
		s.Fail("first attempt did not resolve")
	}
	s.True(s.sess.Authenticated())
	s.Len(s.link.WritesTo(device.RoleCommand), 1)
}

func (s *SessionTestSuite) TestAuthenticateFailedWriteRestoresPendingAttempt() {
	// GOAL: Verify a failed AUTH write leaves the earlier attempt waiting for its reply
	//
	// TEST SCENARIO: A written and waiting → B's write fails → AUTH_OK arrives → A (true, nil)
	s.sess.auth.timeout = 5 * time.Second

	first := make(chan bool, 1)
	go func() {
		ok, _ := s.sess.Authenticate(context.Background(), "111111")
		first <- ok
	}()
	s.Require().True(testutils.Eventually(time.Second, func() bool {
		return len(s.link.WritesTo(device.RoleCommand)) == 1
	}))

	s.link.FailWrites(device.RoleCommand, errors.New("att: write failed"))
	ok, err := s.sess.Authenticate(context.Background(), "222222")
	s.False(ok)
	var terr *protocol.TransportError
	s.ErrorAs(err, &terr)

	s.link.NotifyJSON(device.RoleStatus, map[string]string{"status": protocol.StatusAuthOK})
	select {
	case ok := <-first:
		s.True(ok)
	case <-time.After(time.Second):
		s.Fail("first attempt did not resolve")
	}
	s.True(s.sess.Authenticated())
}

func (s *SessionTestSuite) TestAuthenticateTransportFailure() {
	// GOAL: Verify a failed AUTH write is an error, distinct from rejection
	//
	// TEST SCENARIO: command writes fail → (false, *AuthError wrapping *TransportError)
	s.link.FailWrites(device.RoleCommand, errors.New("att: write failed"))

	ok, err := s.sess.Authenticate(context.Background(), "123456")
	s.False(ok)

	var aerr *AuthError
	s.Require().ErrorAs(err, &aerr)
	var terr *protocol.TransportError
	s.ErrorAs(err, &terr)
	s.Nil(s.sess.auth.pending)
}

func (s *SessionTestSuite) TestAuthenticateLinkLost() {
	s.sess.auth.timeout = 5 * time.Second
	s.link.OnWrite(func(role device.Role, data []byte) {
		go s.link.Drop()
	})

	ok, err := s.sess.Authenticate(context.Background(), "123456")
	s.False(ok)
	s.ErrorIs(err, ErrConnectionLost)
}

// ----------------------------
// Command channel
// ----------------------------

func (s *SessionTestSuite) TestSendRequiresAuthentication() {
	err := s.sess.SendNamed(context.Background(), "FORMAT_SD")
	s.ErrorIs(err, ErrNotAuthenticated)
	s.Empty(s.link.Writes())
}

func (s *SessionTestSuite) TestSendNamedForwardsVerbatim() {
	s.authenticate()
	s.Require().NoError(s.sess.SendNamed(context.Background(), "SYNC_TIME"))
	s.Equal(`{"cmd":"SYNC_TIME"}`, s.link.WritesTo(device.RoleCommand)[1])
}

func (s *SessionTestSuite) TestSendOversizeNeverReachesTransport() {
	// GOAL: Verify an encoded command over 512 bytes is rejected locally
	//
	// TEST SCENARIO: authenticated session → send 600-byte command → ProtocolError, no new write
	s.authenticate()
	before := len(s.link.Writes())

	err := s.sess.Send(context.Background(), protocol.NewCommand("NOTE").With("text", strings.Repeat("x", 600)))

	var perr *protocol.ProtocolError
	s.Require().ErrorAs(err, &perr)
	s.Len(s.link.Writes(), before)
}

func (s *SessionTestSuite) TestSendRejectsStreamOpcodes() {
	s.authenticate()
	s.ErrorIs(s.sess.Send(context.Background(), protocol.StreamStart(5)), ErrInvalidState)
	s.ErrorIs(s.sess.SendNamed(context.Background(), protocol.OpStreamStop), ErrInvalidState)
}

func (s *SessionTestSuite) TestSecondSendWhileInFlightIsRejected() {
	// GOAL: Verify exactly one command may be outstanding
	//
	// TEST SCENARIO: first write blocks inside the link → second Send fails with ErrCommandInFlight
	s.authenticate()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	s.link.OnWrite(func(role device.Role, data []byte) {
		if isCommand(data, "SLOW") {
			once.Do(func() { close(entered) })
			<-release
		}
	})

	firstErr := make(chan error, 1)
	go func() { firstErr <- s.sess.SendNamed(context.Background(), "SLOW") }()
	<-entered

	s.ErrorIs(s.sess.SendNamed(context.Background(), "FAST"), ErrCommandInFlight)
	close(release)
	s.NoError(<-firstErr)
	s.NoError(s.sess.SendNamed(context.Background(), "FAST"))
}

func (s *SessionTestSuite) TestSendTransportFailure() {
	s.authenticate()
	s.link.FailWrites(device.RoleCommand, device.ErrNotConnected)

	err := s.sess.SendNamed(context.Background(), "PING")
	var terr *protocol.TransportError
	s.Require().ErrorAs(err, &terr)
	s.Equal(device.RoleCommand, terr.Role)
	s.ErrorIs(err, device.ErrNotConnected)
}

// ----------------------------
// Configuration exchange
// ----------------------------

func (s *SessionTestSuite) TestGetConfigurationSyncsCalibration() {
	s.authenticate()
	s.link.SetRead(device.RoleConfig, []byte(`{"name":"HUELLA_01","calFactorX":"1E-06","calFactorY":1e-6,"calFactorZ":"2e-6","hasPassword":true}`))

	doc, err := s.sess.GetConfiguration(context.Background())
	s.Require().NoError(err)
	s.Equal("HUELLA_01", doc.Name())
	s.True(doc.HasPassword())

	cal := s.sess.Window().Factors()
	s.InDelta(1e-6, cal.X, 1e-18)
	s.InDelta(2e-6, cal.Z, 1e-18)
	s.Len(s.recorder.configs, 1)
}

func (s *SessionTestSuite) TestGetConfigurationInvalidFactorKeepsCalibration() {
	s.authenticate()
	s.link.SetRead(device.RoleConfig, []byte(`{"calFactorX":"oops"}`))

	_, err := s.sess.GetConfiguration(context.Background())
	s.Require().NoError(err)
	s.Equal(telemetry.DefaultCalibration(), s.sess.Window().Factors())
}

func (s *SessionTestSuite) TestGetConfigurationErrors() {
	_, err := s.sess.GetConfiguration(context.Background())
	s.ErrorIs(err, ErrNotAuthenticated)

	s.authenticate()
	s.link.FailReads(device.RoleConfig, errors.New("read timeout"))
	_, err = s.sess.GetConfiguration(context.Background())
	var terr *protocol.TransportError
	s.ErrorAs(err, &terr)

	s.link.FailReads(device.RoleConfig, nil)
	s.link.SetRead(device.RoleConfig, []byte(`[]`))
	_, err = s.sess.GetConfiguration(context.Background())
	var derr *protocol.DecodeError
	s.ErrorAs(err, &derr)
}

func (s *SessionTestSuite) TestSetConfigurationOmitsSecretWhenNotSupplied() {
	// GOAL: Verify an absent secret never overwrites the stored one
	//
	// TEST SCENARIO: write doc carrying a stale password with empty secret → payload has no password key
	s.authenticate()
	doc, err := protocol.DecodeConfig([]byte(`{"name":"HUELLA_01","ssid":"lab","password":"stale","calFactorX":"2e-6"}`))
	s.Require().NoError(err)

	s.Require().NoError(s.sess.SetConfiguration(context.Background(), doc, ""))
	writes := s.link.WritesTo(device.RoleConfig)
	s.Require().Len(writes, 1)
	s.Equal(`{"name":"HUELLA_01","ssid":"lab","calFactorX":"2e-6"}`, writes[0])
	s.InDelta(2e-6, s.sess.Window().Factors().X, 1e-18)

	s.Require().NoError(s.sess.SetConfiguration(context.Background(), doc, "n3w"))
	writes = s.link.WritesTo(device.RoleConfig)
	s.Contains(writes[1], `"password":"n3w"`)

	s.Require().Len(s.recorder.configs, 2)
	_, leaked := s.recorder.configs[1].Get(protocol.KeyPassword)
	s.False(leaked, "persisted snapshot must not carry the secret")
}

func (s *SessionTestSuite) TestSetConfigurationRejectsInvalidDocument() {
	s.authenticate()

	doc := protocol.NewConfigDocument()
	doc.Set(protocol.KeyCalFactorY, "1,5")
	var perr *protocol.ProtocolError
	s.ErrorAs(s.sess.SetConfiguration(context.Background(), doc, ""), &perr)

	big := protocol.NewConfigDocument()
	big.Set(protocol.KeyName, strings.Repeat("n", 600))
	s.ErrorIs(s.sess.SetConfiguration(context.Background(), big, ""), protocol.ErrPayloadTooLarge)

	s.Empty(s.link.WritesTo(device.RoleConfig))
}

func (s *SessionTestSuite) TestDeviceInfoAndStatusReads() {
	s.link.SetRead(device.RoleInfo, []byte(`{"version":"2.0.1","uptime":1000,"battery":4100,"sdFree":512,"freeHeap":9000}`))
	s.link.SetRead(device.RoleStatus, []byte(`{"status":"Normal"}`))

	info, err := s.sess.GetDeviceInfo(context.Background())
	s.Require().NoError(err)
	s.Equal("2.0.1", info.Version)

	st, err := s.sess.GetStatus(context.Background())
	s.Require().NoError(err)
	s.Equal(protocol.ModeNormal, st.Mode())
}

// ----------------------------
// Streaming controller
// ----------------------------

func (s *SessionTestSuite) TestStartRequiresAuthenticationAndPositiveDuration() {
	s.ErrorIs(s.sess.StartStreaming(context.Background(), 10), ErrNotAuthenticated)

	s.authenticate()
	s.ErrorIs(s.sess.StartStreaming(context.Background(), 0), ErrInvalidDuration)
	s.ErrorIs(s.sess.StartStreaming(context.Background(), -5), ErrInvalidDuration)
	s.Equal(Idle, s.sess.Streamer().State())
}

func (s *SessionTestSuite) TestStreamingPushesSamplesInOrder() {
	s.authenticate()
	s.startStreaming(60)
	s.Equal(`{"cmd":"STREAM_START","duration":60}`, s.link.WritesTo(device.RoleCommand)[1])

	for i := 0; i < 20; i++ {
		s.link.Notify(device.RoleData, testutils.SampleJSON(i, -i, 1000, "t", "21.5"))
	}
	s.Require().True(testutils.Eventually(2*time.Second, func() bool { return s.presenter.sampleCount() == 20 }))

	entries := s.sess.Window().Snapshot()
	s.Require().Len(entries, 20)
	for i, e := range entries {
		s.Equal(uint64(i), e.Seq)
		s.Equal(int16(i), e.Sample.X)
	}
	s.True(testutils.Eventually(time.Second, func() bool { return s.recorder.sampleCount() == 20 }))

	m := s.sess.Streamer().Metrics()
	s.EqualValues(20, m.Received)
	s.EqualValues(20, m.Accepted)
}

func (s *SessionTestSuite) TestStartClearsWindow() {
	s.authenticate()
	s.startStreaming(60)
	s.link.Notify(device.RoleData, testutils.SampleJSON(1, 2, 3))
	s.Require().True(testutils.Eventually(time.Second, func() bool { return s.sess.Window().Len() == 1 }))

	s.Require().NoError(s.sess.StopStreaming(context.Background()))
	s.Equal(1, s.sess.Window().Len(), "stop keeps buffered samples")

	s.startStreaming(60)
	s.Equal(0, s.sess.Window().Len())
}

func (s *SessionTestSuite) TestStartWhileStreamingIsInvalid() {
	s.authenticate()
	s.startStreaming(60)
	s.ErrorIs(s.sess.StartStreaming(context.Background(), 5), ErrInvalidState)
}

func (s *SessionTestSuite) TestStopTwiceIsNoop() {
	// GOAL: Verify the second stop neither errors nor sends anything
	//
	// TEST SCENARIO: start → stop → stop → exactly one STREAM_STOP written, state Idle
	s.authenticate()
	s.startStreaming(60)

	s.NoError(s.sess.StopStreaming(context.Background()))
	s.NoError(s.sess.StopStreaming(context.Background()))
	s.Equal(Idle, s.sess.Streamer().State())

	var stops int
	for _, w := range s.link.WritesTo(device.RoleCommand) {
		if w == `{"cmd":"STREAM_STOP"}` {
			stops++
		}
	}
	s.Equal(1, stops)
}

func (s *SessionTestSuite) TestStopIsLocalEvenWhenSendFails() {
	s.authenticate()
	s.startStreaming(60)
	s.link.FailWrites(device.RoleCommand, errors.New("link busy"))

	err := s.sess.StopStreaming(context.Background())
	var terr *protocol.TransportError
	s.ErrorAs(err, &terr)
	s.Equal(Idle, s.sess.Streamer().State())
}

func (s *SessionTestSuite) TestDurationElapsesToIdle() {
	// GOAL: Verify the deadline timer stops the stream without a manual stop
	//
	// TEST SCENARIO: start(1) → within ~1s state is Idle, Done closed, STREAM_STOP sent, no timer left
	s.authenticate()
	s.startStreaming(1)
	done := s.sess.Streamer().Done()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.FailNow("stream did not end after its duration")
	}
	s.Equal(Idle, s.sess.Streamer().State())
	s.True(testutils.Eventually(time.Second, func() bool {
		w := s.link.WritesTo(device.RoleCommand)
		return w[len(w)-1] == `{"cmd":"STREAM_STOP"}`
	}))

	s.sess.Streamer().mu.Lock()
	s.Nil(s.sess.Streamer().timer)
	s.sess.Streamer().mu.Unlock()

	s.link.Notify(device.RoleData, testutils.SampleJSON(1, 1, 1))
	s.EqualValues(1, s.sess.Streamer().Metrics().Discarded)
}

func (s *SessionTestSuite) TestStaleTimerDoesNotStopNewRun() {
	// GOAL: Verify the expiry of an old run cannot stop a newer run
	//
	// TEST SCENARIO: capture gen of run 1 → stop → start run 2 → fire expire(gen1) → still Streaming
	s.authenticate()
	s.startStreaming(60)
	st := s.sess.Streamer()
	st.mu.Lock()
	oldGen := st.gen
	st.mu.Unlock()

	s.Require().NoError(s.sess.StopStreaming(context.Background()))
	s.startStreaming(60)

	st.expire(oldGen)
	s.Equal(Streaming, st.State())
}

func (s *SessionTestSuite) TestDataWhileIdleIsDiscarded() {
	// GOAL: Verify notifications outside a stream never touch the window
	//
	// TEST SCENARIO: Idle session receives a data notification → window empty, discarded counter 1
	s.True(s.link.Notify(device.RoleData, testutils.SampleJSON(5, 5, 5)))

	s.Equal(0, s.sess.Window().Len())
	m := s.sess.Streamer().Metrics()
	s.EqualValues(1, m.Received)
	s.EqualValues(1, m.Discarded)
	s.EqualValues(0, m.Accepted)
	s.Equal(0, s.presenter.sampleCount())
}

func (s *SessionTestSuite) TestMalformedSamplesAreCountedAndSkipped() {
	s.authenticate()
	s.startStreaming(60)

	s.link.Notify(device.RoleData, []byte(`{"x":1}`))
	s.link.Notify(device.RoleData, []byte(`garbage`))
	s.link.Notify(device.RoleData, testutils.SampleJSON(7, 8, 9))

	s.Require().True(testutils.Eventually(2*time.Second, func() bool { return s.sess.Window().Len() == 1 }))
	s.EqualValues(2, s.sess.Streamer().Metrics().DecodeErrors)
	s.Equal(Streaming, s.sess.Streamer().State())
}

func (s *SessionTestSuite) TestStopDuringStartingCancelsStart() {
	// GOAL: Verify a stop issued before the start is acknowledged wins
	//
	// TEST SCENARIO: STREAM_START write blocks → Stop → release → Start returns ErrStreamCancelled and sends STREAM_STOP
	s.authenticate()

	release := make(chan struct{})
	entered := make(chan struct{})
	s.link.OnWrite(func(role device.Role, data []byte) {
		if isCommand(data, protocol.OpStreamStart) {
			close(entered)
			<-release
		}
	})

	startErr := make(chan error, 1)
	go func() { startErr <- s.sess.StartStreaming(context.Background(), 30) }()
	<-entered
	s.Equal(Starting, s.sess.Streamer().State())

	s.NoError(s.sess.StopStreaming(context.Background()))
	s.Equal(Idle, s.sess.Streamer().State())

	close(release)
	s.ErrorIs(<-startErr, ErrStreamCancelled)
	s.Equal(Idle, s.sess.Streamer().State())

	w := s.link.WritesTo(device.RoleCommand)
	s.Equal(`{"cmd":"STREAM_STOP"}`, w[len(w)-1])
}

func (s *SessionTestSuite) TestStartSendFailureReturnsToIdle() {
	s.authenticate()
	s.link.FailWrites(device.RoleCommand, errors.New("gatt error"))

	err := s.sess.StartStreaming(context.Background(), 10)
	var terr *protocol.TransportError
	s.ErrorAs(err, &terr)
	s.Equal(Idle, s.sess.Streamer().State())
}

func (s *SessionTestSuite) TestStartSendFailureKeepsPreviousWindow() {
	s.authenticate()
	s.startStreaming(60)
	s.link.Notify(device.RoleData, testutils.SampleJSON(1, 2, 3))
	s.Require().True(testutils.Eventually(time.Second, func() bool { return s.sess.Window().Len() == 1 }))
	s.Require().NoError(s.sess.StopStreaming(context.Background()))

	s.link.FailWrites(device.RoleCommand, errors.New("gatt error"))
	s.Error(s.sess.StartStreaming(context.Background(), 10))
	s.Equal(1, s.sess.Window().Len(), "a start that never began keeps the last run")
}

func (s *SessionTestSuite) TestBackgroundStopsStream() {
	s.authenticate()
	s.startStreaming(60)

	s.NoError(s.sess.Background(context.Background()))
	s.Equal(Idle, s.sess.Streamer().State())
	s.NoError(s.sess.Background(context.Background()))
}

// ----------------------------
// Disconnects
// ----------------------------

func (s *SessionTestSuite) TestLinkLossWhileStreaming() {
	// GOAL: Verify unexpected link loss forces Idle and notifies exactly once
	//
	// TEST SCENARIO: stream → peripheral drops → Idle, one OnDisconnected, Err() is ErrConnectionLost
	s.authenticate()
	s.startStreaming(60)

	s.link.Drop()

	select {
	case cause := <-s.presenter.disconnectCh:
		s.ErrorIs(cause, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		s.FailNow("OnDisconnected not called")
	}
	s.Equal(Idle, s.sess.Streamer().State())
	s.ErrorIs(s.sess.Err(), ErrConnectionLost)
	s.False(s.sess.Authenticated())

	s.NoError(s.sess.Close())
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.presenter.disconnectCount())

	s.ErrorIs(s.sess.StartStreaming(context.Background(), 5), ErrConnectionLost)
}

func (s *SessionTestSuite) TestCloseDoesNotNotifyPresenter() {
	s.authenticate()
	s.startStreaming(60)

	s.Require().NoError(s.sess.Close())
	s.NoError(s.sess.Close())

	s.ErrorIs(s.sess.Err(), ErrSessionClosed)
	s.Equal(Idle, s.sess.Streamer().State())
	s.Equal(1, s.link.CloseCalls())

	time.Sleep(20 * time.Millisecond)
	s.Equal(0, s.presenter.disconnectCount())

	w := s.link.WritesTo(device.RoleCommand)
	s.Equal(`{"cmd":"STREAM_STOP"}`, w[len(w)-1])

	_, err := s.sess.Authenticate(context.Background(), "123456")
	s.ErrorIs(err, ErrSessionClosed)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
