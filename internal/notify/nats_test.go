package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/session"
	"github.com/srg/huella/internal/telemetry"
	"github.com/srg/huella/internal/testutils"
)

type mockPublisher struct {
	mock.Mock
	mu   sync.Mutex
	msgs map[string][]byte
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msgs == nil {
		m.msgs = make(map[string][]byte)
	}
	m.msgs[subject] = data
	return args.Error(0)
}

func TestNATSPresenterPublishesEvents(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	p := NewNATSPresenter(pub, "", "AA:BB:CC", helper.Logger)
	p.Bind("sess-1")

	temp := 20.0
	p.OnSample(telemetry.Entry{
		Seq:        7,
		Sample:     telemetry.Sample{X: 1, Y: -1, Z: 262, Temperature: &temp, ReceivedAt: time.Unix(10, 0)},
		Calibrated: telemetry.Vector{X: 0.1, Y: -0.1, Z: 1},
	})
	p.OnStatus(protocol.StatusEvent{Status: "Normal"})
	p.OnDisconnected(session.ErrConnectionLost)

	pub.AssertNumberOfCalls(t, "Publish", 3)
	assert.EqualValues(t, 3, p.Published())

	var sample SampleEvent
	require.NoError(t, json.Unmarshal(pub.msgs["huella.AA:BB:CC.sample"], &sample))
	assert.Equal(t, uint64(7), sample.Seq)
	assert.Equal(t, int16(262), sample.Z)
	assert.Equal(t, "sess-1", sample.Session)

	var status StatusEventMessage
	require.NoError(t, json.Unmarshal(pub.msgs["huella.AA:BB:CC.status"], &status))
	assert.Equal(t, "Normal", status.Status)

	var disc DisconnectEvent
	require.NoError(t, json.Unmarshal(pub.msgs["huella.AA:BB:CC.disconnected"], &disc))
	assert.Equal(t, session.ErrConnectionLost.Error(), disc.Cause)
}

func TestNATSPresenterPublishFailureIsSwallowed(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	pub := &mockPublisher{}
	pub.On("Publish", "lab.dev_1.status", mock.Anything).Return(errors.New("nats: connection closed"))

	p := NewNATSPresenter(pub, "lab", "dev.1", helper.Logger)
	assert.NotPanics(t, func() { p.OnStatus(protocol.StatusEvent{Status: "StandBy"}) })

	assert.EqualValues(t, 1, p.Failed())
	assert.EqualValues(t, 0, p.Published())
}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF"},
		{"a.b*c>d e", "a_b_c_d_e"},
		{"", "_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectToken(tt.in))
		})
	}
}
