//go:build test

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/telemetry"
	"github.com/srg/huella/internal/testutils"
)

func TestExportBundleJSON(t *testing.T) {
	// GOAL: Verify the export bundle document layout, with generated ids and times only checked for presence
	//
	// TEST SCENARIO: device + redacted config + two samples → bundle JSON, password absent, samples oldest first
	ctx := context.Background()
	st := NewMemoryStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.PutDevice(ctx, DeviceRecord{ID: "AA", Name: "HUELLA_01", LastSeen: at}))

	doc, err := protocol.DecodeConfig([]byte(`{"name":"HUELLA_01","ssid":"lab","password":"secret"}`))
	require.NoError(t, err)
	snap, err := NewConfigSnapshot("AA", doc, at)
	require.NoError(t, err)
	require.NoError(t, st.PutConfigSnapshot(ctx, snap))

	for i, x := range []int16{5, 7} {
		e := telemetry.Entry{Seq: uint64(i + 1), Sample: telemetry.Sample{X: x, ReceivedAt: at.Add(time.Duration(i) * time.Second)}}
		require.NoError(t, st.PutSample(ctx, SampleFromEntry("s1", "AA", e)))
	}

	bundle, err := st.Export(ctx, "AA")
	require.NoError(t, err)

	testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false)).AssertValue(bundle, `{
		"device": {"id": "AA", "name": "HUELLA_01", "firstSeen": "<<PRESENCE>>", "lastSeen": "<<PRESENCE>>", "connectionCount": 1},
		"config": {"id": "<<PRESENCE>>", "deviceId": "AA", "takenAt": "<<PRESENCE>>", "document": {"name": "HUELLA_01", "ssid": "lab"}},
		"samples": [
			{"id": "<<PRESENCE>>", "sessionId": "s1", "deviceId": "AA", "seq": 1, "x": 5, "y": 0, "z": 0, "calX": 0, "calY": 0, "calZ": 0, "receivedAt": "<<PRESENCE>>"},
			{"id": "<<PRESENCE>>", "sessionId": "s1", "deviceId": "AA", "seq": 2, "x": 7, "y": 0, "z": 0, "calX": 0, "calY": 0, "calZ": 0, "receivedAt": "<<PRESENCE>>"}
		]
	}`)
}
