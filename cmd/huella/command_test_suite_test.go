package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/devicefactory"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/testutils"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// CommandTestSuite runs CLI commands end to end against a fake link.
type CommandTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	link      *testutils.FakeLink
	transport *testutils.FakeTransport

	originalTransport func(*logrus.Logger) device.Transport
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalTransport = devicefactory.TransportFactory
}

func (s *CommandTestSuite) TearDownSuite() {
	devicefactory.TransportFactory = s.originalTransport
	rootCmd.SetArgs(nil)
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.link = testutils.NewFakeLink(testAddress, "HUELLA_01")
	s.transport = &testutils.FakeTransport{Link: s.link}
	devicefactory.TransportFactory = func(*logrus.Logger) device.Transport { return s.transport }

	s.link.SetRead(device.RoleStatus, []byte(`{"opMode":"StandBy"}`))
	s.link.SetRead(device.RoleInfo, []byte(`{"version":"1.4.2","uptime":61000,"battery":3900,"sdFree":1024,"freeHeap":50000}`))
	s.link.SetRead(device.RoleConfig, []byte(`{"name":"HUELLA_01","frequency":250,"calFactorX":"3.8e-6","ssid":"lab","hasPassword":true}`))
}

// replyToAuth answers every AUTH write with status.
func (s *CommandTestSuite) replyToAuth(status string) {
	s.link.OnWrite(func(role device.Role, data []byte) {
		if role == device.RoleCommand && commandOp(data) == protocol.OpAuth {
			s.link.NotifyJSON(device.RoleStatus, map[string]string{"status": status})
		}
	})
}

// execute runs the root command with args, discarding cobra's own output.
func (s *CommandTestSuite) execute(args ...string) error {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func commandOp(data []byte) string {
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return ""
	}
	op, _ := m["cmd"].(string)
	return op
}

func (s *CommandTestSuite) commandOps() []string {
	var ops []string
	for _, w := range s.link.WritesTo(device.RoleCommand) {
		ops = append(ops, commandOp([]byte(w)))
	}
	return ops
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
