package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/devicefactory"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/testutils"
)

func (s *CommandTestSuite) TestCommandAuthenticatesThenSends() {
	// GOAL: Verify the command subcommand authenticates before forwarding the named command
	//
	// TEST SCENARIO: device accepts PIN → AUTH then SET_MODE written, arguments kept in order
	s.replyToAuth(protocol.StatusAuthOK)

	err := s.execute("command", testAddress, "SET_MODE", "mode=StandBy", "level=2", "--pin", "123456")
	s.Require().NoError(err)

	writes := s.link.WritesTo(device.RoleCommand)
	s.Require().Len(writes, 2)
	s.JSONEq(`{"cmd":"AUTH","pin":"123456"}`, writes[0])
	s.Equal(`{"cmd":"SET_MODE","mode":"StandBy","level":2}`, writes[1])
	s.Equal([]string{testAddress}, s.transport.Addresses)
	s.Equal(1, s.link.CloseCalls())
}

func (s *CommandTestSuite) TestCommandRejectedPIN() {
	s.replyToAuth(protocol.StatusAuthFail)

	err := s.execute("command", testAddress, "SYNC_TIME", "--pin", "000000")
	s.ErrorIs(err, ErrAuthRejected)
	s.Equal([]string{protocol.OpAuth}, s.commandOps(), "nothing is sent after a rejected PIN")
}

func (s *CommandTestSuite) TestCommandInvalidPINNeverConnects() {
	// GOAL: Verify the 6-digit PIN policy is enforced before touching the device
	//
	// TEST SCENARIO: PINs of the wrong length or with letters → ErrInvalidPIN, no connect, nothing written
	for _, pin := range []string{"ab", "1234", "12345a", "1234567"} {
		err := s.execute("command", testAddress, "SYNC_TIME", "--pin", pin)
		s.ErrorIs(err, ErrInvalidPIN, pin)
	}
	s.Empty(s.transport.Addresses)
	s.Empty(s.link.Writes())
}

func (s *CommandTestSuite) TestCommandConnectFailure() {
	s.transport.Err = device.ErrBluetoothOff

	err := s.execute("command", testAddress, "SYNC_TIME", "--pin", "123456")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Contains(FormatUserError(err), "Bluetooth is turned off")
}

func (s *CommandTestSuite) TestStatusNeedsNoPIN() {
	s.Require().NoError(s.execute("status", testAddress))
	s.Empty(s.link.WritesTo(device.RoleCommand))
}

func (s *CommandTestSuite) TestConfigSetWritesMergedDocument() {
	// GOAL: Verify config set keeps key order, types values and never sends the password fields
	//
	// TEST SCENARIO: read document with hasPassword → write name and frequency → hasPassword dropped, order kept
	s.replyToAuth(protocol.StatusAuthOK)

	err := s.execute("config", "set", testAddress, "name=HUELLA_07", "frequency=500", "--pin", "123456")
	s.Require().NoError(err)

	writes := s.link.WritesTo(device.RoleConfig)
	s.Require().Len(writes, 1)
	s.Equal(`{"name":"HUELLA_07","frequency":500,"calFactorX":"3.8e-6","ssid":"lab"}`, writes[0])
}

func (s *CommandTestSuite) TestConfigSetRefusedOutsideStandBy() {
	s.replyToAuth(protocol.StatusAuthOK)
	s.link.SetRead(device.RoleStatus, []byte(`{"opMode":"Normal"}`))

	err := s.execute("config", "set", testAddress, "frequency=500", "--pin", "123456")
	s.Require().Error(err)
	s.Contains(err.Error(), "StandBy")
	s.Empty(s.link.WritesTo(device.RoleConfig))
}

func (s *CommandTestSuite) TestConfigSetRejectsPasswordAssignment() {
	err := s.execute("config", "set", testAddress, "password=hunter2", "--pin", "123456")
	s.Require().Error(err)
	s.Contains(err.Error(), "--wifi-password")
	s.Empty(s.transport.Addresses, "arguments are validated before connecting")
}

func (s *CommandTestSuite) TestStreamSavesWindow() {
	// GOAL: Verify a timed stream collects samples and saves them as CSV when the duration elapses
	//
	// TEST SCENARIO: 1s stream, three samples after STREAM_START → CSV with header + 3 rows
	s.replyToAuth(protocol.StatusAuthOK)
	path := filepath.Join(s.T().TempDir(), "run.csv")

	go func() {
		started := testutils.Eventually(3*time.Second, func() bool {
			for _, op := range s.commandOps() {
				if op == protocol.OpStreamStart {
					return true
				}
			}
			return false
		})
		if !started {
			return
		}
		time.Sleep(100 * time.Millisecond)
		for i := 1; i <= 3; i++ {
			s.link.Notify(device.RoleData, testutils.SampleJSON(i, -i, 1000))
		}
	}()

	err := s.execute("stream", testAddress, "--pin", "123456", "--duration", "1", "--quiet", "--save", path)
	s.Require().NoError(err)

	data, err := os.ReadFile(path)
	s.Require().NoError(err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	s.Require().Len(lines, 4)
	s.Equal("Timestamp,X,Y,Z,Temperature,CalX,CalY,CalZ", lines[0])
	s.Contains(lines[1], ",1,-1,")
}

func (s *CommandTestSuite) TestScanReportsAdapterFailure() {
	original := devicefactory.ScannerFactory
	defer func() { devicefactory.ScannerFactory = original }()
	devicefactory.ScannerFactory = func() (device.Scanner, error) { return nil, device.ErrBluetoothOff }

	err := s.execute("scan", "--duration", "50ms")
	s.ErrorIs(err, device.ErrBluetoothOff)
}
