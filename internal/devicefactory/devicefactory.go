// Package devicefactory selects the BLE implementation behind the device
// interfaces. Both factories are variables so tests can swap in fakes.
package devicefactory

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/huella/internal/device"
	goble "github.com/srg/huella/internal/device/go-ble"
)

// TransportFactory creates the transport used to open device sessions.
var TransportFactory = func(logger *logrus.Logger) device.Transport {
	return goble.NewTransport(logger)
}

// ScannerFactory creates the platform scanner used for discovery.
var ScannerFactory = func() (device.Scanner, error) {
	return goble.NewScanner()
}
