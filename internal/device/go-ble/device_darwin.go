//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// CoreBluetooth splits acknowledged writes longer than the MTU into
// prepared writes, so the attribute limit applies instead of the MTU.
const stackSplitsLongWrites = true

func newPlatformDevice() (ble.Device, error) {
	return darwin.NewDevice()
}
