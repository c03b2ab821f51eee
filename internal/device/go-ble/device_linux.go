//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// The Linux ATT client rejects values longer than ATT_MTU-3.
const stackSplitsLongWrites = false

func newPlatformDevice() (ble.Device, error) {
	return linux.NewDevice()
}
