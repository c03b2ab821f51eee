// Package device defines the role-addressed BLE transport used by device
// sessions.
//
// A HUELLA peripheral exposes one primary service with seven fixed
// characteristics. Callers never deal with characteristic UUIDs directly;
// they address a characteristic by its Role:
//   - command, configuration: acknowledged writes of JSON documents
//   - status, data: notifications
//   - info, parameters, sync: reads
//
// The go-ble backed implementation lives in internal/device/go-ble.
package device
