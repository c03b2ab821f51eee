package device

import (
	"fmt"
	"strings"
)

// Role identifies one of the fixed GATT characteristics exposed by the
// peripheral's measurement service.
type Role int

const (
	RoleCommand Role = iota
	RoleStatus
	RoleData
	RoleConfig
	RoleInfo
	RoleParams
	RoleSync
)

// Roles lists every role in declaration order.
var Roles = []Role{RoleCommand, RoleStatus, RoleData, RoleConfig, RoleInfo, RoleParams, RoleSync}

var roleNames = [...]string{"command", "status", "data", "configuration", "info", "parameters", "sync"}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

const (
	// ServiceUUID is the primary measurement service.
	ServiceUUID = "12345678-1234-5678-1234-56789abcdef0"

	// DeviceNamePrefix is the advertised local name prefix of compatible devices.
	DeviceNamePrefix = "HUELLA_"

	// MaxAttributeWrite is the largest value the peripheral accepts in a single
	// attribute write. Larger payloads are rejected before transmission.
	MaxAttributeWrite = 512
)

// Profile maps roles to characteristic UUIDs inside a service.
type Profile struct {
	Service string
	Chars   map[Role]string
}

// DefaultProfile returns the fixed profile of HUELLA devices.
func DefaultProfile() *Profile {
	return &Profile{
		Service: ServiceUUID,
		Chars: map[Role]string{
			RoleCommand: "12345678-1234-5678-1234-56789abcdef1",
			RoleStatus:  "12345678-1234-5678-1234-56789abcdef2",
			RoleData:    "12345678-1234-5678-1234-56789abcdef3",
			RoleConfig:  "12345678-1234-5678-1234-56789abcdef4",
			RoleInfo:    "12345678-1234-5678-1234-56789abcdef5",
			RoleParams:  "12345678-1234-5678-1234-56789abcdef6",
			RoleSync:    "12345678-1234-5678-1234-56789abcdef7",
		},
	}
}

// RoleOf returns the role whose characteristic matches uuid.
// Both sides are normalized before comparison.
func (p *Profile) RoleOf(uuid string) (Role, bool) {
	n := NormalizeUUID(uuid)
	for role, u := range p.Chars {
		if NormalizeUUID(u) == n {
			return role, true
		}
	}
	return 0, false
}

// NormalizeUUID converts a UUID string to the internal BLE library format (lowercase, no dashes)
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
