package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleString(t *testing.T) {
	tests := []struct {
		role Role
		want string
	}{
		{RoleCommand, "command"},
		{RoleConfig, "configuration"},
		{RoleSync, "sync"},
		{Role(42), "role(42)"},
		{Role(-1), "role(-1)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.role.String())
		})
	}
}

func TestDefaultProfileCoversEveryRole(t *testing.T) {
	p := DefaultProfile()
	assert.Equal(t, ServiceUUID, p.Service)

	seen := map[string]Role{}
	for _, role := range Roles {
		uuid, ok := p.Chars[role]
		require.True(t, ok, "missing characteristic for %s", role)
		prev, dup := seen[NormalizeUUID(uuid)]
		assert.False(t, dup, "%s and %s share %s", prev, role, uuid)
		seen[NormalizeUUID(uuid)] = role
	}
}

func TestProfileRoleOf(t *testing.T) {
	p := DefaultProfile()

	role, ok := p.RoleOf("1234567812345678123456789ABCDEF3")
	require.True(t, ok)
	assert.Equal(t, RoleData, role)

	role, ok = p.RoleOf("12345678-1234-5678-1234-56789ABCDEF5")
	require.True(t, ok)
	assert.Equal(t, RoleInfo, role)

	_, ok = p.RoleOf("0000180f-0000-1000-8000-00805f9b34fb")
	assert.False(t, ok)
}

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "1234567812345678123456789abcdef0", NormalizeUUID("12345678-1234-5678-1234-56789ABCDEF0"))
	assert.Equal(t, "180f", NormalizeUUID("180F"))
}

func TestConnectionErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("dial: %w", &ConnectionError{State: BluetoothOff, Msg: "adapter powered down"})

	assert.ErrorIs(t, wrapped, ErrBluetoothOff)
	assert.NotErrorIs(t, wrapped, ErrNotConnected)
	assert.True(t, IsConnectionState(wrapped, BluetoothOff))
	assert.False(t, IsConnectionState(errors.New("plain"), BluetoothOff))

	assert.Equal(t, "not_connected", ErrNotConnected.Error())
	assert.Equal(t, "bluetooth_off: Bluetooth is turned off", ErrBluetoothOff.Error())

	var nilErr *ConnectionError
	assert.Equal(t, "<nil>", nilErr.Error())
	assert.False(t, nilErr.Is(ErrNotConnected))
}

func TestNotFoundError(t *testing.T) {
	svc := &NotFoundError{Resource: "service", UUID: ServiceUUID}
	assert.Equal(t, `service "`+ServiceUUID+`" not found`, svc.Error())

	char := &NotFoundError{Resource: "characteristic", UUID: "abcd", Role: RoleParams}
	assert.Equal(t, `characteristic "abcd" (parameters) not found`, char.Error())
}
