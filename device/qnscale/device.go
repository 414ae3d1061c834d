package qnscale

import (
	"github.com/go-ble/ble"
)

// LocalName is the name the scale advertises under.
const LocalName = "QN-Scale"

var (
	// Weight frames are pushed here once notifications are enabled.
	NotificationCharacteristic = ble.UUID16(0xfff1)
	// Commands are written here.
	WriteCharacteristic = ble.UUID16(0xfff2)
	// Standard GATT battery level. Polled to keep the connection alive.
	BatteryLevelCharacteristic = ble.UUID16(0x2a19)
)

// Matches reports whether an advertised local name belongs to a supported scale.
func Matches(localName string) bool {
	return localName == LocalName
}
