package wire

import "strings"

// DeviceType is the client-reported platform.
type DeviceType string

const (
	DeviceAndroid DeviceType = "android"
	DeviceIOS     DeviceType = "ios"
	DeviceWeb     DeviceType = "web"
	DeviceMac     DeviceType = "mac"
	DeviceWin     DeviceType = "win"
	DeviceLinux   DeviceType = "linux"
)

// DeviceGroup is the mutual-exclusion class a device type belongs to.
// Same-group logins are exclusive per user; cross-group coexistence is
// controlled by the node-wide multi-device flag.
type DeviceGroup int

const (
	GroupMobile DeviceGroup = iota
	GroupDesktop
	GroupWeb
)

func (g DeviceGroup) String() string {
	switch g {
	case GroupMobile:
		return "mobile"
	case GroupDesktop:
		return "desktop"
	case GroupWeb:
		return "web"
	default:
		return "unknown"
	}
}

// ParseDeviceType normalizes a client-supplied device string. Unknown or
// empty values default to web, matching the loosest exclusion class.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceAndroid:
		return DeviceAndroid
	case DeviceIOS:
		return DeviceIOS
	case DeviceMac:
		return DeviceMac
	case DeviceWin:
		return DeviceWin
	case DeviceLinux:
		return DeviceLinux
	default:
		return DeviceWeb
	}
}

// Group maps a device type to its exclusion group.
func (d DeviceType) Group() DeviceGroup {
	switch d {
	case DeviceAndroid, DeviceIOS:
		return GroupMobile
	case DeviceMac, DeviceWin, DeviceLinux:
		return GroupDesktop
	default:
		return GroupWeb
	}
}
