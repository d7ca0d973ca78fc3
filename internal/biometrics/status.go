package biometrics

import "strconv"

// Status is the desktop app's biometrics availability code.
type Status int

const (
	StatusAvailable Status = iota
	StatusUnlockNeeded
	StatusHardwareUnavailable
	StatusAutoSetupNeeded
	StatusManualSetupNeeded
	StatusPlatformUnsupported
	StatusDesktopDisconnected
	StatusNotEnabledLocally
	StatusNotEnabledInConnectedDesktopApp
	StatusNativeMessagingPermissionMissing
)

var statusNames = map[Status]string{
	StatusAvailable:                        "available",
	StatusUnlockNeeded:                     "unlock_needed",
	StatusHardwareUnavailable:              "hardware_unavailable",
	StatusAutoSetupNeeded:                  "auto_setup_needed",
	StatusManualSetupNeeded:                "manual_setup_needed",
	StatusPlatformUnsupported:              "platform_unsupported",
	StatusDesktopDisconnected:              "desktop_disconnected",
	StatusNotEnabledLocally:                "not_enabled_locally",
	StatusNotEnabledInConnectedDesktopApp:  "not_enabled_in_connected_desktop_app",
	StatusNativeMessagingPermissionMissing: "native_messaging_permission_missing",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Description is the user-facing explanation of s.
func (s Status) Description() string {
	switch s {
	case StatusAvailable:
		return "Biometric unlock is available via Desktop app"
	case StatusDesktopDisconnected:
		return "Desktop app is not running or not reachable"
	case StatusHardwareUnavailable:
		return "Biometric hardware is not available"
	case StatusUnlockNeeded:
		return "Vault must be unlocked with master password first in Desktop app"
	case StatusNotEnabledLocally, StatusNotEnabledInConnectedDesktopApp:
		return "Biometric unlock is not enabled in Desktop app"
	case StatusPlatformUnsupported:
		return "Platform does not support biometric unlock"
	case StatusAutoSetupNeeded, StatusManualSetupNeeded:
		return "Biometric setup required in Desktop app"
	case StatusNativeMessagingPermissionMissing:
		return "Desktop app has not granted this client native messaging permission"
	default:
		return "Unknown biometrics status: " + strconv.Itoa(int(s))
	}
}

// CanEnable reports whether biometric unlock could be turned on given s.
func (s Status) CanEnable() bool {
	switch s {
	case StatusDesktopDisconnected, StatusHardwareUnavailable, StatusPlatformUnsupported:
		return false
	default:
		return true
	}
}
