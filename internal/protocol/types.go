package protocol

import (
	"encoding/json"
	"strconv"
)

// Control commands carried in plaintext envelopes.
const (
	CommandSetupEncryption      = "setupEncryption"
	CommandInvalidateEncryption = "invalidateEncryption"
	CommandWrongUserID          = "wrongUserId"
	CommandConnected            = "connected"
	CommandDisconnected         = "disconnected"
	CommandVerifyFingerprint    = "verifyDesktopIPCFingerprint"
	CommandVerifiedFingerprint  = "verifiedDesktopIPCFingerprint"
	CommandRejectedFingerprint  = "rejectedDesktopIPCFingerprint"
)

// Biometrics commands carried inside encrypted messages.
const (
	CommandGetBiometricsStatus         = "getBiometricsStatus"
	CommandGetBiometricsStatusForUser  = "getBiometricsStatusForUser"
	CommandUnlockWithBiometricsForUser = "unlockWithBiometricsForUser"
	CommandAuthenticateWithBiometrics  = "authenticateWithBiometrics"
	CommandCanEnableBiometricUnlock    = "canEnableBiometricUnlock"
)

// Message is the logical request payload, encrypted before it leaves the process
// except for the setupEncryption handshake request.
type Message struct {
	Command   string `json:"command"`
	MessageID int64  `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	PublicKey string `json:"publicKey,omitempty"`
}

// EncStringJSON is the backwards-compatible object form of an EncString.
type EncStringJSON struct {
	EncryptedString string `json:"encryptedString"`
	EncryptionType  int    `json:"encryptionType"`
	Data            string `json:"data"`
	IV              string `json:"iv"`
	MAC             string `json:"mac"`
}

// Envelope is every outbound frame payload.
type Envelope struct {
	AppID   string `json:"appId"`
	Message any    `json:"message"`
}

// Response is a decrypted reply from the desktop app.
type Response struct {
	Timestamp  int64           `json:"timestamp"`
	Command    string          `json:"command"`
	MessageID  int64           `json:"messageId"`
	Response   json.RawMessage `json:"response,omitempty"`
	UserKeyB64 string          `json:"userKeyB64,omitempty"`
}

// Bool reports whether the response field is literally true.
func (r Response) Bool() bool {
	var v bool
	if err := json.Unmarshal(r.Response, &v); err != nil {
		return false
	}
	return v
}

// Int returns the response field when it is a JSON number.
func (r Response) Int() (int, bool) {
	if len(r.Response) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(r.Response))
	if err != nil {
		return 0, false
	}
	return n, true
}
