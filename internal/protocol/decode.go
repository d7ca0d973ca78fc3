package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound is the decoded form of one inbound envelope. The concrete type is the
// command discriminator; dispatch is a type switch.
type Inbound interface {
	// App is the appId the envelope was addressed to; empty when absent.
	App() string
}

// Header carries the fields shared by every inbound envelope.
type Header struct {
	AppID string
}

func (h Header) App() string { return h.AppID }

type SetupEncryption struct {
	Header
	SharedSecret string
}

type InvalidateEncryption struct {
	Header
	MessageID *int64
}

type WrongUserID struct {
	Header
	MessageID *int64
}

type Connected struct{ Header }

type Disconnected struct{ Header }

type VerifyFingerprint struct{ Header }

type FingerprintVerified struct{ Header }

type FingerprintRejected struct{ Header }

// EncryptedResponse is any non-control envelope; Payload still needs decrypting.
type EncryptedResponse struct {
	Header
	Command string
	Payload EncStringJSON
}

type wireInbound struct {
	Command      string          `json:"command"`
	AppID        string          `json:"appId"`
	MessageID    *int64          `json:"messageId"`
	Message      json.RawMessage `json:"message"`
	SharedSecret string          `json:"sharedSecret"`
}

// Decode maps one frame payload onto its Inbound type.
func Decode(raw []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	h := Header{AppID: w.AppID}

	switch w.Command {
	case CommandSetupEncryption:
		return SetupEncryption{Header: h, SharedSecret: w.SharedSecret}, nil
	case CommandInvalidateEncryption:
		return InvalidateEncryption{Header: h, MessageID: w.MessageID}, nil
	case CommandWrongUserID:
		return WrongUserID{Header: h, MessageID: w.MessageID}, nil
	case CommandConnected:
		return Connected{h}, nil
	case CommandDisconnected:
		return Disconnected{h}, nil
	case CommandVerifyFingerprint:
		return VerifyFingerprint{h}, nil
	case CommandVerifiedFingerprint:
		return FingerprintVerified{h}, nil
	case CommandRejectedFingerprint:
		return FingerprintRejected{h}, nil
	}

	msg := bytes.TrimSpace(w.Message)
	if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
		return nil, ErrMissingMessage
	}
	if msg[0] == '"' {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return EncryptedResponse{Header: h, Command: w.Command, Payload: EncStringJSON{EncryptedString: s}}, nil
	}

	var peek map[string]json.RawMessage
	if err := json.Unmarshal(msg, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	_, hasString := peek["encryptedString"]
	_, hasType := peek["encryptionType"]
	if !hasString && !hasType {
		return nil, ErrPlaintextResponse
	}
	var enc EncStringJSON
	if err := json.Unmarshal(msg, &enc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return EncryptedResponse{Header: h, Command: w.Command, Payload: enc}, nil
}

// DecodeResponse parses a decrypted response payload.
func DecodeResponse(plaintext []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(plaintext, &r); err != nil {
		return Response{}, fmt.Errorf("%w: response: %v", ErrMalformedEnvelope, err)
	}
	return r, nil
}
