package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/danmuck/bioipc/internal/crypto"
)

// NewEncStringJSON renders an EncString in the object form the desktop app accepts.
func NewEncStringJSON(s crypto.EncString) EncStringJSON {
	out := EncStringJSON{
		EncryptedString: s.String(),
		EncryptionType:  int(s.Type),
		Data:            base64.StdEncoding.EncodeToString(s.Data),
		IV:              base64.StdEncoding.EncodeToString(s.IV),
	}
	if len(s.MAC) > 0 {
		out.MAC = base64.StdEncoding.EncodeToString(s.MAC)
	}
	return out
}

// EncString rebuilds the EncString, preferring the compact encryptedString field.
func (j EncStringJSON) EncString() (crypto.EncString, error) {
	if j.EncryptedString != "" {
		return crypto.ParseEncString(j.EncryptedString)
	}
	raw := strconv.Itoa(j.EncryptionType) + "." + j.IV + "|" + j.Data
	if j.MAC != "" {
		raw += "|" + j.MAC
	}
	return crypto.ParseEncString(raw)
}

func PlainEnvelope(appID string, msg Message) Envelope {
	return Envelope{AppID: appID, Message: msg}
}

func EncryptedEnvelope(appID string, s crypto.EncString) Envelope {
	return Envelope{AppID: appID, Message: NewEncStringJSON(s)}
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
