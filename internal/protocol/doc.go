// Package protocol owns the desktop IPC wire contract.
//
// Ownership boundary:
// - outbound envelopes and request messages
// - inbound envelope decoding into one typed value per command
// - decrypted response payloads
//
// Framing lives in protocol/frame, connections in protocol/session.
package protocol
