// Package crypto holds the primitives the desktop IPC channel is built on.
//
// Ownership boundary:
// - RSA key pairs and OAEP(SHA-1) key transport for the handshake
// - EncString symmetric messages (AES-256-CBC, optionally HMAC-SHA256 authenticated)
// - fingerprint phrases for out-of-band verification of a handshake key
package crypto
