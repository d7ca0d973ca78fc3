// Package session owns the physical connection to the desktop app.
//
// Ownership boundary:
// - endpoint resolution and availability checks (socket path or named pipe)
// - connect with timeout, retry and backoff
// - length-prefixed framing of outbound payloads and reassembly of inbound ones
// - one message handler and one disconnect handler per Transport
//
// Nothing here understands envelopes beyond "is this valid JSON".
package session
