// Package correlator turns the framed, encrypted connection to the desktop app
// into request/response calls. Each call is matched to its reply by messageId,
// bounded by its own timer, and failed together with every other pending call
// when the connection drops.
package correlator
