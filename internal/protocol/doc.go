// Package protocol owns the wire contract with the orchestration server.
//
// Ownership boundary:
// - request/response bodies for register, poll, heartbeat, result, version
// - push frame decoding
// - shape validation of server-issued commands
//
// Transport concerns (timeouts, retry, TLS) live in protocol/session.
package protocol
