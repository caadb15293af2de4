// Package session owns client<->server transport reliability helpers.
//
// Ownership boundary:
// - timeouts and cadence defaults
// - retry/backoff
// - pending result outbox
// - client TLS policy
package session
