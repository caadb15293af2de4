// Package client owns the link between the host bridge and the orchestration server.
//
// Ownership boundary:
// - registration, heartbeat, result submission
// - command intake over poll (HTTP) or push (websocket)
// - ConnectionState bookkeeping and failure backoff
//
// Both transports satisfy CommandSource. Commands never touch host APIs here; they are
// handed to an Enqueuer (the action queue) and their results reported back.
//
// A client's background loops end only on Stop. Orchestrator rebuilds do not stop a
// client; it is handed across through the survival store.
package client
