// Package gateway implements the real-time WebSocket front door of
// chatgate.
//
// Clients connect to /ws carrying an opaque session token in the handshake
// (query parameter or Authorization header). The token is validated against
// the session store; an authenticated connection is bound to its user id and
// greeted with a "connected" event, while a rejected connection stays open
// but has every chat event answered with an "error" event.
//
// Inbound "chat" events become queue entries handed to the per-user
// dispatcher, which guarantees at most one backend invocation per user at a
// time. Finished results come back through DeliverResult and are fanned out
// to every live connection of that user, best-effort: closed or saturated
// connections are skipped, never retried, and a result with no live
// connection left is dropped (the transcript already holds it).
//
// The package also serves /healthz (liveness probe with the connected-client
// count), /metrics (Prometheus) and /api/login (credential check that mints
// a session token).
package gateway
