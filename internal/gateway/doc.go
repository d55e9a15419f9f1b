// Package gateway is the client side of the agent gateway protocol.
//
// # Overview
//
// A Client holds one logical WebSocket connection to the remote gateway that
// runs the agent. It reconnects forever with exponential backoff (1s doubling
// to 30s) and presents the connection as a fire-and-forget command API plus a
// push-style event subscription.
//
// # Handshake
//
// After the transport opens the client waits for a server-pushed
// connect.challenge event, then sends a connect request:
//
//	{"type":"req","id":"...","method":"connect","params":{
//	    "minProtocol":3,"maxProtocol":3,
//	    "client":{"id":"mission-control","mode":"backend"},
//	    "role":"operator","scopes":["operator.read","operator.write"],
//	    "auth":{"token":"..."},"nonce":"..."}}
//
// ok=true moves the client to StateAuthenticated and emits StatusEvent{Online:true}.
// ok=false is logged and surfaced as a LogEvent; the transport stays open.
//
// # Commands
//
// SendCommand issues chat.send with an idempotency key that doubles as the
// run id returned to the caller. Commands are refused (not queued) while
// unauthenticated or while the CostGuard reports the daily limit reached; in
// the latter case a synthetic agent MessageEvent carries the notice.
//
// # Events
//
// Inbound events decode into a closed set of types: StatusEvent, LogEvent,
// MessageEvent, LifecycleEvent, ToolEvent, ChatFinalEvent, PresenceEvent and
// UsageEvent. Handlers registered with OnEvent run in registration order on
// the read goroutine; a panicking handler does not stop delivery to the rest.
package gateway
