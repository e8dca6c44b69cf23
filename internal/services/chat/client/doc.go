// Package client implements the real-time chat session used by the
// marketplace frontends.
//
// It owns the WebSocket lifecycle (connect, close classification, backoff
// reconnects), the session's message/typing/connection state, and the
// reconciliation of optimistic local sends against server-confirmed
// messages. Rendering and REST access to tutors, bookings, and payments
// stay outside this package.
package client
