// Package sqlite provides SQLite-backed chat persistence.
//
// It is the on-disk store used by the chat service for rooms, message
// history, and read receipts.
package sqlite
