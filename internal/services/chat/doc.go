// Package chat implements real-time messaging between tutors and students.
//
// It keeps WebSocket lifecycle, message persistence, and fan-out isolated
// from the rest of the marketplace so profile and booking surfaces remain the
// source of truth for who may talk to whom.
package chat
