package types

import "errors"

var (
	// ErrInvalidPayload is returned when a message is constructed or decoded
	// with a payload that does not match its type.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrConnectionNotFound reports a lookup of an unknown connection id.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrAuthTimeout reports a handshake that did not complete within the auth timeout.
	ErrAuthTimeout = errors.New("auth timeout")

	// ErrAuthFailed reports a handshake with a missing or invalid token.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTransport reports a failed write to a live connection.
	ErrTransport = errors.New("transport error")

	// ErrQueueOverflow is recorded when the oldest offline message of a user
	// is evicted to make room. It is never returned to producers.
	ErrQueueOverflow = errors.New("offline queue overflow")

	// ErrRateLimited reports an inbound frame dropped by the connection rate limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotConnected is returned by client operations that need a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned when writing to a connection that was already closed.
	ErrClosed = errors.New("connection closed")
)
