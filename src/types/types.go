package types

import (
	"time"
)

// ConnectionInfo describes one live transport session.
type ConnectionInfo struct {
	ConnectionID  string    `json:"connectionId"`
	UserID        string    `json:"userId"`
	TabID         string    `json:"tabId,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// OfflineMessage is a message retained for a recipient with no live connection.
// Seq orders a user's entries by creation and is assigned by the queue.
type OfflineMessage struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	UserID    string    `json:"userId"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Delivered bool      `json:"delivered"`
}

// Expired reports whether the entry is past its TTL at now.
func (m OfflineMessage) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// AuthRequest is the first frame a client sends after the websocket opens.
type AuthRequest struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`
	TabID  string `json:"tabId,omitempty"`
}

// AuthResponse answers an AuthRequest. No other frame precedes it.
type AuthResponse struct {
	OK           bool   `json:"ok"`
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}
