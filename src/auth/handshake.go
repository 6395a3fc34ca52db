package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Identity is the authenticated owner of a new connection.
type Identity struct {
	UserID string
	TabID  string
}

// Handshake reads and checks the AuthRequest frame.
type Handshake struct {
	// Verifier checks tokens; it may be nil when Required is false.
	Verifier *Verifier
	// Required demands a valid token. Otherwise the frame's userId is
	// trusted, as when an upstream proxy already authenticated the request.
	Required bool
	Timeout  time.Duration
}

// Authenticate reads the first frame under the handshake deadline. A frame
// that does not arrive in time yields types.ErrAuthTimeout.
func (h Handshake) Authenticate(conn types.Conn) (Identity, error) {
	deadline := time.Now().Add(h.Timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	var req types.AuthRequest
	if err := conn.ReadJSON(&req); err != nil {
		if !time.Now().Before(deadline) {
			return Identity{}, fmt.Errorf("%w after %s", types.ErrAuthTimeout, h.Timeout)
		}
		return Identity{}, fmt.Errorf("%w: read auth frame: %v", types.ErrAuthFailed, err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	return h.identify(req)
}

func (h Handshake) identify(req types.AuthRequest) (Identity, error) {
	id := Identity{UserID: req.UserID, TabID: req.TabID}

	if req.Token != "" && h.Verifier != nil {
		userID, err := h.Verifier.Verify(req.Token)
		if err != nil {
			return Identity{}, err
		}
		if req.UserID != "" && req.UserID != userID {
			return Identity{}, fmt.Errorf("%w: user id does not match token", types.ErrAuthFailed)
		}
		id.UserID = userID
		return id, nil
	}

	if h.Required {
		return Identity{}, fmt.Errorf("%w: token required", types.ErrAuthFailed)
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: user id required", types.ErrAuthFailed)
	}
	return id, nil
}

// Reply writes the handshake outcome. A failed handshake leaves the error
// text for the client; the caller closes the connection.
func Reply(conn types.Conn, connectionID string, id Identity, err error) error {
	resp := types.AuthResponse{OK: err == nil}
	if err != nil {
		switch {
		case errors.Is(err, types.ErrAuthTimeout):
			resp.Error = "auth timeout"
		case errors.Is(err, types.ErrAuthFailed):
			resp.Error = "unauthorized"
		default:
			resp.Error = "handshake failed"
		}
	} else {
		resp.ConnectionID = connectionID
		resp.UserID = id.UserID
	}
	if werr := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); werr != nil {
		return werr
	}
	return conn.WriteJSON(resp)
}
