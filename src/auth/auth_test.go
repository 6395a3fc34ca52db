package auth

import (
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/conntest"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-unit-tests"

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, "realtime")
	require.NoError(t, err)
	return v
}

func TestIssueAndVerify(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Issue("user-123", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestVerifyRejects(t *testing.T) {
	v := newVerifier(t)

	other, err := NewVerifier("another-secret", "realtime")
	require.NoError(t, err)
	foreign, err := other.Issue("user-123", time.Hour)
	require.NoError(t, err)

	expired, err := v.Issue("user-123", -time.Minute)
	require.NoError(t, err)

	wrongIssuer, err := NewVerifier(testSecret, "someone-else")
	require.NoError(t, err)
	misissued, err := wrongIssuer.Issue("user-123", time.Hour)
	require.NoError(t, err)

	noUser, err := v.Issue("", time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not.a.token",
		"wrong secret": foreign,
		"expired":      expired,
		"wrong issuer": misissued,
		"no user":      noUser,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, types.ErrAuthFailed)
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.Error(t, err)
}

func TestHandshakeWithToken(t *testing.T) {
	v := newVerifier(t)
	token, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	conn := conntest.New()
	conn.Push(types.AuthRequest{Token: token, TabID: "tab-1"})

	id, err := Handshake{Verifier: v, Required: true, Timeout: time.Second}.Authenticate(conn)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", TabID: "tab-1"}, id)
}

func TestHandshakeRejectsMismatchedUser(t *testing.T) {
	v := newVerifier(t)
	token, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	conn := conntest.New()
	conn.Push(types.AuthRequest{Token: token, UserID: "mallory"})

	_, err = Handshake{Verifier: v, Required: true, Timeout: time.Second}.Authenticate(conn)
	assert.ErrorIs(t, err, types.ErrAuthFailed)
}

func TestHandshakeRequiresToken(t *testing.T) {
	conn := conntest.New()
	conn.Push(types.AuthRequest{UserID: "alice"})

	_, err := Handshake{Verifier: newVerifier(t), Required: true, Timeout: time.Second}.Authenticate(conn)
	assert.ErrorIs(t, err, types.ErrAuthFailed)
}

func TestHandshakeTrustsUserWhenNotRequired(t *testing.T) {
	conn := conntest.New()
	conn.Push(types.AuthRequest{UserID: "alice", TabID: "t"})

	id, err := Handshake{Timeout: time.Second}.Authenticate(conn)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	empty := conntest.New()
	empty.Push(types.AuthRequest{})
	_, err = Handshake{Timeout: time.Second}.Authenticate(empty)
	assert.ErrorIs(t, err, types.ErrAuthFailed)
}

func TestHandshakeTimesOut(t *testing.T) {
	conn := conntest.New()

	start := time.Now()
	_, err := Handshake{Required: false, Timeout: 30 * time.Millisecond}.Authenticate(conn)
	assert.ErrorIs(t, err, types.ErrAuthTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReply(t *testing.T) {
	ok := conntest.New()
	require.NoError(t, Reply(ok, "conn-1", Identity{UserID: "alice"}, nil))
	assert.Equal(t, []any{types.AuthResponse{OK: true, ConnectionID: "conn-1", UserID: "alice"}}, ok.Written())

	failed := conntest.New()
	require.NoError(t, Reply(failed, "", Identity{}, types.ErrAuthTimeout))
	assert.Equal(t, []any{types.AuthResponse{Error: "auth timeout"}}, failed.Written())
}
