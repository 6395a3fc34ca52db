package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageStampsIDAndTimestamp(t *testing.T) {
	before := time.Now().UTC()
	m1, err := NewNotification(NotificationPayload{Title: "Order shipped", Body: "Order 42 left the warehouse"},
		WithSender("system"), WithTarget("user-1"))
	require.NoError(t, err)
	m2, err := NewNotification(NotificationPayload{Title: "again"})
	require.NoError(t, err)

	assert.NotEmpty(t, m1.ID)
	assert.NotEqual(t, m1.ID, m2.ID)
	assert.Equal(t, TypeNotification, m1.Type)
	assert.Equal(t, "system", m1.UserID)
	assert.Equal(t, "user-1", m1.TargetUserID)
	assert.False(t, m1.Timestamp.Before(before.Add(-time.Second)))
}

func TestNewMessageRejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (Message, error)
	}{
		{"notification without title", func() (Message, error) {
			return NewNotification(NotificationPayload{Body: "x"})
		}},
		{"unknown system action", func() (Message, error) {
			return NewSystemMessage("reboot", "now", nil)
		}},
		{"ack without message id", func() (Message, error) {
			return NewAck("", AckRead, "")
		}},
		{"ack with bad status", func() (Message, error) {
			return NewAck("m-1", "lost", "")
		}},
		{"payload for another type", func() (Message, error) {
			return NewMessage(TypeSystem, NotificationPayload{Title: "t"})
		}},
		{"unknown type", func() (Message, error) {
			return NewMessage("presence", ChatPayload{Content: "hi"})
		}},
		{"nil payload", func() (Message, error) {
			return NewMessage(TypeMessage, nil)
		}},
		{"heartbeat without time", func() (Message, error) {
			return NewMessage(TypeHeartbeat, HeartbeatPayload{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload), "got %v", err)
		})
	}
}

func TestMessageJSONUsesWireFieldNames(t *testing.T) {
	m, err := NewAck("m-1", AckRead, "", WithSender("u1"))
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "ack", raw["type"])
	assert.Equal(t, "u1", raw["userId"])
	assert.NotContains(t, raw, "targetUserId")
	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "m-1", payload["messageId"])
	assert.Equal(t, "read", payload["status"])
}

func TestMessageDecodeSelectsPayloadVariant(t *testing.T) {
	in := `{"id":"abc","type":"system","timestamp":"2026-01-02T03:04:05Z",
		"payload":{"action":"maintenance","message":"down at 2am","data":{"minutes":30}},
		"ext":{"trace":"t-1"}}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(in), &m))

	sys, ok := m.Payload.(SystemPayload)
	require.True(t, ok, "payload is %T", m.Payload)
	assert.Equal(t, ActionMaintenance, sys.Action)
	assert.Equal(t, float64(30), sys.Data["minutes"])
	assert.JSONEq(t, `{"trace":"t-1"}`, string(m.Ext))
	assert.NoError(t, m.Validate())
}

func TestMessageDecodeRejectsUnknownType(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"x","type":"presence","payload":{}}`), &m)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = json.Unmarshal([]byte(`{"id":"x","type":"ack"}`), &m)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestOfflineMessageExpired(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	om := OfflineMessage{ExpiresAt: at}
	assert.False(t, om.Expired(at.Add(-time.Nanosecond)))
	assert.True(t, om.Expired(at))
}

func TestQueueableTypes(t *testing.T) {
	assert.True(t, TypeNotification.Queueable())
	assert.True(t, TypeSystem.Queueable())
	assert.False(t, TypeHeartbeat.Queueable())
	assert.False(t, TypeAck.Queueable())
}
