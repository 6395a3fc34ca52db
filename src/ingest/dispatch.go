// Package ingest lets producers publish deliveries over a broker instead of
// calling the HTTP API. MQTT and Redis pub/sub share one topic scheme under
// a configurable prefix:
//
//	<prefix>/users/<userId>/notify    NotificationPayload JSON, sent to the user
//	<prefix>/users/<userId>/message   ChatPayload JSON, sent to the user
//	<prefix>/broadcast                BroadcastRequest JSON, sent to everyone
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Sender is the delivery surface the ingest feeds.
type Sender interface {
	SendToUser(ctx context.Context, userID string, msg types.Message) (bool, error)
	Broadcast(msg types.Message, excludeUserIDs ...string) (int, error)
}

// BroadcastRequest is the payload of the broadcast topic.
type BroadcastRequest struct {
	types.SystemPayload
	ExcludeUserIDs []string `json:"excludeUserIds,omitempty"`
}

type router struct {
	sender Sender
	prefix string
	logger zerolog.Logger
}

func newRouter(sender Sender, prefix string, logger zerolog.Logger) *router {
	return &router{
		sender: sender,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// filters returns the three topic filters with wildcard in the user slot.
func (r *router) filters(wildcard string) []string {
	return []string{
		r.prefix + "/users/" + wildcard + "/notify",
		r.prefix + "/users/" + wildcard + "/message",
		r.prefix + "/broadcast",
	}
}

// Dispatch turns one publication into a delivery.
func (r *router) Dispatch(ctx context.Context, topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, r.prefix+"/")
	if !ok {
		return fmt.Errorf("topic %q outside prefix %q", topic, r.prefix)
	}
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] == "broadcast":
		var req BroadcastRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
		}
		msg, err := types.NewSystemMessage(req.Action, req.Message, req.Data)
		if err != nil {
			return err
		}
		n, err := r.sender.Broadcast(msg, req.ExcludeUserIDs...)
		if err != nil {
			return err
		}
		r.logger.Debug().Str("message_id", msg.ID).Int("delivered", n).Msg("broadcast from ingest")
		return nil

	case len(parts) == 3 && parts[0] == "users" && parts[1] != "":
		userID := parts[1]
		msg, err := decodeUserMessage(parts[2], userID, payload)
		if err != nil {
			return err
		}
		delivered, err := r.sender.SendToUser(ctx, userID, msg)
		if err != nil {
			return err
		}
		r.logger.Debug().Str("user_id", userID).Str("message_id", msg.ID).Bool("delivered", delivered).Msg("send from ingest")
		return nil
	}
	return fmt.Errorf("unknown topic %q", topic)
}

func decodeUserMessage(kind, userID string, payload []byte) (types.Message, error) {
	switch kind {
	case "notify":
		var p types.NotificationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return types.Message{}, fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
		}
		return types.NewNotification(p, types.WithTarget(userID))
	case "message":
		var p types.ChatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return types.Message{}, fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
		}
		return types.NewChatMessage(p, types.WithTarget(userID))
	}
	return types.Message{}, fmt.Errorf("unknown user topic kind %q", kind)
}
