package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/ingest"
	"github.com/orchestra-mcp/realtime/src/offline"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const requestTimeout = 10 * time.Second

// RegisterRoutes registers the producer and inspection API.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", s.handleInfo)

	api := group.Group("/api")
	api.Get("/stats", s.handleStats)
	api.Post("/broadcast", s.handleBroadcast)

	api.Post("/users/:userId/notifications", s.handleNotify)
	api.Post("/users/:userId/messages", s.handleChat)
	api.Get("/users/:userId/connections", s.handleUserConnections)
	api.Delete("/users/:userId/connections", s.handleDisconnectUser)
	api.Get("/users/:userId/offline", s.handleOfflineList)
	api.Delete("/users/:userId/offline", s.handleOfflineClear)

	api.Post("/connections/:connectionId/messages", s.handleSendConnection)
	api.Delete("/connections/:connectionId", s.handleDisconnectConnection)

	api.Get("/receipts/:messageId", s.handleReceipts)
}

// Handler returns the root fasthttp handler: websocket upgrades on /ws,
// Prometheus on the metrics path and the fiber API for everything else.
func (s *Server) Handler() fasthttp.RequestHandler {
	api := s.app.Handler()
	var prom fasthttp.RequestHandler
	if s.metrics != nil {
		prom = fasthttpadaptor.NewFastHTTPHandler(s.metrics.Handler())
	}
	return func(ctx *fasthttp.RequestCtx) {
		switch path := string(ctx.Path()); {
		case path == "/ws":
			s.serveWebSocket(ctx)
		case prom != nil && path == s.cfg.Metrics.Path:
			prom(ctx)
		default:
			api(ctx)
		}
	}
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket":         true,
		"endpoint":          "/ws",
		"connections":       s.registry.ConnectionCount(),
		"users":             s.registry.UserCount(),
		"authRequired":      s.cfg.Auth.Required,
		"heartbeatInterval": s.cfg.Heartbeat.Interval.Milliseconds(),
		"reconnect": fiber.Map{
			"enabled":     s.cfg.Reconnect.Enabled,
			"maxAttempts": s.cfg.Reconnect.MaxAttempts,
			"baseDelay":   s.cfg.Reconnect.BaseDelay.Milliseconds(),
			"maxDelay":    s.cfg.Reconnect.MaxDelay.Milliseconds(),
		},
	})
}

func (s *Server) handleStats(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	stats, err := s.service.Stats(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(stats)
}

func (s *Server) handleNotify(c fiber.Ctx) error {
	var p types.NotificationPayload
	if err := decodeBody(c, &p); err != nil {
		return s.fail(c, err)
	}
	userID := c.Params("userId")
	msg, err := types.NewNotification(p, types.WithTarget(userID))
	if err != nil {
		return s.fail(c, err)
	}
	return s.sendToUser(c, userID, msg)
}

func (s *Server) handleChat(c fiber.Ctx) error {
	var p types.ChatPayload
	if err := decodeBody(c, &p); err != nil {
		return s.fail(c, err)
	}
	userID := c.Params("userId")
	msg, err := types.NewChatMessage(p, types.WithTarget(userID))
	if err != nil {
		return s.fail(c, err)
	}
	return s.sendToUser(c, userID, msg)
}

func (s *Server) sendToUser(c fiber.Ctx, userID string, msg types.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	delivered, err := s.service.SendToUser(ctx, userID, msg)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"messageId": msg.ID,
		"delivered": delivered,
	})
}

func (s *Server) handleSendConnection(c fiber.Ctx) error {
	var in types.Message
	if err := decodeBody(c, &in); err != nil {
		return s.fail(c, err)
	}
	msg, err := types.NewMessage(in.Type, in.Payload, types.WithExt(in.Ext))
	if err != nil {
		return s.fail(c, err)
	}
	connectionID := c.Params("connectionId")
	delivered, err := s.service.SendToConnection(connectionID, msg)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"messageId": msg.ID,
		"delivered": delivered,
	})
}

func (s *Server) handleBroadcast(c fiber.Ctx) error {
	var req ingest.BroadcastRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	if req.Action == "" {
		req.Action = types.ActionBroadcast
	}
	msg, err := types.NewSystemMessage(req.Action, req.Message, req.Data)
	if err != nil {
		return s.fail(c, err)
	}
	n, err := s.service.Broadcast(msg, req.ExcludeUserIDs...)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"messageId": msg.ID,
		"delivered": n,
	})
}

func (s *Server) handleUserConnections(c fiber.Ctx) error {
	conns := s.registry.GetConnectionsByUserID(c.Params("userId"))
	return c.JSON(fiber.Map{
		"online":      len(conns) > 0,
		"connections": conns,
	})
}

func (s *Server) handleDisconnectUser(c fiber.Ctx) error {
	reason := c.Query("reason", events.ReasonKicked)
	n := s.service.DisconnectUser(c.Params("userId"), reason)
	return c.JSON(fiber.Map{"disconnected": n})
}

func (s *Server) handleDisconnectConnection(c fiber.Ctx) error {
	reason := c.Query("reason", events.ReasonKicked)
	if !s.service.DisconnectConnection(c.Params("connectionId"), reason) {
		return s.fail(c, types.ErrConnectionNotFound)
	}
	return c.JSON(fiber.Map{"disconnected": 1})
}

func (s *Server) handleOfflineList(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	entries, err := s.queue.GetOfflineMessages(ctx, c.Params("userId"))
	if err != nil {
		return s.fail(c, err)
	}
	if entries == nil {
		entries = []types.OfflineMessage{}
	}
	return c.JSON(fiber.Map{"messages": entries})
}

func (s *Server) handleOfflineClear(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	n, err := s.queue.ClearOfflineMessages(ctx, c.Params("userId"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"cleared": n})
}

func (s *Server) handleReceipts(c fiber.Ctx) error {
	if s.receipts == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "receipts disabled"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	list, err := s.receipts.ForMessage(ctx, c.Params("messageId"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"receipts": list})
}

func decodeBody(c fiber.Ctx, v any) error {
	if err := json.Unmarshal(c.Body(), v); err != nil {
		if errors.Is(err, types.ErrInvalidPayload) {
			return err
		}
		return errors.Join(types.ErrInvalidPayload, err)
	}
	return nil
}

// fail maps domain errors onto HTTP statuses with a {"error": ...} body.
func (s *Server) fail(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidPayload):
		status = fiber.StatusBadRequest
	case errors.Is(err, types.ErrConnectionNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, offline.ErrDisabled):
		status = fiber.StatusConflict
	default:
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("api request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
