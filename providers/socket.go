package providers

import (
	"bytes"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/registry"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/valyala/fasthttp"
)

func (s *Server) upgrader() *websocket.FastHTTPUpgrader {
	u := &websocket.FastHTTPUpgrader{
		ReadBufferSize:  s.cfg.Server.ReadBufferSize,
		WriteBufferSize: s.cfg.Server.WriteBufferSize,
	}
	if origins := s.cfg.Server.AllowOrigins; len(origins) > 0 {
		u.CheckOrigin = func(ctx *fasthttp.RequestCtx) bool {
			origin := string(ctx.Request.Header.Peek("Origin"))
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		}
	} else {
		u.CheckOrigin = func(*fasthttp.RequestCtx) bool { return true }
	}
	return u
}

// serveWebSocket upgrades the request, runs the auth handshake and hands
// the connection to the registry. The handshake reply is always the first
// frame the client sees; offline messages follow on registration.
func (s *Server) serveWebSocket(ctx *fasthttp.RequestCtx) {
	if !websocket.FastHTTPIsWebSocketUpgrade(ctx) {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}
	if limit := s.cfg.Server.MaxConnections; limit > 0 && s.registry.ConnectionCount() >= limit {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"too_many_connections"}`)
		return
	}

	// The request context is recycled once the upgrade handler runs.
	userAgent := string(ctx.UserAgent())
	ip := clientIP(ctx)
	queryTab := string(ctx.QueryArgs().Peek("tabId"))
	logger := s.logger.With().Str("component", "transport").Logger()

	err := s.upgrader().Upgrade(ctx, func(conn *websocket.Conn) {
		id, err := s.handshake.Authenticate(conn)
		if err != nil {
			logger.Warn().Err(err).Str("ip", ip).Msg("handshake rejected")
			if rerr := auth.Reply(conn, "", auth.Identity{}, err); rerr != nil {
				logger.Debug().Err(rerr).Msg("handshake reply failed")
			}
			conn.Close()
			return
		}
		if id.TabID == "" {
			id.TabID = queryTab
		}

		connectionID := uuid.NewString()
		if err := auth.Reply(conn, connectionID, id, nil); err != nil {
			logger.Debug().Err(err).Str("user_id", id.UserID).Msg("handshake reply failed")
			conn.Close()
			return
		}

		now := time.Now()
		client := registry.NewClient(types.ConnectionInfo{
			ConnectionID:  connectionID,
			UserID:        id.UserID,
			TabID:         id.TabID,
			UserAgent:     userAgent,
			IPAddress:     ip,
			ConnectedAt:   now,
			LastHeartbeat: now,
		}, conn, registry.ClientOptions{
			WriteTimeout: s.cfg.Server.WriteTimeout,
			InboundRate:  s.cfg.Server.InboundRate,
			InboundBurst: s.cfg.Server.InboundBurst,
		})
		if err := s.registry.Register(client); err != nil {
			logger.Error().Err(err).Str("connection_id", connectionID).Msg("register failed")
			conn.Close()
			return
		}
		client.ReadPump(s.registry)
	})
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first, _, _ := bytes.Cut(xff, []byte(","))
		if hop := strings.TrimSpace(string(first)); hop != "" {
			return hop
		}
	}
	return ctx.RemoteIP().String()
}
