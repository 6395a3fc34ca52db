package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/orchestra-mcp/realtime/src/client"
	"github.com/orchestra-mcp/realtime/src/logging"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/spf13/cobra"
)

var (
	listenURL   string
	listenUser  string
	listenTab   string
	listenToken string
)

func init() {
	listenCmd.Flags().StringVar(&listenURL, "url", "ws://localhost:8080/ws", "server websocket endpoint")
	listenCmd.Flags().StringVarP(&listenUser, "user", "u", "", "user id")
	listenCmd.Flags().StringVar(&listenTab, "tab", "cli", "tab id")
	listenCmd.Flags().StringVar(&listenToken, "token", "", "handshake token")
	listenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(listenCmd)
}

// listenCmd connects as a user and prints every delivered message, riding
// out server restarts with the client's reconnect policy.
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect as a user and print delivered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log)

		c := client.New(client.Config{
			UserID:            listenUser,
			TabID:             listenTab,
			HeartbeatInterval: cfg.Heartbeat.Interval,
			ReconnectEnabled:  cfg.Reconnect.Enabled,
			MaxAttempts:       cfg.Reconnect.MaxAttempts,
			BaseDelay:         cfg.Reconnect.BaseDelay,
			MaxDelay:          cfg.Reconnect.MaxDelay,
			AuthTimeout:       cfg.Auth.Timeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			AutoAck:           true,
		}, nil, logger)

		out := cmd.OutOrStdout()
		c.OnMessage(func(m types.Message) {
			if m.Type == types.TypeHeartbeat {
				return
			}
			line, err := json.Marshal(m)
			if err != nil {
				return
			}
			fmt.Fprintln(out, string(line))
		})
		done := make(chan string, 1)
		c.OnDisconnect(func(reason string) {
			if reason == client.ReasonReconnectFailed || reason == client.ReasonClientClosed {
				select {
				case done <- reason:
				default:
				}
			}
		})
		c.OnStateChange(func(from, to client.State) {
			logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state")
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := c.Connect(ctx, listenURL, listenToken); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			c.Disconnect()
			return nil
		case reason := <-done:
			return fmt.Errorf("connection ended: %s", reason)
		}
	},
}
