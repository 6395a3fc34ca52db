// Command realtimed runs the realtime delivery server and a few operator
// helpers around it.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "realtimed",
	Short: "Real-time connection and notification delivery server",
	Long: `realtimed keeps WebSocket connections to browser tabs, delivers
notifications and messages to them, and holds messages for users who are
offline until they reconnect.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
}

// loadConfig reads .env when present, then the config file and environment.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
