// RubyCave - block world game server and headless client.
//
// The server accepts TCP connections speaking the RubyCave protocol, sends
// joining players the flat spawn area, answers LAN discovery probes, exposes
// an admin REST API and publishes telemetry via MQTT. The client joins a
// server and keeps the session alive.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rubycave-project/rubycave/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
  ____        _            ____
 |  _ \ _   _| |__  _   _ / ___|__ ___   _____
 | |_) | | | | '_ \| | | | |   / _' \ \ / / _ \
 |  _ <| |_| | |_) | |_| | |__| (_| |\ V /  __/
 |_| \_\\__,_|_.__/ \__, |\____\__,_| \_/ \___|
                    |___/  %s
`

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:   "rubycave",
		Short: "RubyCave game server and client",
		Long: `RubyCave runs the block world game server, a headless client that
joins a server and keeps its session alive, and a LAN discovery probe.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir, "Configuration directory")

	rootCmd.AddCommand(
		serverCmd(&configDir),
		clientCmd(&configDir),
		discoverCmd(&configDir),
		setupCmd(&configDir),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Printf(banner, version)
	fmt.Println()
}
