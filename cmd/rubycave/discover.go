package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/network"
)

func discoverCmd(configDir *string) *cobra.Command {
	var (
		target string
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find servers on the local network",
		Long: `Broadcast a discovery probe and list the servers that answer.

Examples:
  rubycave discover
  rubycave discover --target=192.168.1.20:1615 --wait=500ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(*configDir, target, wait)
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Probe address (default broadcast on the discovery port)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "How long to collect replies")

	return cmd
}

func runDiscover(configDir, target string, wait time.Duration) error {
	if target == "" {
		cfg, err := config.Load(configDir)
		if err != nil {
			return err
		}
		target = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(cfg.GetDiscovery().Port))
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait+time.Second)
	defer cancel()

	servers, err := network.Discover(ctx, target, wait)
	if err != nil {
		return err
	}

	if len(servers) == 0 {
		fmt.Println("No servers found.")
		return nil
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Name", "Address", "Version", "Players"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range servers {
		tw.Append([]string{s.Name, s.GameAddr(), s.Version, strconv.Itoa(s.Players)})
	}
	tw.Render()
	return nil
}
