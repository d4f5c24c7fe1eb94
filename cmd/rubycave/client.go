package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rubycave-project/rubycave/internal/client"
	"github.com/rubycave-project/rubycave/internal/game"
	"github.com/rubycave-project/rubycave/internal/protocol"
)

func clientCmd(configDir *string) *cobra.Command {
	var (
		addr     string
		username string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Join a server with a headless client",
		Long: `Join a server, complete the handshake and keep the session alive
until interrupted or kicked. Without a username a random PlayerNNNN name is used.

Examples:
  rubycave client
  rubycave client --addr=192.168.1.20:1616 --username=Alex`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(*configDir, addr, username)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Server address (default from config.json)")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (default from config.json or random)")

	return cmd
}

func runClient(configDir, addr, username string) error {
	cfg, closeLog, err := loadConfig(configDir, "client")
	if err != nil {
		return err
	}
	defer closeLog()

	clientCfg := cfg.GetClient()
	if addr != "" {
		clientCfg.ServerAddress = addr
	}
	if username == "" {
		username = clientCfg.Username
	}
	if username == "" {
		username = game.RandomUsername()
	}
	if !protocol.ValidUsername(username) {
		return fmt.Errorf("invalid username %q", username)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validator, err := protocol.NewValidator(protocol.Version)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, clientCfg.HandshakeTimeout())
	c, err := client.Dial(dialCtx, clientCfg.ServerAddress, validator,
		client.WithQueueLimits(clientCfg.OutboundQueueLimit, clientCfg.InboundQueueLimit))
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	c.Start()

	shakeCtx, cancel := context.WithTimeout(ctx, clientCfg.HandshakeTimeout())
	err = c.Shake(shakeCtx, username)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", clientCfg.ServerAddress, err)
	}

	log.Info().
		Str("server", clientCfg.ServerAddress).
		Str("username", username).
		Msg("joined server")

	session := game.NewSession(c, clientCfg)
	err = session.Run(ctx)
	if errors.Is(err, game.ErrKicked) {
		log.Warn().Err(err).Msg("kicked from server")
		return nil
	}
	if err != nil {
		return err
	}

	log.Info().Msg("left server")
	return nil
}
