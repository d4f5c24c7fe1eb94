// Package cli implements the interactive operator console of the RubyCave
// server.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/db"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/game"
)

// ErrQuit is returned by Start when the operator typed quit.
var ErrQuit = errors.New("quit requested from console")

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	world    *game.World
	sessions *db.SessionStore

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// sessions may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, world *game.World,
	sessions *db.SessionStore, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		world:    world,
		sessions: sessions,
		in:       in,
		out:      out,
	}
}

// Start reads commands until ctx is cancelled, input ends or the operator
// quits. Quitting returns ErrQuit.
func (c *CLI) Start(ctx context.Context) error {
	fmt.Fprintln(c.out, "\nRubyCave console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("console input failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return err
				}
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single console line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(args)
	case "kick":
		return c.cmdKick(ctx, args)
	case "tp", "teleport":
		return c.cmdTeleport(ctx, args)
	case "sessions":
		return c.cmdSessions(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down RubyCave...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return ErrQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status [player]              Show online players or one player's details
  kick <player> [message]      Kick a player
  tp <player> <x> <y> <z>      Teleport a player
  sessions [player] [limit]    Show finished sessions
  quit                         Stop the server
  help                         Show this help message`)
}

func (c *CLI) printStatus(args []string) error {
	if len(args) > 0 {
		info, ok := c.world.Player(args[0])
		if !ok {
			return fmt.Errorf("player %s is not online", args[0])
		}
		c.printPlayerDetail(info)
		return nil
	}

	players := c.world.Players()
	server := c.cfg.GetServer()
	fmt.Fprintf(c.out, "\n%s: %d/%d players online\n", server.Name, len(players), server.MaxConnections)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Player", "Remote", "Position", "Latency", "Online"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, p := range players {
		tw.Append([]string{
			p.Username,
			p.Remote,
			formatPosition(p.Position),
			p.Latency.Round(time.Millisecond).String(),
			time.Since(p.JoinedAt).Round(time.Second).String(),
		})
	}

	tw.Render()
	return nil
}

func (c *CLI) printPlayerDetail(info game.PlayerInfo) {
	fmt.Fprintf(c.out, "\n  Player:     %s\n", info.Username)
	fmt.Fprintf(c.out, "  Session:    %s\n", info.SessionID)
	fmt.Fprintf(c.out, "  Remote:     %s\n", info.Remote)
	fmt.Fprintf(c.out, "  Joined:     %s\n", info.JoinedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Keep-alive: %s\n", info.LastKeepAlive.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Latency:    %s\n", info.Latency)
	fmt.Fprintf(c.out, "  Position:   %s\n\n", formatPosition(info.Position))
}

func (c *CLI) cmdKick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <player> [message]")
	}

	message := "kicked by an operator"
	if len(args) > 1 {
		message = strings.Join(args[1:], " ")
	}
	if err := c.world.Kick(ctx, args[0], message); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Kicked %s: %s\n", args[0], message)
	return nil
}

func (c *CLI) cmdTeleport(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: tp <player> <x> <y> <z>")
	}

	var coords [3]float32
	for i, arg := range args[1:] {
		v, err := strconv.ParseFloat(arg, 32)
		if err != nil {
			return fmt.Errorf("invalid coordinate: %s", arg)
		}
		coords[i] = float32(v)
	}

	pos := game.Position{X: coords[0], Y: coords[1], Z: coords[2]}
	if err := c.world.Teleport(ctx, args[0], pos); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Teleported %s to %s\n", args[0], formatPosition(pos))
	return nil
}

func (c *CLI) cmdSessions(ctx context.Context, args []string) error {
	if c.sessions == nil {
		return fmt.Errorf("session history is disabled")
	}

	var (
		username string
		limit    = 10
	)
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			if n < 1 {
				return fmt.Errorf("invalid limit: %s", arg)
			}
			limit = n
			continue
		}
		username = arg
	}

	sessions, err := c.sessions.Recent(ctx, username, limit)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Player", "Remote", "Joined", "Duration", "Reason"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range sessions {
		reason := s.Reason
		if s.Detail != "" {
			reason += " (" + s.Detail + ")"
		}
		tw.Append([]string{
			s.Username,
			s.Remote,
			s.JoinedAt.Format("2006-01-02 15:04:05"),
			s.Duration.Round(time.Second).String(),
			reason,
		})
	}

	tw.Render()
	return nil
}

func formatPosition(p game.Position) string {
	return fmt.Sprintf("%.1f, %.1f, %.1f", p.X, p.Y, p.Z)
}
