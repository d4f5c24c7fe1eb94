package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxSetupAttempts = 3

// RunSetupWizard prompts for the main settings on in and saves the result.
// An empty answer keeps the current value.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	w := &wizard{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "RubyCave setup")
	fmt.Fprintln(out, "Press enter to keep the value in brackets.")

	for attempt := 1; ; attempt++ {
		w.prompts(cfg)

		result := Validate(cfg)
		if result.IsValid() {
			for _, warn := range result.Warnings {
				log.Warn().Str("field", warn.Field).Msg(warn.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt == maxSetupAttempts || !w.askBool("Try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func (w *wizard) prompts(cfg *Config) {
	fmt.Fprintln(w.out, "\n-- Game server --")
	cfg.Server.Name = w.askString("Server name", cfg.Server.Name)
	cfg.Server.Port = w.askInt("Game port", cfg.Server.Port)
	cfg.Server.MaxConnections = w.askInt("Max connections", cfg.Server.MaxConnections)
	cfg.Server.ViewDistance = w.askInt("View distance (chunks)", cfg.Server.ViewDistance)

	fmt.Fprintln(w.out, "\n-- Admin API --")
	cfg.API.Enabled = w.askBool("Enable admin API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = w.askInt("API port", cfg.API.Port)
		if cfg.API.AuthToken == "" {
			cfg.API.AuthToken = uuid.NewString()
		}
		cfg.API.AuthToken = w.askString("API token", cfg.API.AuthToken)
	}

	fmt.Fprintln(w.out, "\n-- LAN discovery --")
	cfg.Discovery.Enabled = w.askBool("Answer discovery probes", cfg.Discovery.Enabled)

	fmt.Fprintln(w.out, "\n-- MQTT telemetry --")
	cfg.MQTT.Enabled = w.askBool("Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = w.askString("Broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = w.askInt("Broker port", cfg.MQTT.Port)
		cfg.MQTT.UseTLS = w.askBool("Use TLS", cfg.MQTT.UseTLS)
	}
}

func (w *wizard) readLine() string {
	input, _ := w.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (w *wizard) askString(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	if input := w.readLine(); input != "" {
		return input
	}
	return defaultVal
}

func (w *wizard) askInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) askBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	switch strings.ToLower(w.readLine()) {
	case "":
		return defaultVal
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}
