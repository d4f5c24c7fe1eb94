package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetupWizardSaves(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	answers := strings.Join([]string{
		"Cave One", // server name
		"1700",     // game port
		"10",       // max connections
		"",         // view distance
		"",         // admin API stays enabled
		"",         // API port
		"letmein",  // API token
		"n",        // discovery
		"",         // MQTT stays disabled
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	if err := RunSetupWizard(cfg, strings.NewReader(answers), out); err != nil {
		t.Fatalf("RunSetupWizard() error = %v\n%s", err, out.String())
	}

	saved, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	type summary struct {
		Name      string
		Port      int
		MaxConns  int
		View      int
		APIPort   int
		Token     string
		Discovery bool
		MQTT      bool
	}
	got := summary{
		saved.Server.Name, saved.Server.Port, saved.Server.MaxConnections, saved.Server.ViewDistance,
		saved.API.Port, saved.API.AuthToken, saved.Discovery.Enabled, saved.MQTT.Enabled,
	}
	want := summary{"Cave One", 1700, 10, 2, DefaultAPIPort, "letmein", false, false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("saved config mismatch (-want +got):\n%s", diff)
	}
}

func TestSetupWizardGeneratesToken(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Every answer empty: keep all defaults.
	if err := RunSetupWizard(cfg, strings.NewReader(""), &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	if len(cfg.API.AuthToken) != 36 {
		t.Errorf("AuthToken = %q, want a generated uuid", cfg.API.AuthToken)
	}
}

func TestSetupWizardGivesUp(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// An invalid game port, then decline to retry.
	answers := "\n0\n\n\n\n\n\n\n\nno\n"
	out := &bytes.Buffer{}
	if err := RunSetupWizard(cfg, strings.NewReader(answers), out); err == nil {
		t.Fatal("RunSetupWizard() saved an invalid configuration")
	}
	if !strings.Contains(out.String(), "[server.port]") {
		t.Errorf("errors not reported:\n%s", out.String())
	}
}
