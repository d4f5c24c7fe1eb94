package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rubycave-project/rubycave/internal/config"
)

func setupCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively write config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configDir)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, os.Stdin, os.Stdout)
		},
	}
}
