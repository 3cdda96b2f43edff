// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Command tapestry runs the multi-agent orchestration core and its
// operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "tapestry",
	Short: "Tapestry - multi-agent mission orchestration",
	Long: heredoc.Doc(`
		Tapestry drives agent teams through workflow phases: patterns run
		the collaboration, gates decide advancement, adversarial review
		vets the output, and Darwin selection learns which teams win.

		Run "tapestry serve" to start the core, then submit missions with
		"tapestry submit" or on a cron schedule.
	`),
	Version:      version,
	SilenceUsage: true,
}

func main() {
	// A local .env is developer convenience, not configuration contract.
	_ = godotenv.Load()

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(approveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
