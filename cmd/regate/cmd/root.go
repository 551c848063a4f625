package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "regate",
	Short: "regate is a re-authentication gate for sensitive routes",
	Long: `A re-authentication gate: sessions must re-prove their password within a
freshness window before reaching sensitive routes, and failed attempts are
throttled with a lockout.
Complete documentation is available at https://github.com/jmcleod/regate`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
