// vaultlaunch: start RDP and PuTTY sessions with credentials pulled from a
// Bitwarden vault.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/vaultlaunch/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vaultlaunch",
	Short: "vaultlaunch: open remote sessions with credentials from a Bitwarden vault.",
	Long: `vaultlaunch unlocks a Bitwarden vault through the bw CLI, resolves the
username, password and host of a login item, and starts an RDP or PuTTY
session through a generated PowerShell script. Secrets never appear on a
command line or in the logs.`,
	RunE:          runLaunch, // Default to launch.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(launchCmd, historyCmd, doctorCmd, versionCmd)
	_ = godotenv.Load()
}

// exitError ends the process with a specific code after deferred cleanup ran.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
