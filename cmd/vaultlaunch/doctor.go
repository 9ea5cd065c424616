package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vaultlaunch/internal/config"
	"github.com/jkaninda/vaultlaunch/internal/observability"
	"github.com/jkaninda/vaultlaunch/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the vault CLI, the interpreter and the history store are usable",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	ctx := context.Background()

	checker := observability.NewHealthChecker(logger)
	registerChecks(checker, cfg)

	status := checker.CheckReady(ctx)
	out := cmd.OutOrStdout()
	for _, c := range status.Checks {
		if c.Message != "" {
			fmt.Fprintf(out, "%-4s %s: %s\n", c.Status, c.Name, c.Message)
			continue
		}
		fmt.Fprintf(out, "%-4s %s\n", c.Status, c.Name)
	}
	if !status.OK() {
		return &exitError{code: 1, msg: "one or more checks failed"}
	}
	return nil
}

func registerChecks(checker *observability.HealthChecker, cfg *config.Config) {
	checker.AddCheck("vault binary ("+cfg.Vault.Binary+")", lookPath(cfg.Vault.Binary))
	checker.AddCheck("interpreter ("+cfg.Launcher.Interpreter+")", lookPath(cfg.Launcher.Interpreter))
	checker.AddCheck("history store ("+cfg.StorageDriverName()+")", func(ctx context.Context) error {
		store, err := initStore(ctx, cfg, newLogger(config.LogConfig{Level: "error"}, os.Stderr))
		if err != nil {
			return err
		}
		defer store.Close()
		if store.Driver() == storage.DriverNone {
			return nil
		}
		_, err = store.List(ctx, 1)
		return err
	})
}

func lookPath(program string) func(context.Context) error {
	return func(context.Context) error {
		_, err := exec.LookPath(program)
		return err
	}
}
