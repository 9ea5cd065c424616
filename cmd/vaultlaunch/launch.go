package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vaultlaunch/internal/launcher"
	"github.com/jkaninda/vaultlaunch/internal/pipeline"
	"github.com/jkaninda/vaultlaunch/internal/prompt"
	"github.com/jkaninda/vaultlaunch/internal/script"
	"github.com/jkaninda/vaultlaunch/internal/vault"
)

var (
	launchTarget string
	launchItem   string
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Unlock the vault and start a remote session",
	Example: `  vaultlaunch launch -t rdp -e 6f1c2a9e-...
  vaultlaunch -t mputty -e jump-host`,
	RunE: runLaunch,
}

func init() {
	// Register flags on both root and launch so that
	// `vaultlaunch -t rdp -e id` and `vaultlaunch launch -t rdp -e id` both work.
	for _, cmd := range []*cobra.Command{rootCmd, launchCmd} {
		cmd.Flags().StringVarP(&launchTarget, "target", "t", "", "session kind: rdp or mputty")
		cmd.Flags().StringVarP(&launchItem, "secret", "e", "", "vault item id holding the login")
		_ = cmd.MarkFlagRequired("target")
		_ = cmd.MarkFlagRequired("secret")
	}
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	kind, err := script.ParseKind(launchTarget)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	vaultOpts := vault.Options{
		Binary:     cfg.Vault.Binary,
		SessionEnv: cfg.Vault.SessionEnv,
		Timeout:    cfg.Timeouts.VaultTimeout(),
	}
	passphrase := prompt.New(os.Stdin, os.Stderr, "Master password: ")

	p := pipeline.New(pipeline.Deps{
		Vault:    vault.NewSession(sc.Sandbox, vaultOpts, logger),
		Resolver: vault.NewResolver(sc.Sandbox, vaultOpts, logger),
		Composer: script.NewComposer(cfg.Launcher.Clients),
		Launcher: launcher.New(sc.Sandbox, launcher.Options{
			Interpreter:     cfg.Launcher.Interpreter,
			ExecutionPolicy: cfg.Launcher.ExecutionPolicy,
			PolicyCommand:   cfg.Launcher.Policy(),
			SettleDelay:     cfg.Launcher.SettleDelay(),
			Timeout:         cfg.Timeouts.LaunchTimeout(),
		}, logger),
		Passphrase: passphrase.ReadPassphrase,
		History:    sc.Store,
		Metrics:    sc.Obs.MetricsOrNil(),
		Tracer:     sc.Obs.TracerOrNil().Tracer(),
	}, pipeline.Options{
		SkipSync:    cfg.Vault.SkipSync,
		DefaultHost: cfg.Vault.DefaultHost,
		DomainField: cfg.Vault.DomainField,
	}, logger)

	res, err := p.Run(ctx, pipeline.Request{Target: kind, ItemID: launchItem})
	if err != nil {
		return err
	}

	return reportLaunch(cmd.OutOrStdout(), res, logger)
}

// reportLaunch prints the session details once the script succeeded. A
// failed run only reaches the debug log and ends with exit code 2.
func reportLaunch(out io.Writer, res *pipeline.Result, logger *slog.Logger) error {
	if !res.Outcome.Success {
		logger.Debug("launch finished with failure",
			slog.String("run_id", res.RunID.String()),
			slog.String("username", res.Username),
			slog.String("host", res.Host))
		msg := fmt.Sprintf("session script exited with code %d", res.Outcome.ExitCode)
		if diag := res.Outcome.Diagnostics(); diag != "" {
			msg += "\n" + diag
		}
		return &exitError{code: 2, msg: msg}
	}
	fmt.Fprintf(out, "Username: %s\n", res.Username)
	fmt.Fprintf(out, "Host: %s\n", res.Host)
	fmt.Fprintf(out, "Session started (%s).\n", res.Target)
	return nil
}
