// Package launcher writes a composed script into a private per-run
// directory, runs it with the script interpreter and removes it again.
//
// The script body holds the plaintext password, so it only exists on disk
// between the write and the interpreter's exit, in a directory readable by
// the invoking user alone.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/vaultlaunch/internal/sandbox"
	"github.com/jkaninda/vaultlaunch/internal/script"
)

var (
	// ErrPolicy is returned when the execution policy step fails. Nothing
	// has been written to disk at that point.
	ErrPolicy = errors.New("execution policy step failed")
	// ErrWrite is returned when the script cannot be written.
	ErrWrite = errors.New("writing script failed")
	// ErrLaunch is returned when the interpreter cannot be run at all.
	// A script that runs and exits nonzero is an Outcome, not an error.
	ErrLaunch = errors.New("running script failed")
)

// StepError describes a failed launcher step.
type StepError struct {
	Kind        error
	Step        string
	ExitCode    int
	Diagnostics string
	Err         error
}

func (e *StepError) Error() string {
	msg := e.Kind.Error() + ": " + e.Step
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else {
		msg += fmt.Sprintf(" exited with status %d", e.ExitCode)
	}
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Options configures the interpreter invocation.
type Options struct {
	Interpreter     string        // Default: "powershell".
	ExecutionPolicy string        // Passed as -ExecutionPolicy. Default: "RemoteSigned".
	PolicyCommand   string        // Run before writing the script. Empty = skip.
	SettleDelay     time.Duration // Pause between write and execution.
	Timeout         time.Duration // Per interpreter call. Zero = sandbox default.
	BaseDir         string        // Parent of the per-run directory. Default: os.TempDir().
}

// Outcome is the result of running a script.
type Outcome struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Diagnostics returns the interpreter's error output, falling back to
// stdout when stderr is empty.
func (o *Outcome) Diagnostics() string {
	if s := strings.TrimSpace(o.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(o.Stdout)
}

// Launcher runs composed scripts.
type Launcher struct {
	sbx    sandbox.Sandbox
	opts   Options
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Launcher that runs the interpreter through sbx.
func New(sbx sandbox.Sandbox, opts Options, logger *slog.Logger) *Launcher {
	if opts.Interpreter == "" {
		opts.Interpreter = "powershell"
	}
	if opts.ExecutionPolicy == "" {
		opts.ExecutionPolicy = "RemoteSigned"
	}
	return &Launcher{sbx: sbx, opts: opts, logger: logger, sleep: sleepContext}
}

// Launch runs s and reports how the interpreter exited. The script file is
// removed before Launch returns, on every path.
func (l *Launcher) Launch(ctx context.Context, s script.Script) (*Outcome, error) {
	if err := l.ensurePolicy(ctx); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(l.opts.BaseDir, "vaultlaunch-*")
	if err != nil {
		return nil, &StepError{Kind: ErrWrite, Step: "create run directory", Err: err}
	}
	defer l.cleanup(dir)

	// MkdirTemp already uses 0700; be explicit in case of an odd umask or platform.
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, &StepError{Kind: ErrWrite, Step: "restrict run directory", Err: err}
	}

	name := s.Name
	if name == "" {
		name = script.FileName
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := writeScript(path, s.Bytes()); err != nil {
		return nil, &StepError{Kind: ErrWrite, Step: "write " + filepath.Base(path), Err: err}
	}
	l.logger.DebugContext(ctx, "script written", slog.String("dir", dir))

	if err := l.sleep(ctx, l.opts.SettleDelay); err != nil {
		return nil, &StepError{Kind: ErrLaunch, Step: "settle", Err: err}
	}

	result, err := l.sbx.Execute(ctx, sandbox.ExecutionRequest{
		Command: []string{
			l.opts.Interpreter, "-NoProfile", "-NonInteractive",
			"-ExecutionPolicy", l.opts.ExecutionPolicy,
			"-File", path,
		},
		WorkingDir: dir,
		Timeout:    l.opts.Timeout,
	})
	if err != nil {
		return nil, &StepError{Kind: ErrLaunch, Step: l.opts.Interpreter + " -File", Err: err}
	}

	outcome := &Outcome{
		Success:  result.Success(),
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Duration: result.Duration,
	}
	l.logger.InfoContext(ctx, "script finished",
		slog.String("kind", string(s.Kind)),
		slog.Bool("success", outcome.Success),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Duration("duration", outcome.Duration),
	)
	return outcome, nil
}

// ensurePolicy makes sure the interpreter will run a locally written script.
func (l *Launcher) ensurePolicy(ctx context.Context) error {
	if l.opts.PolicyCommand == "" {
		return nil
	}
	step := l.opts.Interpreter + " -Command"
	result, err := l.sbx.Execute(ctx, sandbox.ExecutionRequest{
		Command: []string{l.opts.Interpreter, "-NoProfile", "-NonInteractive", "-Command", l.opts.PolicyCommand},
		Timeout: l.opts.Timeout,
	})
	if err != nil {
		return &StepError{Kind: ErrPolicy, Step: step, Err: err}
	}
	if !result.Success() {
		return &StepError{
			Kind:        ErrPolicy,
			Step:        step,
			ExitCode:    result.ExitCode,
			Diagnostics: strings.TrimSpace(result.Stderr),
		}
	}
	return nil
}

func (l *Launcher) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		l.logger.Error("failed to remove script directory; it contains a plaintext password",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

func writeScript(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
