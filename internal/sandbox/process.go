package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

const (
	// defaultMaxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 2 * time.Minute

	// waitDelay bounds how long Wait blocks on pipes held open by orphaned
	// grandchildren after the child itself has exited or been killed.
	waitDelay = 2 * time.Second
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	// PassEnv names the parent variables a child may inherit. Anything not
	// listed here is dropped, including a BW_SESSION the user exported.
	PassEnv        []string
	MaxOutputBytes int
}

// ProcessSandbox executes commands as OS processes.
//
// Guarantees:
//   - Each execution without a WorkingDir gets its own temp directory (removed after)
//   - No blanket environment inheritance, only the allowlisted variables
//   - On unix the child runs in its own process group, killed as a whole on timeout
//   - stdout/stderr capped to prevent OOM
type ProcessSandbox struct {
	defaultTimeout time.Duration
	passEnv        []string
	maxOutput      int
	logger         *slog.Logger

	lookupEnv func(string) (string, bool)
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput == 0 {
		maxOutput = defaultMaxOutputBytes
	}
	return &ProcessSandbox{
		defaultTimeout: timeout,
		passEnv:        cfg.PassEnv,
		maxOutput:      maxOutput,
		logger:         logger,
		lookupEnv:      os.LookupEnv,
	}
}

// Execute runs a command and reports its exit status, output and duration.
// A nonzero exit is a result, not an error.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Working directory: caller's override or an isolated temp dir.
	dir := req.WorkingDir
	if dir == "" {
		tmpDir, err := os.MkdirTemp("", "vaultlaunch-exec-*")
		if err != nil {
			return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
		}
		defer func() {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				s.logger.Warn("failed to remove sandbox temp dir",
					slog.String("dir", tmpDir),
					slog.String("error", rmErr.Error()),
				)
			}
		}()
		dir = tmpDir
	}

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	// 3. Process isolation; platform specific.
	configureProcess(cmd)

	// 4. Sanitized environment.
	cmd.Env = s.buildEnv(dir, req.Env)

	// 5. Wire stdin and capped stdout/stderr.
	if req.Stdin != nil {
		cmd.Stdin = req.Stdin
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: s.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: s.maxOutput}

	s.logger.Debug("sandbox executing",
		slog.String("program", filepath.Base(req.Command[0])),
		slog.Any("args", req.Command[1:]),
		slog.String("dir", cmd.Dir),
		slog.Any("env_keys", envKeys(req.Env)),
		slog.Bool("stdin", req.Stdin != nil),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// 6. Interpret the result.
	exitCode := 0
	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("sandbox execution timed out",
				slog.String("program", filepath.Base(req.Command[0])),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	s.logger.Debug("sandbox execution completed",
		slog.String("program", filepath.Base(req.Command[0])),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildEnv constructs the child environment: a minimal base, the allowlisted
// parent variables, then the per-request extras. Later layers win.
func (s *ProcessSandbox) buildEnv(dir string, extra map[string]string) []string {
	vars := map[string]string{
		"PATH":   "/usr/local/bin:/usr/bin:/bin",
		"HOME":   dir,
		"TMPDIR": dir,
		"LANG":   "en_US.UTF-8",
		"TERM":   "dumb",
	}
	for _, name := range s.passEnv {
		if v, ok := s.lookupEnv(name); ok {
			vars[name] = v
		}
	}
	for k, v := range extra {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for _, k := range sortedKeys(vars) {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func envKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	return sortedKeys(m)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
