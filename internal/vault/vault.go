// Package vault drives the Bitwarden CLI: it syncs and unlocks the vault
// once per run and resolves item fields by semantic role.
//
// The master passphrase only ever travels over the child's stdin and the
// session token only through the child's environment. Neither is put in
// argv or logged.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/vaultlaunch/internal/sandbox"
)

var (
	// ErrSync is returned when "bw sync" fails. Callers treat it as non-fatal.
	ErrSync = errors.New("vault sync failed")
	// ErrUnlock is returned when the vault cannot be unlocked.
	ErrUnlock = errors.New("vault unlock failed")
	// ErrFetch is returned when an item cannot be fetched or parsed.
	ErrFetch = errors.New("vault item fetch failed")
	// ErrAlreadyUnlocked is returned by a second Unlock on the same Session.
	ErrAlreadyUnlocked = errors.New("vault already unlocked in this run")
)

// maxDiagnosticBytes bounds how much of the CLI's stderr is carried in errors.
const maxDiagnosticBytes = 4096

// CommandError describes a failed vault CLI invocation. Diagnostics holds the
// CLI's stderr; it never contains the passphrase or the session token.
type CommandError struct {
	Kind        error // ErrSync, ErrUnlock or ErrFetch.
	Op          string
	ExitCode    int
	Diagnostics string
	Err         error // Underlying failure when the process could not run or its output was unusable.
}

func (e *CommandError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	b.WriteString(": ")
	b.WriteString(e.Op)
	switch {
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	}
	if e.Diagnostics != "" {
		b.WriteString(": ")
		b.WriteString(e.Diagnostics)
	}
	return b.String()
}

func (e *CommandError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Options configures how the vault CLI is invoked.
type Options struct {
	Binary     string        // Default: "bw".
	SessionEnv string        // Default: "BW_SESSION".
	Timeout    time.Duration // Per call. Zero = sandbox default.
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "bw"
	}
	if o.SessionEnv == "" {
		o.SessionEnv = "BW_SESSION"
	}
	return o
}

// client is the shared invocation path for Session and Resolver.
type client struct {
	sbx    sandbox.Sandbox
	opts   Options
	logger *slog.Logger
}

// run executes one vault CLI operation. The exit code is authoritative:
// stdout is only returned on success.
func (c *client) run(ctx context.Context, kind error, args []string, stdin io.Reader, env map[string]string) (string, error) {
	op := c.opts.Binary + " " + strings.Join(args, " ")
	result, err := c.sbx.Execute(ctx, sandbox.ExecutionRequest{
		Command: append([]string{c.opts.Binary}, args...),
		Stdin:   stdin,
		Env:     env,
		Timeout: c.opts.Timeout,
	})
	if err != nil {
		return "", &CommandError{Kind: kind, Op: op, ExitCode: -1, Err: err}
	}
	if !result.Success() {
		return "", &CommandError{
			Kind:        kind,
			Op:          op,
			ExitCode:    result.ExitCode,
			Diagnostics: diagnostics(result.Stderr),
		}
	}
	return result.Stdout, nil
}

func diagnostics(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > maxDiagnosticBytes {
		cut := maxDiagnosticBytes
		for cut > 0 && !utf8.RuneStart(stderr[cut]) {
			cut--
		}
		stderr = stderr[:cut] + "..."
	}
	return stderr
}

// Session owns the unlock handshake. A Session hands out at most one token.
type Session struct {
	client
	unlocked bool
}

// NewSession creates a Session that runs the vault CLI through sbx.
func NewSession(sbx sandbox.Sandbox, opts Options, logger *slog.Logger) *Session {
	return &Session{client: client{sbx: sbx, opts: opts.withDefaults(), logger: logger}}
}

// Sync asks the vault backend to reconcile local and remote state.
func (s *Session) Sync(ctx context.Context) error {
	if _, err := s.run(ctx, ErrSync, []string{"sync"}, nil, nil); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "vault synced")
	return nil
}

// Unlock sends the passphrase to "bw unlock --raw" over stdin and returns
// the session token printed on stdout. The caller owns (and should zero)
// the passphrase slice.
func (s *Session) Unlock(ctx context.Context, passphrase []byte) (Token, error) {
	if s.unlocked {
		return Token{}, ErrAlreadyUnlocked
	}
	out, err := s.run(ctx, ErrUnlock, []string{"unlock", "--raw"}, bytes.NewReader(passphrase), nil)
	if err != nil {
		return Token{}, err
	}
	token := NewToken(strings.TrimSpace(out))
	if token.IsZero() {
		return Token{}, &CommandError{
			Kind: ErrUnlock,
			Op:   s.opts.Binary + " unlock --raw",
			Err:  errors.New("empty session token on stdout"),
		}
	}
	s.unlocked = true
	s.logger.InfoContext(ctx, "vault unlocked", slog.Any("session", token))
	return token, nil
}
