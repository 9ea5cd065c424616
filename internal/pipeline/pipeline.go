// Package pipeline runs one launch: vault sync and unlock, secret
// resolution, script composition and the session launch. Every stage runs
// sequentially on the caller's goroutine; the session token and resolved
// credentials never leave it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/vaultlaunch/internal/launcher"
	"github.com/jkaninda/vaultlaunch/internal/observability"
	"github.com/jkaninda/vaultlaunch/internal/prompt"
	"github.com/jkaninda/vaultlaunch/internal/script"
	"github.com/jkaninda/vaultlaunch/internal/storage"
	"github.com/jkaninda/vaultlaunch/internal/vault"
)

// Stage names a pipeline step. Used in errors, metrics, spans and history.
type Stage string

const (
	StageRequest    Stage = "request"
	StageSync       Stage = "sync"
	StagePassphrase Stage = "passphrase"
	StageUnlock     Stage = "unlock"
	StageResolve    Stage = "resolve"
	StageCompose    Stage = "compose"
	StageLaunch     Stage = "launch"
)

var (
	// ErrFieldMissing is returned when a required login field is absent.
	ErrFieldMissing = errors.New("required field missing")
	// ErrInvalidRequest is returned for an empty item id or unknown target.
	ErrInvalidRequest = errors.New("invalid request")
)

// StageError wraps a fatal error with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Vault is the session half of the vault backend.
type Vault interface {
	Sync(ctx context.Context) error
	Unlock(ctx context.Context, passphrase []byte) (vault.Token, error)
}

// SecretResolver resolves one field of a vault item.
type SecretResolver interface {
	ResolveField(ctx context.Context, itemID string, role vault.FieldRole, token vault.Token) (string, bool, error)
}

// ScriptComposer renders the session script.
type ScriptComposer interface {
	Compose(target script.Target) script.Script
}

// SessionLauncher runs the rendered script.
type SessionLauncher interface {
	Launch(ctx context.Context, s script.Script) (*launcher.Outcome, error)
}

// PassphraseFunc returns the master passphrase. The pipeline zeroes the
// returned slice once the vault is unlocked.
type PassphraseFunc func() ([]byte, error)

// Deps are the collaborators of a Pipeline. History, Metrics and Tracer
// are optional.
type Deps struct {
	Vault      Vault
	Resolver   SecretResolver
	Composer   ScriptComposer
	Launcher   SessionLauncher
	Passphrase PassphraseFunc

	History storage.HistoryStore
	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
}

// Options tunes field resolution.
type Options struct {
	SkipSync    bool
	DefaultHost string // Used when the item has no URI. Default: "localhost".
	DomainField string // Custom field holding the logon domain. Empty = unused.
}

// Request selects what to launch.
type Request struct {
	Target script.Kind
	ItemID string
}

// Result describes a completed launch. It carries no secret material.
type Result struct {
	RunID    uuid.UUID
	Target   script.Kind
	Host     string
	Username string
	Outcome  *launcher.Outcome
}

// Pipeline wires the launch stages together.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, opts Options, logger *slog.Logger) *Pipeline {
	if deps.History == nil {
		deps.History = storage.NopStore{}
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.DefaultHost == "" {
		opts.DefaultHost = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger, now: time.Now}
}

// run is the per-invocation state shared by the stages.
type run struct {
	rec    *storage.LaunchRecord
	logger *slog.Logger
	token  vault.Token
	creds  script.Credentials
	host   string
}

// Run executes one launch. A script that runs but exits nonzero is not an
// error: Result.Outcome.Success reports it. Every other failure is a
// *StageError.
func (p *Pipeline) Run(ctx context.Context, req Request) (res *Result, err error) {
	r := &run{
		rec: &storage.LaunchRecord{
			RunID:     uuid.New(),
			Target:    string(req.Target),
			ItemID:    req.ItemID,
			StartedAt: p.now().UTC(),
		},
	}
	r.logger = p.logger.With(
		slog.String("run_id", r.rec.RunID.String()),
		slog.String("target", string(req.Target)),
		slog.String("item", req.ItemID),
	)

	ctx, span := p.deps.Tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("launch.target", string(req.Target)),
			attribute.String("launch.run_id", r.rec.RunID.String()),
		))
	defer func() {
		p.finish(ctx, r)
		observability.EndSpan(span, err)
	}()

	if err := validate(req); err != nil {
		return nil, p.fail(r, StageRequest, err)
	}

	if !p.opts.SkipSync {
		if err := p.stage(ctx, r, StageSync, p.deps.Vault.Sync); err != nil {
			r.logger.Warn("vault sync failed, continuing with local state", slog.String("error", err.Error()))
		}
	}

	if err := p.stage(ctx, r, StageUnlock, func(ctx context.Context) error {
		return p.unlock(ctx, r)
	}); err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, p.fail(r, StageUnlock, err)
	}

	if err := p.stage(ctx, r, StageResolve, func(ctx context.Context) error {
		return p.resolve(ctx, r, req.ItemID)
	}); err != nil {
		return nil, p.fail(r, StageResolve, err)
	}
	r.rec.Host = r.host
	r.rec.Username = r.creds.Username

	var s script.Script
	_ = p.stage(ctx, r, StageCompose, func(context.Context) error {
		s = p.deps.Composer.Compose(script.Target{Kind: req.Target, Host: r.host, Credentials: r.creds})
		return nil
	})
	r.creds = script.Credentials{}

	var outcome *launcher.Outcome
	if err := p.stage(ctx, r, StageLaunch, func(ctx context.Context) error {
		var lerr error
		outcome, lerr = p.deps.Launcher.Launch(ctx, s)
		return lerr
	}); err != nil {
		return nil, p.fail(r, StageLaunch, err)
	}

	r.rec.Stage = string(StageLaunch)
	r.rec.ExitCode = outcome.ExitCode
	if outcome.Success {
		r.rec.Status = storage.StatusSuccess
		r.logger.Info("session launched",
			slog.String("username", r.rec.Username),
			slog.String("host", r.rec.Host),
			slog.Duration("duration", outcome.Duration),
		)
	} else {
		r.rec.Status = storage.StatusFailure
		r.rec.Error = fmt.Sprintf("script exited with code %d", outcome.ExitCode)
		r.logger.Warn("session script failed",
			slog.Int("exit_code", outcome.ExitCode),
			slog.String("diagnostics", outcome.Diagnostics()),
		)
	}

	return &Result{
		RunID:    r.rec.RunID,
		Target:   req.Target,
		Host:     r.rec.Host,
		Username: r.rec.Username,
		Outcome:  outcome,
	}, nil
}

func validate(req Request) error {
	if req.ItemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidRequest)
	}
	if _, err := script.ParseKind(string(req.Target)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// unlock reads the passphrase and trades it for a session token. The
// passphrase is zeroed before returning on every path.
func (p *Pipeline) unlock(ctx context.Context, r *run) error {
	passphrase, err := p.deps.Passphrase()
	defer prompt.Zero(passphrase)
	if err != nil {
		return p.fail(r, StagePassphrase, err)
	}
	token, err := p.deps.Vault.Unlock(ctx, passphrase)
	if err != nil {
		return err
	}
	r.token = token
	return nil
}

// resolve fetches username, password, host and the optional domain. Each
// field is its own vault fetch.
func (p *Pipeline) resolve(ctx context.Context, r *run, itemID string) error {
	username, err := p.required(ctx, r, itemID, vault.Username)
	if err != nil {
		return err
	}
	password, err := p.required(ctx, r, itemID, vault.Password)
	if err != nil {
		return err
	}

	host, ok, err := p.deps.Resolver.ResolveField(ctx, itemID, vault.URI, r.token)
	if err != nil {
		return err
	}
	if !ok {
		host = p.opts.DefaultHost
		r.logger.Info("item has no uri, using default host", slog.String("host", host))
	}

	if p.opts.DomainField != "" {
		domain, ok, err := p.deps.Resolver.ResolveField(ctx, itemID, vault.Custom(p.opts.DomainField), r.token)
		if err != nil {
			return err
		}
		if ok && domain != "" {
			username = domain + `\` + username
		}
	}

	r.creds = script.Credentials{Username: username, Password: password}
	r.host = host
	return nil
}

func (p *Pipeline) required(ctx context.Context, r *run, itemID string, role vault.FieldRole) (string, error) {
	value, ok, err := p.deps.Resolver.ResolveField(ctx, itemID, role, r.token)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFieldMissing, role)
	}
	return value, nil
}

// stage runs fn under a span and records its duration and status.
func (p *Pipeline) stage(ctx context.Context, r *run, name Stage, fn func(context.Context) error) error {
	r.rec.Stage = string(name)
	ctx, span := p.deps.Tracer.Start(ctx, "pipeline."+string(name))
	start := time.Now()
	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"
	}
	p.deps.Metrics.ObserveStage(string(name), status, time.Since(start))
	observability.EndSpan(span, err)

	r.logger.Debug("stage finished", slog.String("stage", string(name)), slog.String("status", status))
	return err
}

func (p *Pipeline) fail(r *run, stage Stage, err error) error {
	r.rec.Stage = string(stage)
	r.rec.Status = storage.StatusError
	r.rec.Error = err.Error()
	return &StageError{Stage: stage, Err: err}
}

// finish writes the history record and the launch counter. History is
// best effort: a failure to record never changes the run's result.
func (p *Pipeline) finish(ctx context.Context, r *run) {
	r.token = vault.Token{}
	r.creds = script.Credentials{}
	r.rec.Duration = p.now().UTC().Sub(r.rec.StartedAt)
	if r.rec.Status == "" {
		r.rec.Status = storage.StatusError
	}

	p.deps.Metrics.ObserveLaunch(r.rec.Target, r.rec.Status)

	if herr := p.deps.History.Record(context.WithoutCancel(ctx), r.rec); herr != nil {
		r.logger.Warn("recording launch history failed", slog.String("error", herr.Error()))
	}
}
