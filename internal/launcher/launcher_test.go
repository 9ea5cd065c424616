package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jkaninda/vaultlaunch/internal/sandbox"
	"github.com/jkaninda/vaultlaunch/internal/script"
)

// fakeSandbox records calls. For -File invocations it captures the script
// file's content and mode as they are at execution time.
type fakeSandbox struct {
	calls      [][]string
	policy     fakeResult
	run        fakeResult
	seenBody   []byte
	seenMode   os.FileMode
	seenDir    string
	seenDirErr error
}

type fakeResult struct {
	result *sandbox.ExecutionResult
	err    error
}

func (f *fakeSandbox) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.calls = append(f.calls, req.Command)
	if req.Command[len(req.Command)-2] == "-File" {
		path := req.Command[len(req.Command)-1]
		data, err := os.ReadFile(path)
		f.seenDirErr = err
		f.seenBody = data
		if info, err := os.Stat(path); err == nil {
			f.seenMode = info.Mode().Perm()
		}
		f.seenDir = req.WorkingDir
		return f.run.result, f.run.err
	}
	return f.policy.result, f.policy.err
}

func success() fakeResult {
	return fakeResult{result: &sandbox.ExecutionResult{Stdout: "CMDKEY: Credential added successfully."}}
}

func newTestLauncher(t *testing.T, sbx sandbox.Sandbox, opts Options) (*Launcher, *[]time.Duration) {
	t.Helper()
	if opts.BaseDir == "" {
		opts.BaseDir = t.TempDir()
	}
	l := New(sbx, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return l, &slept
}

func testScript() script.Script {
	return script.Script{Kind: script.KindRDP, Name: script.FileName, Body: "$Password = \"s3cret\"\n"}
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return entries
}

func TestLaunch_Success(t *testing.T) {
	base := t.TempDir()
	sbx := &fakeSandbox{policy: success(), run: success()}
	l, slept := newTestLauncher(t, sbx, Options{
		PolicyCommand: "Set-ExecutionPolicy RemoteSigned -Scope Process -Force",
		SettleDelay:   100 * time.Millisecond,
		BaseDir:       base,
	})

	outcome, err := l.Launch(context.Background(), testScript())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !outcome.Success {
		t.Errorf("outcome = %+v, want success", outcome)
	}
	if len(sbx.calls) != 2 {
		t.Fatalf("calls = %v, want policy then script", sbx.calls)
	}
	wantPolicy := []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", "Set-ExecutionPolicy RemoteSigned -Scope Process -Force"}
	if fmt.Sprint(sbx.calls[0]) != fmt.Sprint(wantPolicy) {
		t.Errorf("policy call = %v", sbx.calls[0])
	}
	run := sbx.calls[1]
	if run[0] != "powershell" || run[3] != "-ExecutionPolicy" || run[4] != "RemoteSigned" {
		t.Errorf("run call = %v", run)
	}
	if sbx.seenDirErr != nil || !bytes.Equal(sbx.seenBody, testScript().Bytes()) {
		t.Errorf("script at execution time = %q (%v)", sbx.seenBody, sbx.seenDirErr)
	}
	if runtime.GOOS != "windows" && sbx.seenMode != 0o600 {
		t.Errorf("script mode = %o, want 600", sbx.seenMode)
	}
	if filepath.Dir(sbx.seenDir) != base {
		t.Errorf("run dir %q not under base %q", sbx.seenDir, base)
	}
	if len(*slept) != 1 || (*slept)[0] != 100*time.Millisecond {
		t.Errorf("settle delays = %v", *slept)
	}
	if entries := dirEntries(t, base); len(entries) != 0 {
		t.Errorf("run directory not removed: %v", entries)
	}
}

func TestLaunch_NonZeroExitIsOutcome(t *testing.T) {
	base := t.TempDir()
	sbx := &fakeSandbox{run: fakeResult{result: &sandbox.ExecutionResult{ExitCode: 1, Stderr: "cmdkey: access denied"}}}
	l, _ := newTestLauncher(t, sbx, Options{BaseDir: base})

	outcome, err := l.Launch(context.Background(), testScript())
	if err != nil {
		t.Fatalf("nonzero exit must not be an error: %v", err)
	}
	if outcome.Success || outcome.ExitCode != 1 {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Diagnostics() != "cmdkey: access denied" {
		t.Errorf("Diagnostics = %q", outcome.Diagnostics())
	}
	if entries := dirEntries(t, base); len(entries) != 0 {
		t.Errorf("run directory not removed after failure: %v", entries)
	}
}

func TestLaunch_PolicyFailureAbortsBeforeWrite(t *testing.T) {
	base := t.TempDir()
	sbx := &fakeSandbox{policy: fakeResult{result: &sandbox.ExecutionResult{ExitCode: 1, Stderr: "Access to the registry key is denied."}}}
	l, slept := newTestLauncher(t, sbx, Options{PolicyCommand: "Set-ExecutionPolicy Bypass", BaseDir: base})

	_, err := l.Launch(context.Background(), testScript())
	if !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Diagnostics != "Access to the registry key is denied." {
		t.Errorf("diagnostics not carried: %v", err)
	}
	if len(sbx.calls) != 1 {
		t.Errorf("script must not run after policy failure, calls = %v", sbx.calls)
	}
	if len(*slept) != 0 {
		t.Error("settle delay should not run")
	}
	if entries := dirEntries(t, base); len(entries) != 0 {
		t.Errorf("nothing should be written, found %v", entries)
	}
}

func TestLaunch_PolicyInterpreterMissing(t *testing.T) {
	sbx := &fakeSandbox{policy: fakeResult{err: errors.New(`exec: "powershell": executable file not found in $PATH`)}}
	l, _ := newTestLauncher(t, sbx, Options{PolicyCommand: "Set-ExecutionPolicy RemoteSigned"})

	if _, err := l.Launch(context.Background(), testScript()); !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
}

func TestLaunch_SkipsPolicyWhenUnset(t *testing.T) {
	sbx := &fakeSandbox{run: success()}
	l, _ := newTestLauncher(t, sbx, Options{Interpreter: "pwsh"})

	if _, err := l.Launch(context.Background(), testScript()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(sbx.calls) != 1 || sbx.calls[0][0] != "pwsh" {
		t.Errorf("calls = %v, want only the pwsh script run", sbx.calls)
	}
}

func TestLaunch_WriteFailure(t *testing.T) {
	sbx := &fakeSandbox{run: success()}
	l, _ := newTestLauncher(t, sbx, Options{BaseDir: filepath.Join(t.TempDir(), "does", "not", "exist")})

	_, err := l.Launch(context.Background(), testScript())
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	if len(sbx.calls) != 0 {
		t.Errorf("interpreter must not run, calls = %v", sbx.calls)
	}
}

func TestLaunch_TimeoutCleansUp(t *testing.T) {
	base := t.TempDir()
	sbx := &fakeSandbox{run: fakeResult{err: fmt.Errorf("%w after 2m0s", sandbox.ErrTimeout)}}
	l, _ := newTestLauncher(t, sbx, Options{BaseDir: base})

	_, err := l.Launch(context.Background(), testScript())
	if !errors.Is(err, ErrLaunch) || !errors.Is(err, sandbox.ErrTimeout) {
		t.Fatalf("expected ErrLaunch wrapping ErrTimeout, got %v", err)
	}
	if entries := dirEntries(t, base); len(entries) != 0 {
		t.Errorf("run directory not removed after timeout: %v", entries)
	}
}

func TestLaunch_CancelledDuringSettle(t *testing.T) {
	base := t.TempDir()
	sbx := &fakeSandbox{run: success()}
	l := New(sbx, Options{BaseDir: base, SettleDelay: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Launch(ctx, testScript()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sbx.calls) != 0 {
		t.Error("script must not run after cancellation")
	}
	if entries := dirEntries(t, base); len(entries) != 0 {
		t.Errorf("run directory not removed: %v", entries)
	}
}

func TestOutcome_DiagnosticsFallsBackToStdout(t *testing.T) {
	o := &Outcome{Stdout: " out \n"}
	if o.Diagnostics() != "out" {
		t.Errorf("Diagnostics = %q", o.Diagnostics())
	}
}

func TestLaunch_WritesUTF8BOM(t *testing.T) {
	sbx := &fakeSandbox{run: success()}
	l, _ := newTestLauncher(t, sbx, Options{})

	s := script.NewComposer(nil).Compose(script.Target{
		Kind:        script.KindRDP,
		Host:        "10.0.0.5",
		Credentials: script.Credentials{Username: "alice", Password: "key🔑; Start-Process calc; “"},
	})
	if _, err := l.Launch(context.Background(), s); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	bom := []byte{0xEF, 0xBB, 0xBF}
	if !bytes.HasPrefix(sbx.seenBody, bom) {
		t.Fatalf("script file does not start with a UTF-8 BOM: % x", sbx.seenBody[:min(len(sbx.seenBody), 8)])
	}
	if got := string(sbx.seenBody[len(bom):]); got != s.Body {
		t.Errorf("script body after BOM = %q, want %q", got, s.Body)
	}
}
