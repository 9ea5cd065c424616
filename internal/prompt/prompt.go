// Package prompt reads the vault master passphrase from the terminal with
// echo disabled.
package prompt

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/term"
)

var (
	// ErrNotTerminal is returned when stdin is not an interactive terminal.
	ErrNotTerminal = errors.New("no terminal available for interactive passphrase prompt")
	// ErrEmptyPassphrase is returned when the user enters nothing.
	ErrEmptyPassphrase = errors.New("empty passphrase")
)

// Terminal is the part of *os.File the prompt needs.
type Terminal interface {
	Fd() uintptr
}

// Reader reads a passphrase without echo. The function fields exist so
// tests can stand in for a real terminal.
type Reader struct {
	In    Terminal
	Out   io.Writer
	Label string

	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
}

// New returns a Reader prompting on out and reading from in.
func New(in Terminal, out io.Writer, label string) *Reader {
	return &Reader{
		In:           in,
		Out:          out,
		Label:        label,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// ReadPassphrase prompts once and returns the bytes typed. The caller owns
// the slice and should Zero it when done.
func (r *Reader) ReadPassphrase() ([]byte, error) {
	fd := int(r.In.Fd())
	if !r.isTerminal(fd) {
		return nil, ErrNotTerminal
	}

	fmt.Fprint(r.Out, r.Label)
	passphrase, err := r.readPassword(fd)
	fmt.Fprintln(r.Out)
	if err != nil {
		Zero(passphrase)
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	return passphrase, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
