package vault

import "log/slog"

const redacted = "[REDACTED]"

// Token is a vault session key. Whoever holds it can read every secret in
// the vault, so its printable forms are redacted.
type Token struct {
	value string
}

// NewToken wraps a raw session key.
func NewToken(raw string) Token { return Token{value: raw} }

// Reveal returns the raw session key.
func (t Token) Reveal() string { return t.value }

// IsZero reports whether the token is empty.
func (t Token) IsZero() bool { return t.value == "" }

func (t Token) String() string   { return redacted }
func (t Token) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (t Token) LogValue() slog.Value { return slog.StringValue(redacted) }
