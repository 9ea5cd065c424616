package vault

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jkaninda/vaultlaunch/internal/sandbox"
)

// Resolver fetches items and extracts fields from them. Every call runs one
// "bw get item"; resolving three fields of the same item costs three
// fetches, which is negligible next to the CLI's own latency.
type Resolver struct {
	client
}

// NewResolver creates a Resolver that runs the vault CLI through sbx.
func NewResolver(sbx sandbox.Sandbox, opts Options, logger *slog.Logger) *Resolver {
	return &Resolver{client: client{sbx: sbx, opts: opts.withDefaults(), logger: logger}}
}

// FetchItem runs "bw get item -- <itemID>" with the token in the child's
// environment and parses the payload. The separator keeps an identifier
// that starts with "-" from being read as a flag.
func (r *Resolver) FetchItem(ctx context.Context, itemID string, token Token) (*Item, error) {
	op := r.opts.Binary + " get item"
	if itemID == "" {
		return nil, &CommandError{Kind: ErrFetch, Op: op, Err: errors.New("empty item identifier")}
	}
	if token.IsZero() {
		return nil, &CommandError{Kind: ErrFetch, Op: op, Err: errors.New("vault is locked")}
	}

	out, err := r.run(ctx, ErrFetch, []string{"get", "item", "--", itemID}, nil,
		map[string]string{r.opts.SessionEnv: token.Reveal()})
	if err != nil {
		return nil, err
	}
	item, err := ParseItem([]byte(out))
	if err != nil {
		return nil, &CommandError{Kind: ErrFetch, Op: op + " " + itemID, Err: err}
	}
	return item, nil
}

// ResolveField fetches itemID and resolves role against it. A field that is
// absent yields ok=false and a nil error.
func (r *Resolver) ResolveField(ctx context.Context, itemID string, role FieldRole, token Token) (string, bool, error) {
	item, err := r.FetchItem(ctx, itemID, token)
	if err != nil {
		return "", false, err
	}
	value, ok := item.Field(role)
	r.logger.DebugContext(ctx, "vault field resolved",
		slog.String("item", itemID),
		slog.String("role", role.String()),
		slog.Bool("present", ok),
	)
	return value, ok, nil
}
