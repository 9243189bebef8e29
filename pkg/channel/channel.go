package channel

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by a Sender whose destination credentials are missing.
var ErrNotConfigured = errors.New("destination not configured")

// Sender delivers formatted notifications to one external chat destination.
type Sender interface {
	Name() string
	// Configured reports whether Send can reach a destination at all.
	Configured() bool
	// Send makes a single bounded delivery attempt. It never retries.
	Send(ctx context.Context, text string) error
}
