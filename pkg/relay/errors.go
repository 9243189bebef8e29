package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel"
)

const (
	ReasonEmptyText     = "empty_text"
	ReasonNotConfigured = "not_configured"
	ReasonTimeout       = "timeout"
	ReasonTransport     = "transport"
	ReasonRejected      = "rejected"
	ReasonPanic         = "panic"
)

// Error is a categorized, stable reason for a skipped or failed event.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// NewError creates a categorized relay error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for an error.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, channel.ErrNotConfigured) {
		return ReasonNotConfigured
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonTransport
	}

	return ReasonRejected
}

// normalizeError converts a delivery error into a categorized one.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized
	}

	return NewError(CategoryFromError(err), err.Error())
}
