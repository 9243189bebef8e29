package logger

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	redactedMarker = "[REDACTED]"
	previewLimit   = 240
)

// redactHandler masks credential values before records reach the wrapped handler.
// Transport errors commonly embed request URLs, and the Telegram Bot API puts
// the bot token in the path.
type redactHandler struct {
	next     slog.Handler
	replacer *strings.Replacer
}

func newRedactHandler(next slog.Handler, secrets []string) slog.Handler {
	replacer := newReplacer(secrets)
	if replacer == nil {
		return next
	}

	return &redactHandler{next: next, replacer: replacer}
}

// Redact masks every secret in text. It is for output that bypasses slog,
// such as CLI reports.
func Redact(text string, secrets ...string) string {
	replacer := newReplacer(secrets)
	if replacer == nil {
		return text
	}

	return replacer.Replace(text)
}

func newReplacer(secrets []string) *strings.Replacer {
	pairs := make([]string, 0, len(secrets)*2)
	seen := make(map[string]struct{}, len(secrets))
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		if _, ok := seen[secret]; ok {
			continue
		}
		seen[secret] = struct{}{}
		pairs = append(pairs, secret, redactedMarker)
	}
	if len(pairs) == 0 {
		return nil
	}

	return strings.NewReplacer(pairs...)
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.replacer.Replace(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.scrub(attr))
		return true
	})

	return h.next.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, h.scrub(attr))
	}

	return &redactHandler{next: h.next.WithAttrs(clean), replacer: h.replacer}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name), replacer: h.replacer}
}

func (h *redactHandler) scrub(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()

	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.replacer.Replace(value.String()))
	case slog.KindGroup:
		group := value.Group()
		clean := make([]any, 0, len(group))
		for _, item := range group {
			clean = append(clean, h.scrub(item))
		}
		return slog.Group(attr.Key, clean...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return slog.String(attr.Key, h.replacer.Replace(err.Error()))
		}
	}

	return slog.Attr{Key: attr.Key, Value: value}
}

// Preview returns a bounded log-safe preview of message text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= previewLimit {
		return trimmed
	}

	runes := []rune(trimmed)
	return string(runes[:previewLimit]) + "..."
}
