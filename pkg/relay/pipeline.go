// Package relay runs the per-message pipeline: classify, resolve the sender,
// format, and dispatch. Every event is isolated; nothing here returns an
// error to the caller.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/bus"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/classify"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/format"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/logger"
)

const tracerName = "github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/relay"

// Status is the outcome of one event.
type Status string

const (
	StatusForwarded Status = "forwarded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result describes what happened to one inbound message.
type Result struct {
	Status   Status
	Category classify.Category
	Handle   string
	// Reason is a *Error for skipped and failed results.
	Reason error
}

// Classifier labels message text.
type Classifier interface {
	Classify(text string) classify.Category
}

// Resolver maps a sender id to a username.
type Resolver interface {
	Resolve(ctx context.Context, senderID string) (string, bool)
}

// EventPublisher receives one outcome event per processed message.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// Pipeline wires the classification and forwarding steps together.
type Pipeline struct {
	classifier Classifier
	resolver   Resolver
	formatter  format.Formatter
	sender     channel.Sender
	events     EventPublisher
	log        *slog.Logger
	tracer     trace.Tracer
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTracerProvider sets the provider used for per-event spans. The global
// provider is used otherwise.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(p *Pipeline) {
		if provider != nil {
			p.tracer = provider.Tracer(tracerName)
		}
	}
}

// WithEvents publishes an outcome event for every processed message.
func WithEvents(publisher EventPublisher) Option {
	return func(p *Pipeline) {
		p.events = publisher
	}
}

// New builds a pipeline. A nil classifier uses the default rules; a nil
// resolver leaves every sender unresolved; a nil sender skips delivery.
func New(classifier Classifier, resolver Resolver, formatter format.Formatter, sender channel.Sender, log *slog.Logger, opts ...Option) *Pipeline {
	if classifier == nil {
		classifier = classify.New(classify.DefaultRules(), classify.LongThreshold)
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		classifier: classifier,
		resolver:   resolver,
		formatter:  formatter,
		sender:     sender,
		log:        log.With("component", "relay.pipeline"),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ProcessBatch runs every message in order. A failing message never stops
// the ones after it.
func (p *Pipeline) ProcessBatch(ctx context.Context, messages []bus.InboundMessage) []Result {
	results := make([]Result, 0, len(messages))
	for _, msg := range messages {
		results = append(results, p.Process(ctx, msg))
	}

	return results
}

// Process runs one message through classify, resolve, format, and dispatch.
func (p *Pipeline) Process(ctx context.Context, msg bus.InboundMessage) (result Result) {
	ctx, span := p.tracer.Start(ctx, "relay.process", trace.WithAttributes(
		attribute.String("relay.sender_id", msg.SenderID),
		attribute.String("relay.delivery_id", msg.DeliveryID),
	))
	log := p.log.With("sender_id", msg.SenderID, "delivery_id", msg.DeliveryID, "message_id", msg.MessageID)

	defer func() {
		if recovered := recover(); recovered != nil {
			result = Result{Status: StatusFailed, Category: result.Category, Reason: NewError(ReasonPanic, fmt.Sprint(recovered))}
			log.Error("Message pipeline panicked", "error", result.Reason)
		}
		endSpan(span, result)
		p.publish(ctx, msg, result)
	}()

	if msg.Text == "" {
		log.Info("Skipping message without text", "entry_id", msg.Metadata["entry_id"], "attachment_type", msg.Metadata["attachment_type"])
		return Result{Status: StatusSkipped, Reason: NewError(ReasonEmptyText, "")}
	}

	category := p.classifier.Classify(msg.Text)
	result.Category = category
	log.Info("Received message", "category", category, "content", logger.Preview(msg.Text))

	handle := ""
	if p.resolver != nil {
		if resolved, ok := p.resolver.Resolve(ctx, msg.SenderID); ok {
			handle = resolved
		}
	}
	result.Handle = handle

	out := bus.OutboundMessage{
		Text: p.formatter.Format(category, handle, msg.SenderID, msg.Text),
	}
	if p.sender != nil {
		out.Channel = p.sender.Name()
	}

	if err := p.dispatch(ctx, out); err != nil {
		result.Reason = err
		result.Status = StatusFailed
		if CategoryFromError(err) == ReasonNotConfigured {
			result.Status = StatusSkipped
			log.Warn("Delivery skipped", "category", category, "reason", err)
			return result
		}
		log.Error("Delivery failed", "category", category, "reason", err)
		return result
	}

	result.Status = StatusForwarded
	log.Info("Message forwarded", "category", category, "channel", out.Channel, "resolved", handle != "")
	return result
}

// dispatch makes the single delivery attempt and returns a categorized error.
func (p *Pipeline) dispatch(ctx context.Context, out bus.OutboundMessage) error {
	if p.sender == nil {
		return NewError(ReasonNotConfigured, "no sender")
	}

	return normalizeError(p.sender.Send(ctx, out.Text))
}

func (p *Pipeline) publish(ctx context.Context, msg bus.InboundMessage, result Result) {
	if p.events == nil {
		return
	}

	event := bus.Event{
		Type:       bus.EventMessageForwarded,
		SenderID:   msg.SenderID,
		DeliveryID: msg.DeliveryID,
		Category:   string(result.Category),
		Reason:     CategoryFromError(result.Reason),
	}
	if p.sender != nil {
		event.Channel = p.sender.Name()
	}
	switch result.Status {
	case StatusSkipped:
		event.Type = bus.EventMessageSkipped
	case StatusFailed:
		event.Type = bus.EventMessageFailed
		event.Error = result.Reason.Error()
	}

	p.events.PublishEvent(ctx, event)
}

func endSpan(span trace.Span, result Result) {
	span.SetAttributes(
		attribute.String("relay.status", string(result.Status)),
		attribute.String("relay.category", string(result.Category)),
		attribute.String("relay.reason", CategoryFromError(result.Reason)),
		attribute.Bool("relay.sender_resolved", result.Handle != ""),
	)
	if result.Status == StatusFailed {
		span.SetStatus(codes.Error, result.Reason.Error())
	}
	span.End()
}
