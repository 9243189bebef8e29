package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/bus"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/classify"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/format"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/identity"
)

type recordingSender struct {
	mu         sync.Mutex
	texts      []string
	failures   map[int]error
	configured bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{configured: true, failures: map[int]error{}}
}

func (s *recordingSender) Name() string { return "test" }

func (s *recordingSender) Configured() bool { return s.configured }

func (s *recordingSender) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		return channel.ErrNotConfigured
	}

	attempt := len(s.texts)
	s.texts = append(s.texts, text)
	return s.failures[attempt]
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, senderID string) (string, bool) {
	handle, ok := m[senderID]
	return handle, ok
}

type panickingResolver struct{ panicFor string }

func (p panickingResolver) Resolve(_ context.Context, senderID string) (string, bool) {
	if senderID == p.panicFor {
		panic("resolver exploded")
	}
	return "", false
}

type lookupFunc func(ctx context.Context, senderID string) (string, error)

func (f lookupFunc) LookupHandle(ctx context.Context, senderID string) (string, error) {
	return f(ctx, senderID)
}

func TestProcessBatchSkipsEmptyTextAndClassifiesTeam(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	pipeline := New(nil, mapResolver{}, format.Formatter{}, sender, nil)

	results := pipeline.ProcessBatch(context.Background(), []bus.InboundMessage{
		{SenderID: "1", Text: ""},
		{SenderID: "2", Text: "ادمین همکاری"},
	})

	require.Len(t, results, 2)
	require.Equal(t, StatusSkipped, results[0].Status)
	require.Equal(t, ReasonEmptyText, CategoryFromError(results[0].Reason))

	require.Equal(t, StatusForwarded, results[1].Status)
	require.Equal(t, classify.Team, results[1].Category)
	require.Nil(t, results[1].Reason)

	require.Equal(t, []string{"#team | (id:2)\nادمین همکاری"}, sender.sent())
}

func TestProcessForwardsWhitespaceOnlyText(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	result := New(nil, nil, format.Formatter{}, sender, nil).Process(context.Background(), bus.InboundMessage{SenderID: "3", Text: "  \n "})

	require.Equal(t, StatusForwarded, result.Status)
	require.Equal(t, classify.General, result.Category)
	require.Equal(t, []string{"#general | (id:3)"}, sender.sent())
}

func TestProcessLogsSkippedAttachment(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&out, nil))
	pipeline := New(nil, nil, format.Formatter{}, newRecordingSender(), log)

	result := pipeline.Process(context.Background(), bus.InboundMessage{
		SenderID:  "1",
		MessageID: "m-1",
		Metadata:  map[string]string{"entry_id": "178", "attachment_type": "image"},
	})
	require.Equal(t, StatusSkipped, result.Status)

	line := out.String()
	require.Contains(t, line, `"msg":"Skipping message without text"`)
	require.Contains(t, line, `"message_id":"m-1"`)
	require.Contains(t, line, `"entry_id":"178"`)
	require.Contains(t, line, `"attachment_type":"image"`)
}

func TestProcessBatchContinuesAfterDeliveryFailure(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	sender.failures[0] = errors.New("connection reset")
	pipeline := New(nil, nil, format.Formatter{}, sender, nil)

	results := pipeline.ProcessBatch(context.Background(), []bus.InboundMessage{
		{SenderID: "1", Text: "first"},
		{SenderID: "2", Text: "second"},
	})

	require.Equal(t, StatusFailed, results[0].Status)
	require.Equal(t, ReasonRejected, CategoryFromError(results[0].Reason))
	require.Equal(t, StatusForwarded, results[1].Status)
	require.Len(t, sender.sent(), 2)
}

func TestProcessRecoversPanicPerEvent(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	pipeline := New(nil, panickingResolver{panicFor: "bad"}, format.Formatter{}, sender, nil)

	results := pipeline.ProcessBatch(context.Background(), []bus.InboundMessage{
		{SenderID: "bad", Text: "خبر فوری"},
		{SenderID: "good", Text: "hello"},
	})

	require.Equal(t, StatusFailed, results[0].Status)
	require.Equal(t, classify.News, results[0].Category)
	require.Equal(t, ReasonPanic, CategoryFromError(results[0].Reason))
	require.Contains(t, results[0].Reason.Error(), "resolver exploded")

	require.Equal(t, StatusForwarded, results[1].Status)
	require.Equal(t, []string{"#general | (id:good)\nhello"}, sender.sent())
}

func TestProcessUnconfiguredSenderIsSkipped(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	sender.configured = false

	result := New(nil, nil, format.Formatter{}, sender, nil).Process(context.Background(), bus.InboundMessage{SenderID: "1", Text: "hi"})
	require.Equal(t, StatusSkipped, result.Status)
	require.Equal(t, ReasonNotConfigured, CategoryFromError(result.Reason))

	result = New(nil, nil, format.Formatter{}, nil, nil).Process(context.Background(), bus.InboundMessage{SenderID: "1", Text: "hi"})
	require.Equal(t, StatusSkipped, result.Status)
	require.Equal(t, ReasonNotConfigured, CategoryFromError(result.Reason))
}

func TestProcessUsesResolvedHandleAndProfileLink(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	formatter := format.Formatter{ProfileLinks: true, ProfileBaseURL: "https://instagram.com/"}
	pipeline := New(nil, mapResolver{"42": "alice"}, formatter, sender, nil)

	result := pipeline.Process(context.Background(), bus.InboundMessage{SenderID: "42", Text: "گزارش جدید"})
	require.Equal(t, StatusForwarded, result.Status)
	require.Equal(t, "alice", result.Handle)
	require.Equal(t, []string{"#news | @alice | https://instagram.com/alice\nگزارش جدید"}, sender.sent())
}

func TestProcessSharesResolverCacheAcrossEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	lookup := lookupFunc(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return "", fmt.Errorf("status 400")
	})

	resolver := identity.NewResolver(lookup, identity.NewState(10, 0), nil)
	sender := newRecordingSender()
	pipeline := New(nil, resolver, format.Formatter{}, sender, nil)

	for range 3 {
		result := pipeline.Process(context.Background(), bus.InboundMessage{SenderID: "7", Text: "سلام"})
		require.Equal(t, StatusForwarded, result.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Equal(t, "#general | (id:7)\nسلام", sender.sent()[2])
}

func TestProcessRecordsSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	sender := newRecordingSender()
	sender.failures[1] = context.DeadlineExceeded
	pipeline := New(nil, mapResolver{"1": "alice"}, format.Formatter{}, sender, nil, WithTracerProvider(provider))

	pipeline.ProcessBatch(context.Background(), []bus.InboundMessage{
		{SenderID: "1", Text: "https://example.com", DeliveryID: "d-1"},
		{SenderID: "2", Text: "hello", DeliveryID: "d-1"},
	})

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	first := spanAttributes(spans[0].Attributes())
	require.Equal(t, "relay.process", spans[0].Name())
	require.Equal(t, "forwarded", first["relay.status"])
	require.Equal(t, "links", first["relay.category"])
	require.Equal(t, "d-1", first["relay.delivery_id"])
	require.Equal(t, true, first["relay.sender_resolved"])

	second := spanAttributes(spans[1].Attributes())
	require.Equal(t, "failed", second["relay.status"])
	require.Equal(t, ReasonTimeout, second["relay.reason"])
	require.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestProcessPublishesOutcomeEvents(t *testing.T) {
	t.Parallel()

	events := bus.NewEventBus()
	t.Cleanup(events.Close)
	stream, unsubscribe := events.SubscribeEvents(context.Background(), 10)
	defer unsubscribe()

	sender := newRecordingSender()
	sender.failures[1] = errors.New("chat not found")
	pipeline := New(nil, nil, format.Formatter{}, sender, nil, WithEvents(events))

	pipeline.ProcessBatch(context.Background(), []bus.InboundMessage{
		{SenderID: "1", Text: "", DeliveryID: "d-9"},
		{SenderID: "2", Text: "ادمین", DeliveryID: "d-9"},
		{SenderID: "3", Text: "hello", DeliveryID: "d-9"},
	})

	var got []bus.Event
	for range 3 {
		got = append(got, <-stream)
	}

	require.Equal(t, bus.EventMessageSkipped, got[0].Type)
	require.Equal(t, ReasonEmptyText, got[0].Reason)

	require.Equal(t, bus.EventMessageForwarded, got[1].Type)
	require.Equal(t, "team", got[1].Category)
	require.Equal(t, "test", got[1].Channel)
	require.Equal(t, "d-9", got[1].DeliveryID)

	require.Equal(t, bus.EventMessageFailed, got[2].Type)
	require.Equal(t, ReasonRejected, got[2].Reason)
	require.Contains(t, got[2].Error, "chat not found")
}

func TestCategoryFromError(t *testing.T) {
	t.Parallel()

	require.Empty(t, CategoryFromError(nil))
	require.Equal(t, ReasonPanic, CategoryFromError(NewError(ReasonPanic, "x")))
	require.Equal(t, ReasonNotConfigured, CategoryFromError(fmt.Errorf("wrap: %w", channel.ErrNotConfigured)))
	require.Equal(t, ReasonTimeout, CategoryFromError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	require.Equal(t, ReasonRejected, CategoryFromError(errors.New("bad request")))
	require.Equal(t, "timeout: slow", NewError(ReasonTimeout, "slow").Error())
}

func spanAttributes(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.AsInterface()
	}
	return out
}
