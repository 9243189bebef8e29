package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/bus"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/config"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/identity"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/relay"
)

type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]bus.InboundMessage
	results []relay.Result
}

func (p *recordingProcessor) ProcessBatch(_ context.Context, messages []bus.InboundMessage) []relay.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, messages)
	return p.results
}

func (p *recordingProcessor) snapshot() [][]bus.InboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]bus.InboundMessage(nil), p.batches...)
}

type stubSender struct{ configured bool }

func (s stubSender) Name() string { return "telegram" }

func (s stubSender) Configured() bool { return s.configured }

func (s stubSender) Send(context.Context, string) error { return nil }

func newTestService(t *testing.T, processor Processor, sender stubSender) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.VerifyToken = "secret"

	svc, err := NewService(cfg, processor, sender, identity.NewState(10, 0), nil)
	require.NoError(t, err)
	return svc
}

func serve(svc *Service, method string, target string, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	recorder := httptest.NewRecorder()
	svc.Handler().ServeHTTP(recorder, request)
	return recorder
}

func TestNewServiceValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil, &recordingProcessor{}, nil, nil, nil)
	require.ErrorContains(t, err, "config is required")

	_, err = NewService(config.Default(), nil, nil, nil, nil)
	require.ErrorContains(t, err, "pipeline is required")
}

func TestRootReturnsOK(t *testing.T) {
	t.Parallel()

	response := serve(newTestService(t, &recordingProcessor{}, stubSender{}), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, "OK", response.Body.String())

	response = serve(newTestService(t, &recordingProcessor{}, stubSender{}), http.MethodGet, "/missing", "")
	require.Equal(t, http.StatusNotFound, response.Code)
}

func TestVerifyHandshake(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &recordingProcessor{}, stubSender{})

	response := serve(svc, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=1158201444", "")
	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, "1158201444", response.Body.String())

	response = serve(svc, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", "")
	require.Equal(t, http.StatusForbidden, response.Code)
	require.Equal(t, "Forbidden", response.Body.String())
}

func TestDeliveryProcessesEventsInOrder(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{results: []relay.Result{
		{Status: relay.StatusSkipped},
		{Status: relay.StatusForwarded},
	}}
	svc := newTestService(t, processor, stubSender{configured: true})

	body := `{"object":"instagram","entry":[{"id":"1","messaging":[
		{"sender":{"id":"10"},"message":{"mid":"a","text":""}},
		{"sender":{"id":"20"},"message":{"mid":"b","text":"ادمین همکاری"}}
	]}]}`

	response := serve(svc, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, "OK", response.Body.String())

	batches := processor.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.Equal(t, "10", batches[0][0].SenderID)
	require.Equal(t, "ادمین همکاری", batches[0][1].Text)
	require.NotEmpty(t, batches[0][0].DeliveryID)
	require.Equal(t, batches[0][0].DeliveryID, batches[0][1].DeliveryID)

	status := svc.currentStatus("ok")
	require.Equal(t, counters{Deliveries: 1, Forwarded: 1, Skipped: 1}, status.Counters)
}

func TestDeliveryRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	svc := newTestService(t, processor, stubSender{configured: true})

	response := serve(svc, http.MethodPost, "/webhook", "{not json")
	require.Equal(t, http.StatusBadRequest, response.Code)
	require.Empty(t, processor.snapshot())
}

func TestDeliverySkipsMisshapenEventsAndKeepsTheRest(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{results: []relay.Result{
		{Status: relay.StatusForwarded},
		{Status: relay.StatusForwarded},
	}}
	svc := newTestService(t, processor, stubSender{configured: true})

	body := `{"object":"instagram","entry":[{"id":"1","messaging":[
		{"sender":{"id":"10"},"message":{"mid":"a","text":"first"}},
		{"sender":{"id":2},"message":{"mid":"b","text":"numeric sender"}},
		{"sender":{"id":"30"},"message":{"mid":"c","text":"third"}}
	]}]}`

	response := serve(svc, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusOK, response.Code)

	batches := processor.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.Equal(t, "first", batches[0][0].Text)
	require.Equal(t, "30", batches[0][1].SenderID)
	require.Equal(t, counters{Deliveries: 1, Forwarded: 2}, svc.currentStatus("ok").Counters)
}

func TestDeliveryRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	svc := newTestService(t, processor, stubSender{configured: true})

	body := `{"object":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	response := serve(svc, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, response.Code)
	require.Empty(t, processor.snapshot())
}

func TestDeliveryAcknowledgesFailedEvents(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{results: []relay.Result{
		{Status: relay.StatusFailed, Reason: relay.NewError(relay.ReasonTransport, "boom")},
	}}
	svc := newTestService(t, processor, stubSender{configured: true})

	response := serve(svc, http.MethodPost, "/webhook", `{"entry":[{"messaging":[{"sender":{"id":"1"},"message":{"text":"hi"}}]}]}`)
	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, int64(1), svc.currentStatus("ok").Counters.Failed)
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	response := serve(newTestService(t, &recordingProcessor{}, stubSender{}), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, response.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &status))
	require.Equal(t, "not_ready", status.Status)
	require.Equal(t, "not_configured", status.Dispatcher)

	response = serve(newTestService(t, &recordingProcessor{}, stubSender{configured: true}), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, response.Code)
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &status))
	require.Equal(t, "ready", status.Status)
	require.Equal(t, "telegram", status.Dispatcher)

	response = serve(newTestService(t, &recordingProcessor{}, stubSender{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, response.Code)
}
