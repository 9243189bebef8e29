package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/bus"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/config"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/identity"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/relay"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/webhook"
)

const (
	defaultHost     = "0.0.0.0"
	defaultPort     = 8080
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Processor runs extracted webhook events through the relay pipeline.
type Processor interface {
	ProcessBatch(ctx context.Context, messages []bus.InboundMessage) []relay.Result
}

type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	processor Processor
	sender    channel.Sender
	identity  *identity.State
	events    *bus.EventBus

	mu              sync.RWMutex
	startedAt       time.Time
	lastForwardedAt time.Time
	lastFailureAt   time.Time
	lastFailure     string

	deliveries atomic.Int64
	forwarded  atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
}

type counters struct {
	Deliveries int64 `json:"deliveries"`
	Forwarded  int64 `json:"forwarded"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
}

type identityStatus struct {
	TokenChecked bool `json:"token_checked"`
	TokenUsable  bool `json:"token_usable"`
	CacheSize    int  `json:"cache_size"`
}

type statusResponse struct {
	Status          string         `json:"status"`
	UptimeSeconds   int64          `json:"uptime_seconds"`
	Dispatcher      string         `json:"dispatcher"`
	LastForwardedAt string         `json:"last_forwarded_at,omitempty"`
	LastFailureAt   string         `json:"last_failure_at,omitempty"`
	LastFailure     string         `json:"last_failure,omitempty"`
	Counters        counters       `json:"counters"`
	Identity        identityStatus `json:"identity"`
}

// Option customizes a Service.
type Option func(*Service)

// WithEvents makes the service track relay outcome events for its status
// report.
func WithEvents(events *bus.EventBus) Option {
	return func(s *Service) {
		s.events = events
	}
}

// NewService builds the webhook gateway. A nil identity state is reported as
// an empty cache.
func NewService(cfg *config.Config, processor Processor, sender channel.Sender, state *identity.State, log *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if processor == nil {
		return nil, errors.New("pipeline is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:       cfg,
		log:       log.With("component", "gateway.service"),
		processor: processor,
		sender:    sender,
		identity:  state,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Run serves HTTP until ctx is cancelled, then shuts the server down. It
// returns once in-flight deliveries have finished or the shutdown timeout
// has passed.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.events != nil {
		// Outcomes of deliveries drained during shutdown are still tracked.
		events, unsubscribe := s.events.SubscribeEvents(context.WithoutCancel(ctx), 0)
		defer unsubscribe()
		go s.trackEvents(events)
	}

	return s.runServer(ctx)
}

// Handler returns the gateway routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /webhook", s.handleVerify)
	mux.HandleFunc("POST /webhook", s.handleDelivery)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	return mux
}

// trackEvents records the latest success and failure until events closes.
func (s *Service) trackEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		switch event.Type {
		case bus.EventMessageForwarded:
			s.lastForwardedAt = event.At
		case bus.EventMessageFailed:
			s.lastFailureAt = event.At
			s.lastFailure = event.Reason
		}
		s.mu.Unlock()
	}
}

func (s *Service) runServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info("Webhook gateway started", "address", addr, "dispatcher", s.dispatcherState())
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("start webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Webhook gateway shutdown incomplete", "error", err)
		return nil
	}

	s.log.Info("Webhook gateway stopped")
	return nil
}

func (s *Service) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	challenge, ok := webhook.Verify(r.URL.Query(), s.cfg.VerifyToken)
	if !ok {
		s.log.Warn("Webhook verification rejected", "mode", r.URL.Query().Get("hub.mode"))
		writeText(w, http.StatusForbidden, "Forbidden")
		return
	}

	s.log.Info("Webhook verified")
	writeText(w, http.StatusOK, challenge)
}

func (s *Service) handleDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	log := s.log.With("delivery_id", deliveryID)

	payload, err := webhook.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("Webhook delivery too large", "limit_bytes", tooLarge.Limit)
			writeText(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
			return
		}
		log.Warn("Webhook delivery rejected", "error", err)
		writeText(w, http.StatusBadRequest, "Bad Request")
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)

	for _, dropped := range payload.Dropped {
		log.Warn("Skipped malformed webhook event", "path", dropped.Path, "error", dropped.Err)
	}

	s.deliveries.Add(1)
	events := webhook.Events(payload)
	for i := range events {
		events[i].DeliveryID = deliveryID
	}

	// Downstream work is not abandoned when the upstream sender hangs up.
	results := s.processor.ProcessBatch(context.WithoutCancel(r.Context()), events)
	summary := s.record(results)

	log.Info("Webhook delivery processed", "object", payload.Object, "events", len(events),
		"dropped", len(payload.Dropped), "forwarded", summary.Forwarded, "skipped", summary.Skipped, "failed", summary.Failed)
	writeText(w, http.StatusOK, "OK")
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	lastForwardedAt := s.lastForwardedAt
	lastFailureAt := s.lastFailureAt
	lastFailure := s.lastFailure
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	ident := identityStatus{}
	if s.identity != nil {
		health := s.identity.TokenHealth()
		ident = identityStatus{
			TokenChecked: health.Checked,
			TokenUsable:  health.Usable,
			CacheSize:    s.identity.Len(),
		}
	}

	return statusResponse{
		Status:          status,
		UptimeSeconds:   uptime,
		Dispatcher:      s.dispatcherState(),
		LastForwardedAt: formatTime(lastForwardedAt),
		LastFailureAt:   formatTime(lastFailureAt),
		LastFailure:     lastFailure,
		Counters: counters{
			Deliveries: s.deliveries.Load(),
			Forwarded:  s.forwarded.Load(),
			Skipped:    s.skipped.Load(),
			Failed:     s.failed.Load(),
		},
		Identity: ident,
	}
}

func (s *Service) isReady() bool {
	return s.sender != nil && s.sender.Configured()
}

func (s *Service) dispatcherState() string {
	if !s.isReady() {
		return "not_configured"
	}

	return s.sender.Name()
}

// record adds per-event outcomes to the running counters and returns the
// totals for this delivery.
func (s *Service) record(results []relay.Result) counters {
	var summary counters
	for _, result := range results {
		switch result.Status {
		case relay.StatusForwarded:
			summary.Forwarded++
		case relay.StatusSkipped:
			summary.Skipped++
		case relay.StatusFailed:
			summary.Failed++
		}
	}

	s.forwarded.Add(summary.Forwarded)
	s.skipped.Add(summary.Skipped)
	s.failed.Add(summary.Failed)
	return summary
}

func formatTime(at time.Time) string {
	if at.IsZero() {
		return ""
	}

	return at.Format(time.RFC3339)
}

func writeText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = io.WriteString(w, body)
}
