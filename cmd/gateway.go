package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/bus"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel/telegram"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/config"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/format"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/gateway"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/identity"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/identity/graph"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/logger"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/relay"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/telemetry"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the webhook gateway",
	Long:  "Serves the Instagram webhook endpoints and forwards every direct message to the configured Telegram chat.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging, cfg.Secrets()...)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")
		if cfg.VerifyToken == config.DefaultVerifyToken {
			log.Warn("Using the default webhook verify token; set VERIFY_TOKEN")
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTelemetry, err := telemetry.Setup(runCtx, cfg.Telemetry, log)
		if err != nil {
			log.Error("Telemetry configuration invalid", "error", err)
			return
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				log.Warn("Failed to flush traces", "error", err)
			}
		}()

		events := bus.NewEventBus()
		defer events.Close()

		svc, err := newGatewayService(cfg, events, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		log.Info("Gateway started", "telegram", cfg.Telegram.ChatID != "", "tracing", cfg.Telemetry.Enabled)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// newGatewayService wires dispatcher, resolver, and pipeline from config.
func newGatewayService(cfg *config.Config, events *bus.EventBus, log *slog.Logger) (*gateway.Service, error) {
	if log == nil {
		log = slog.Default()
	}

	sender, err := telegram.NewAdapter(cfg.Telegram, log)
	if err != nil {
		return nil, fmt.Errorf("configure telegram: %w", err)
	}

	resolver, err := newResolver(cfg.Identity, log)
	if err != nil {
		return nil, err
	}

	log.Info("Relay pipeline configured", "dispatcher", sender.Name(), "identity_lookups", resolver.Enabled())
	pipeline := relay.New(nil, resolver, newFormatter(cfg.Identity), sender, log, relay.WithEvents(events))
	return gateway.NewService(cfg, pipeline, sender, resolver.State(), log, gateway.WithEvents(events))
}

// newResolver builds the identity resolver. Without an access token every
// sender stays unresolved.
func newResolver(cfg config.IdentityConfig, log *slog.Logger) (*identity.Resolver, error) {
	state := identity.NewState(cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	opts := []identity.ResolverOption{identity.WithTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)}

	client, err := graph.New(cfg)
	if errors.Is(err, graph.ErrNoToken) {
		return identity.NewResolver(nil, state, log, opts...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("configure identity lookups: %w", err)
	}

	return identity.NewResolver(client, state, log, opts...), nil
}

func newFormatter(cfg config.IdentityConfig) format.Formatter {
	return format.Formatter{
		ProfileLinks:   cfg.ProfileLinks,
		ProfileBaseURL: cfg.ProfileBaseURL,
		DefaultLink:    cfg.DefaultProfileLink,
	}
}
