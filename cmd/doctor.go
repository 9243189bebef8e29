package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel/telegram"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/config"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/identity/graph"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/logger"
)

const doctorTimeout = 15 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and upstream credentials",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging, cfg.Secrets()...)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)

		ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
		defer cancel()

		runDoctor(ctx, cmd.OutOrStdout(), cfg, appLogger)
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type identityProber interface {
	Probe(ctx context.Context) error
}

type telegramProber interface {
	Probe(ctx context.Context) (string, error)
}

func runDoctor(ctx context.Context, out io.Writer, cfg *config.Config, log *slog.Logger) {
	fmt.Fprintln(out, "dmrelay doctor")
	fmt.Fprintf(out, "  Version:  %s\n", Version)
	fmt.Fprintf(out, "  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
	fmt.Fprintln(out)

	verify := "OK"
	if cfg.VerifyToken == config.DefaultVerifyToken {
		verify = "DEFAULT (set VERIFY_TOKEN)"
	}

	identityStatus := "NOT CONFIGURED (senders shown by id)"
	client, err := graph.New(cfg.Identity)
	switch {
	case err == nil:
		identityStatus = checkIdentity(ctx, client)
	case !errors.Is(err, graph.ErrNoToken):
		identityStatus = fmt.Sprintf("INVALID (%s)", err)
	}

	var telegramStatus string
	adapter, err := telegram.NewAdapter(cfg.Telegram, log)
	if err != nil {
		telegramStatus = fmt.Sprintf("INVALID (%s)", err)
	} else {
		telegramStatus = checkTelegram(ctx, adapter)
	}

	secrets := cfg.Secrets()
	fmt.Fprintf(out, "  %-12s %s\n", "Verify:", verify)
	fmt.Fprintf(out, "  %-12s %s\n", "Identity:", logger.Redact(identityStatus, secrets...))
	fmt.Fprintf(out, "  %-12s %s\n", "Telegram:", logger.Redact(telegramStatus, secrets...))
}

func checkIdentity(ctx context.Context, prober identityProber) string {
	if err := prober.Probe(ctx); err != nil {
		return fmt.Sprintf("PROBE FAILED (%s); lookups will still be attempted", err)
	}

	return "OK"
}

func checkTelegram(ctx context.Context, prober telegramProber) string {
	username, err := prober.Probe(ctx)
	if errors.Is(err, channel.ErrNotConfigured) {
		return "NOT CONFIGURED (set TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID)"
	}
	if err != nil {
		return fmt.Sprintf("FAILED (%s)", err)
	}

	return "OK (@" + username + ")"
}
