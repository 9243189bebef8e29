package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/channel"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/config"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/logger"
)

const (
	channelName     = "telegram"
	defaultTimeout  = 10 * time.Second
	maxMessageRunes = 4096
	truncatedSuffix = "…"
)

// Adapter delivers relay notifications to one Telegram chat, optionally
// inside a forum topic.
type Adapter struct {
	bot     *telego.Bot
	chatID  telego.ChatID
	topicID int
	timeout time.Duration
	limiter *rate.Limiter
	log     *slog.Logger
}

var _ channel.Sender = (*Adapter)(nil)

// NewAdapter validates Telegram configuration and constructs an adapter.
//
// A missing token or chat id yields a disabled adapter whose Send reports
// channel.ErrNotConfigured; only malformed values are errors.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	a := &Adapter{
		topicID: cfg.TopicID,
		timeout: timeout,
		log:     log.With("component", "channel.telegram"),
	}

	token := strings.TrimSpace(cfg.Token)
	rawChatID := strings.TrimSpace(cfg.ChatID)
	if token == "" || rawChatID == "" {
		a.log.Warn("Telegram delivery disabled: telegram.token and telegram.chat_id are required")
		return a, nil
	}

	chatID, err := parseChatID(rawChatID)
	if err != nil {
		return nil, err
	}

	opts := []telego.BotOption{
		telego.WithHTTPClient(&http.Client{Timeout: timeout}),
		telego.WithDiscardLogger(),
	}
	if apiURL := strings.TrimSpace(cfg.APIURL); apiURL != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(apiURL, "/")))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	a.bot = bot
	a.chatID = chatID
	if cfg.RatePerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}

	return a, nil
}

// Name returns the channel identifier used in logs.
func (a *Adapter) Name() string {
	return channelName
}

// Configured reports whether a bot and destination chat are set.
func (a *Adapter) Configured() bool {
	return a != nil && a.bot != nil
}

// Send makes one delivery attempt bounded by the configured timeout. Time
// spent waiting for a rate-limit slot counts against the same timeout.
func (a *Adapter) Send(ctx context.Context, text string) error {
	if !a.Configured() {
		return channel.ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for telegram send slot: %w", err)
		}
	}

	params := tu.Message(a.chatID, truncate(text))
	params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	if a.topicID > 0 {
		params.MessageThreadID = a.topicID
	}

	startedAt := time.Now()
	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	a.log.Info("Sent message", "chat_id", a.chatID.String(), "message_id", sent.MessageID, "duration_ms", time.Since(startedAt).Milliseconds(), "content", logger.Preview(text))
	return nil
}

// Probe verifies the bot token with getMe and returns the bot username.
func (a *Adapter) Probe(ctx context.Context) (string, error) {
	if !a.Configured() {
		return "", channel.ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("telegram getMe: %w", err)
	}

	return me.Username, nil
}

// parseChatID accepts a numeric chat id or an @channel username.
func parseChatID(raw string) (telego.ChatID, error) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return tu.ID(id), nil
	}
	if strings.HasPrefix(raw, "@") && len(raw) > 1 {
		return tu.Username(raw), nil
	}

	return telego.ChatID{}, errors.New("telegram.chat_id must be a numeric id or an @channel username")
}

// truncate keeps text within Telegram's message length limit.
func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageRunes {
		return text
	}

	return string(runes[:maxMessageRunes-len([]rune(truncatedSuffix))]) + truncatedSuffix
}
