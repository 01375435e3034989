package channels

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/otel"
)

// ErrNotConfigured is returned when no bot token or chat is set.
var ErrNotConfigured = errors.New("telegram not configured")

// botSession lazily builds the Bot API client for the current settings.
// Building a client calls getMe, so it is deferred until the first use and
// rebuilt only when the token or endpoint changes.
type botSession struct {
	mu       sync.Mutex
	cfg      config.TelegramConfig
	bot      *tgbotapi.BotAPI
	botToken string
	endpoint string
}

func (s *botSession) settings() config.TelegramConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *botSession) reload(cfg config.TelegramConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if cfg.BotToken != s.botToken || cfg.APIEndpoint != s.endpoint {
		s.bot = nil
	}
}

func (s *botSession) client() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.BotToken == "" {
		return nil, ErrNotConfigured
	}
	if s.bot != nil {
		return s.bot, nil
	}
	endpoint := s.cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(s.cfg.BotToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	s.bot, s.botToken, s.endpoint = bot, s.cfg.BotToken, s.cfg.APIEndpoint
	return bot, nil
}

// TelegramNotifier posts delegation notices to the configured chat.
type TelegramNotifier struct {
	session botSession
	tracer  trace.Tracer
	logger  *slog.Logger
}

var _ coordinator.Notifier = (*TelegramNotifier)(nil)

func NewTelegramNotifier(cfg config.TelegramConfig, tracer trace.Tracer, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("clawoffice")
	}
	n := &TelegramNotifier{tracer: tracer, logger: logger.With("component", "telegram")}
	n.session.cfg = cfg
	return n
}

// Reload picks up new bot settings from a config change.
func (n *TelegramNotifier) Reload(cfg config.Config) {
	n.session.reload(cfg.Telegram)
}

// NotifyDelegation sends "<agent>'s on it" with one bullet per detail, or
// the summary when there are none.
func (n *TelegramNotifier) NotifyDelegation(ctx context.Context, to agent.Info, summary string, details []string) error {
	cfg := n.session.settings()
	if !cfg.Enabled() {
		n.logger.Debug("telegram: not configured, skipping notification", "agent", to.ID)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := n.session.client()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(cfg.ChatID, FormatDelegation(to.Name, to.Emoji, summary, details))
	msg.ParseMode = tgbotapi.ModeHTML
	ctx, span := otel.StartClientSpan(ctx, n.tracer, "telegram.send_message", otel.AttrAgentID.String(to.ID))
	defer span.End()
	if _, err := bot.Send(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("telegram send: %w", err)
	}
	n.logger.InfoContext(ctx, "telegram: sent delegation notification", "agent", to.ID)
	return nil
}

// FormatDelegation renders the HTML notice text.
func FormatDelegation(name, emoji, summary string, details []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s's on it %s:</b>\n", html.EscapeString(name), emoji)
	if len(details) == 0 {
		details = []string{summary}
	}
	for _, d := range details {
		b.WriteString("• " + html.EscapeString(d) + "\n")
	}
	return b.String()
}

// TelegramChannel long-polls the Bot API for updates and feeds displayable
// messages to the pipeline. It is the alternative to the webhook route for
// deployments that cannot receive inbound HTTPS.
type TelegramChannel struct {
	session botSession
	sink    Ingester
	logger  *slog.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, sink Ingester, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramChannel{sink: sink, logger: logger.With("component", "telegram")}
	t.session.cfg = cfg
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := t.session.client()
	if err != nil {
		return err
	}
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		delivered, pollErr := t.pollUpdates(ctx, updates)
		// Stop the library's polling goroutine before dialing again.
		bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}
		if delivered {
			b.Reset()
		}

		wait := b.NextBackOff()
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "retry_in", wait.Round(time.Millisecond))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout. delivered
// reports whether any update came through.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) (delivered bool, err error) {
	// The library blocks rather than closing the channel on a dead
	// connection, so silence is the only signal.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case update, ok := <-updates:
			if !ok {
				return delivered, fmt.Errorf("update channel closed")
			}
			delivered = true
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return delivered, fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	in, ok := ParseUpdate(update)
	if !ok {
		return
	}
	res, err := t.sink.IngestWebhook(ctx, coordinator.WebhookMessage{
		MessageID: in.MessageID,
		Text:      in.Text,
		Sender:    in.Sender,
	})
	if err != nil {
		t.logger.Error("telegram: ingest failed", "tg_message_id", in.MessageID, "error", err)
		return
	}
	if res.Duplicate {
		t.logger.Debug("telegram: duplicate update", "tg_message_id", in.MessageID, "request_id", res.RequestID)
	}
}
