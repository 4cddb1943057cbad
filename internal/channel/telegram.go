package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	// Media entries hold file IDs until LoadMessage swaps them for URLs.
	telegramFilePrefix = "tg-file:"
)

// Telegram implements domain.Channel for a Telegram bot. Photos and image
// documents are analyzed like Webex attachments; captions and text are
// scanned for image URLs.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger.With("channel", "telegram"),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and long-polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error {
	return nil
}

// Send delivers markdown to a chat, split to Telegram's size limit.
func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if t.bot == nil {
		return errors.New("telegram bot not started")
	}
	text := toTelegramMarkdown(content)
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, id, chunk); err != nil {
			return err
		}
	}
	return nil
}

// LoadMessage resolves file IDs in Media to direct download URLs.
func (t *Telegram) LoadMessage(_ context.Context, msg *domain.InboundMessage) error {
	if t.bot == nil {
		return errors.New("telegram bot not started")
	}
	for i, ref := range msg.Media {
		fileID, ok := strings.CutPrefix(ref, telegramFilePrefix)
		if !ok {
			continue
		}
		link, err := t.bot.GetFileDirectURL(fileID)
		if err != nil {
			return fmt.Errorf("resolve telegram file: %w", httpclient.RedactError(err))
		}
		msg.Media[i] = link
	}
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		return
	}

	msg, ok := inboundFromTelegram(m)
	if !ok {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", m.From.ID,
		"chat_id", m.Chat.ID,
		"media", len(msg.Media),
		"text_len", len(msg.Content),
	)
	t.bus.Publish(msg)
}

// inboundFromTelegram maps a Telegram message onto the bot's inbound model.
// /start and /help become help requests.
func inboundFromTelegram(m *tgbotapi.Message) (domain.InboundMessage, bool) {
	msg := domain.InboundMessage{
		Channel:   "telegram",
		MessageID: fmt.Sprintf("%d:%d", m.Chat.ID, m.MessageID),
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		SenderID:  strconv.FormatInt(m.From.ID, 10),
		Content:   strings.TrimSpace(m.Text),
		Timestamp: time.Unix(int64(m.Date), 0),
	}

	if m.IsCommand() {
		switch m.Command() {
		case "start", "help":
			msg.Content = "help"
			return msg, true
		default:
			return msg, false
		}
	}

	if len(m.Photo) > 0 {
		// Sizes are ascending; the last one is the original.
		msg.Media = append(msg.Media, telegramFilePrefix+m.Photo[len(m.Photo)-1].FileID)
	}
	if m.Document != nil && strings.HasPrefix(m.Document.MimeType, "image/") {
		msg.Media = append(msg.Media, telegramFilePrefix+m.Document.FileID)
	}
	if msg.Content == "" {
		msg.Content = strings.TrimSpace(m.Caption)
	}

	if msg.Content == "" && len(msg.Media) == 0 {
		return msg, false
	}
	return msg, true
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

var boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

// toTelegramMarkdown rewrites **bold** to the legacy Markdown *bold* and
// trims the leading blank lines the result blocks start with.
func toTelegramMarkdown(s string) string {
	return strings.TrimLeft(boldPattern.ReplaceAllString(s, "*$1*"), "\n")
}

// splitMessage cuts msg into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(msg string, maxLen int) []string {
	var chunks []string
	for len(msg) > maxLen {
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(msg)
			}
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return append(chunks, msg)
}

// sendChunk sends one chunk: Markdown first, plain text when the markup does
// not parse, with backoff on rate limits and transient errors.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		// Transport errors carry the API URL, which embeds the token.
		err = httpclient.RedactError(err)
		lastErr = err
		errStr := err.Error()

		if attempt == 0 && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			if _, err2 := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err2 == nil {
				return nil
			}
		}

		if attempt == telegramMaxSendRetries {
			break
		}
		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff *= 3
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}
