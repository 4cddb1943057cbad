package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"visionbot/internal/domain"
	"visionbot/internal/webex"
)

const maxWebhookBody = 1 << 20

// WebhookRecorder counts webhook deliveries by outcome.
type WebhookRecorder interface {
	RecordWebhook(channel, outcome string)
}

// WebexConfig configures the Webex channel.
type WebexConfig struct {
	Host   string
	Port   int
	Path   string // webhook URL path (default: /)
	Secret string // webhook secret; enables X-Spark-Signature checks
	BotID  string // events from this actor are ignored
	Client *webex.Client
	// Routes are extra GET handlers served next to the webhook (metrics).
	Routes   map[string]http.Handler
	Recorder WebhookRecorder
	Logger   *slog.Logger
}

// Webex receives webhook notifications from Webex and posts replies through
// the REST client.
type Webex struct {
	addr     string
	path     string
	secret   string
	botID    string
	client   *webex.Client
	recorder WebhookRecorder
	bus      domain.MessageBus
	echo     *echo.Echo
	logger   *slog.Logger
}

// webexEvent is the webhook notification body. Only the fields the bot reads
// are decoded.
type webexEvent struct {
	ID       string         `json:"id"`
	Resource string         `json:"resource"`
	Event    string         `json:"event"`
	ActorID  string         `json:"actorId"`
	Data     webexEventData `json:"data"`
}

type webexEventData struct {
	ID       string   `json:"id" validate:"required"`
	RoomID   string   `json:"roomId" validate:"required"`
	PersonID string   `json:"personId"`
	Files    []string `json:"files,omitempty" validate:"omitempty,dive,url"`
	Created  string   `json:"created,omitempty"`
}

// payloadValidator plugs validator into echo's c.Validate.
type payloadValidator struct {
	v *validator.Validate
}

func (pv *payloadValidator) Validate(i any) error {
	if err := pv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("received invalid request body: %v", err))
	}
	return nil
}

func NewWebex(cfg WebexConfig) *Webex {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Webex{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:     cfg.Path,
		secret:   cfg.Secret,
		botID:    cfg.BotID,
		client:   cfg.Client,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.With("channel", "webex"),
	}
	w.echo = w.newServer(cfg.Routes)
	return w
}

func (w *Webex) newServer(routes map[string]http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &payloadValidator{v: validator.New()}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			w.logger.Debug("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))

	e.POST(w.path, w.handleWebhook)
	e.GET("/probe", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	for path, h := range routes {
		e.GET(path, echo.WrapHandler(h))
	}
	return e
}

func (w *Webex) Name() string { return "webex" }

// Handler exposes the HTTP handler, mostly for tests.
func (w *Webex) Handler() http.Handler { return w.echo }

// Start serves the webhook endpoint until ctx is cancelled.
func (w *Webex) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	w.echo.Server.ReadHeaderTimeout = 10 * time.Second
	w.echo.Server.ReadTimeout = 30 * time.Second
	w.echo.Server.IdleTimeout = 60 * time.Second

	w.logger.Info("webhook server starting", "addr", w.addr, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.echo.Start(w.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		return w.Stop()
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webex) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.echo.Shutdown(ctx)
}

// Send posts markdown to a room.
func (w *Webex) Send(ctx context.Context, chatID string, content string) error {
	return w.client.PostMessage(ctx, chatID, content)
}

// SendBatch posts each item as its own message, in order.
func (w *Webex) SendBatch(ctx context.Context, chatID string, items []string) []error {
	return w.client.PostMessages(ctx, chatID, items)
}

// LoadMessage fills in the message text, which webhook notifications omit.
func (w *Webex) LoadMessage(ctx context.Context, msg *domain.InboundMessage) error {
	m, err := w.client.GetMessage(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	msg.Content = m.Text
	if len(msg.Media) == 0 {
		msg.Media = m.Files
	}
	return nil
}

// Authorize lets attachment downloads carry the bot token.
func (w *Webex) Authorize(req *http.Request) { w.client.Authorize(req) }

func (w *Webex) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.String(http.StatusBadRequest, "Bad Request")
	}

	if w.secret != "" {
		sig := c.Request().Header.Get("X-Spark-Signature")
		if sig == "" {
			w.record("unauthorized")
			return c.String(http.StatusUnauthorized, "Missing signature")
		}
		if !verifySparkSignature(body, w.secret, sig) {
			w.record("forbidden")
			return c.String(http.StatusForbidden, "Invalid signature")
		}
	}

	var evt webexEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		w.record("malformed")
		return c.String(http.StatusBadRequest, "Invalid JSON")
	}

	// The bot's own posts trigger the webhook too.
	if evt.ActorID != "" && evt.ActorID == w.botID {
		w.record("self")
		return c.String(http.StatusOK, "OK")
	}

	if err := c.Validate(&evt.Data); err != nil {
		w.record("malformed")
		w.logger.Warn("webhook payload rejected", "error", err)
		return c.String(http.StatusBadRequest, "Invalid payload")
	}

	w.logger.Info("webhook received",
		"message_id", evt.Data.ID,
		"room_id", evt.Data.RoomID,
		"actor_id", evt.ActorID,
		"files", len(evt.Data.Files),
	)

	// The acknowledgement never waits on the bot; a full bus drops the event.
	accepted := w.bus.TryPublish(domain.InboundMessage{
		Channel:   w.Name(),
		MessageID: evt.Data.ID,
		ChatID:    evt.Data.RoomID,
		SenderID:  evt.ActorID,
		Media:     evt.Data.Files,
		Timestamp: time.Now(),
	})
	if !accepted {
		w.record("dropped")
		w.logger.Error("inbound bus full, webhook event dropped", "message_id", evt.Data.ID, "room_id", evt.Data.RoomID)
		return c.String(http.StatusOK, "OK")
	}
	w.record("accepted")

	return c.String(http.StatusOK, "OK")
}

func (w *Webex) record(outcome string) {
	if w.recorder != nil {
		w.recorder.RecordWebhook(w.Name(), outcome)
	}
}

// verifySparkSignature checks the hex HMAC-SHA1 of the body that Webex sends
// in X-Spark-Signature when the webhook has a secret.
func verifySparkSignature(body []byte, secret, signature string) bool {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
