package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"visionbot/internal/attachment"
	"visionbot/internal/bot"
	"visionbot/internal/bus"
	"visionbot/internal/channel"
	"visionbot/internal/config"
	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
	"visionbot/internal/imaging"
	"visionbot/internal/metrics"
	"visionbot/internal/scheduler"
	"visionbot/internal/store"
	"visionbot/internal/tunnel"
	"visionbot/internal/vision"
	"visionbot/internal/webex"
)

const (
	drainTimeout       = 10 * time.Second
	shutdownTimeout    = 15 * time.Second
	processedRetention = 24 * time.Hour
	busBuffer          = 100
)

// pipeline is the channel-independent part of the bot: resolving, resizing
// and analyzing images.
type pipeline struct {
	resolver   *attachment.Resolver
	prep       *imaging.Preprocessor
	dispatcher *vision.Dispatcher
	store      *store.SQLiteStore // nil when disabled
	metrics    *metrics.Recorder
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	rec := metrics.NewRecorder(nil)

	var visionHTTP *http.Client
	if cfg.Vision.APIKey == "" {
		hc, err := vision.NewDefaultCredentialsClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("vision.apiKey is empty and %w", err)
		}
		hc.Timeout = timeout
		visionHTTP = hc
	}
	annotator := vision.NewClient(vision.ClientConfig{
		Endpoint:   cfg.Vision.Endpoint,
		APIKey:     cfg.Vision.APIKey,
		MaxResults: cfg.Vision.MaxResults,
		HTTPClient: visionHTTP,
		Timeout:    timeout,
		Limiter:    vision.NewLimiter(cfg.Vision.RatePerMinute, len(vision.Detectors())),
		Logger:     logger,
	})

	resolver, err := attachment.NewResolver(attachment.Config{
		WorkDir:  cfg.Attachments.WorkDir,
		MaxBytes: cfg.Attachments.MaxBytes,
		Timeout:  timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		resolver: resolver,
		prep:     imaging.NewPreprocessor(cfg.Vision.MaxImageWidth, cfg.Vision.MaxImagePixels, logger),
		dispatcher: vision.NewDispatcher(vision.DispatcherConfig{
			Annotator:          annotator,
			DetectMACAddresses: cfg.Vision.DetectMACAddresses,
			Concurrency:        cfg.Vision.Concurrency,
			Recorder:           rec,
			Logger:             logger,
		}),
		metrics: rec,
	}

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		p.store = st
	}
	return p, nil
}

// analysisStore avoids handing a typed nil to the bot.
func (p *pipeline) analysisStore() domain.AnalysisStore {
	if p.store == nil {
		return nil
	}
	return p.store
}

func (p *pipeline) Close() error {
	if p.store != nil {
		return p.store.Close()
	}
	return nil
}

func newWebexClient(cfg *config.Config) *webex.Client {
	return webex.NewClient(webex.Config{
		Token:   cfg.Bot.Token,
		APIBase: cfg.Webex.APIBase,
		Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		Logger:  logger,
	})
}

func newRegistrar(cfg *config.Config, wc *webex.Client) *tunnel.Registrar {
	var tc *tunnel.Client
	if cfg.Tunnel.Enabled {
		tc = tunnel.NewClient(cfg.Tunnel.APIURL, httpclient.Shared(time.Duration(cfg.HTTPTimeoutSeconds)*time.Second), httpclient.Retry{Logger: logger})
	}
	return tunnel.NewRegistrar(tunnel.RegistrarConfig{
		Tunnels:     tc,
		Scheme:      cfg.Tunnel.Scheme,
		StaticURL:   cfg.Webex.TargetURL,
		Path:        cfg.Webex.WebhookPath,
		WebhookID:   cfg.Webex.WebhookID,
		WebhookName: cfg.Webex.WebhookName,
		Updater: tunnel.UpdaterFunc(func(ctx context.Context, id, name, target string) error {
			_, err := wc.UpdateWebhook(ctx, id, name, target)
			return err
		}),
		Logger: logger,
	})
}

func botMessages(cfg *config.Config) bot.Messages {
	m := cfg.Bot.Messages
	return bot.Messages{
		Help:         m.Help,
		NotImageFile: m.NotImageFile,
		NotImageURL:  m.NotImageURL,
		Closing:      m.Closing,
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Register the webhook and start processing room events",
		Long: "Points the Webex webhook at the public tunnel URL (or webex.targetUrl), starts the " +
			"webhook listener and the enabled channels, and processes events until Ctrl+C.",
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := config.ValidateServe(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	messageBus := bus.New(busBuffer, logger)
	wc := newWebexClient(cfg)

	routes := map[string]http.Handler{}
	if cfg.Metrics.Enabled {
		routes[cfg.Metrics.Endpoint] = p.metrics.Collector().Handler()
	}
	webexCh := channel.NewWebex(channel.WebexConfig{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Path:     cfg.Webex.WebhookPath,
		Secret:   cfg.Webex.WebhookSecret,
		BotID:    cfg.Bot.ID,
		Client:   wc,
		Routes:   routes,
		Recorder: p.metrics,
		Logger:   logger,
	})
	channels := []domain.Channel{webexCh}

	if cfg.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			Logger:    logger,
		}))
		logger.Info("telegram channel enabled")
	}

	// The webhook target is registered before listening; a failure here is fatal.
	sched := scheduler.New(logger)
	if cfg.Webex.WebhookID != "" {
		registrar := newRegistrar(cfg, wc)
		target, err := registrar.Sync(ctx)
		if err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
		logger.Info("webhook registered", "url", target)
		if cfg.Tunnel.Enabled && cfg.Tunnel.ResyncSchedule != "" {
			if err := sched.Add(scheduler.Task{
				Name: "tunnel-resync",
				Spec: cfg.Tunnel.ResyncSchedule,
				Run: func(ctx context.Context) error {
					_, err := registrar.Sync(ctx)
					return err
				},
			}); err != nil {
				return err
			}
		}
	} else {
		logger.Warn("webex.webhookId not set, webhook target will not be updated")
	}

	if cfg.Attachments.SweepSchedule != "" {
		maxAge := time.Duration(cfg.Attachments.MaxAgeMinutes) * time.Minute
		if err := sched.Add(scheduler.Task{
			Name: "workdir-sweep",
			Spec: cfg.Attachments.SweepSchedule,
			Run: func(ctx context.Context) error {
				now := time.Now()
				n, err := scheduler.SweepDir(p.resolver.WorkDir(), maxAge, now, logger)
				if n > 0 {
					logger.Info("swept stale attachments", "count", n)
				}
				if p.store != nil {
					if _, perr := p.store.PruneProcessed(ctx, now.Add(-processedRetention)); perr != nil {
						err = errors.Join(err, perr)
					}
				}
				return err
			},
		}); err != nil {
			return err
		}
		// Clear what a previous run left behind before taking new work.
		if err := sched.RunNow(ctx, "workdir-sweep"); err != nil {
			logger.Warn("startup sweep failed", "error", err)
		}
	}

	b := bot.New(bot.Config{
		Bus:          messageBus,
		Channels:     channels,
		Resolver:     p.resolver,
		Preprocessor: p.prep,
		Dispatcher:   p.dispatcher,
		Store:        p.analysisStore(),
		Recorder:     p.metrics,
		Messages:     botMessages(cfg),
		Concurrency:  cfg.Bot.Concurrency,
		DrainTimeout: drainTimeout,
		Logger:       logger,
	})

	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		b.Run(ctx)
	}()
	go sched.Start(ctx)

	fatal := make(chan error, len(channels))
	for _, ch := range channels {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
				fatal <- fmt.Errorf("%s channel: %w", ch.Name(), err)
			}
		}(ch)
	}

	logger.Info("visionbot started. Press Ctrl+C to stop.", "version", version,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		stop()
	}
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Intake stops first; the bot then drains what it already took.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			ch.Stop()
		}
		sched.Stop()
		messageBus.Close()
		<-botDone
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = fmt.Errorf("shutdown timed out")
		}
	}
	return runErr
}

func registerWebhookCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "register-webhook",
		Short: "Point the Webex webhook at the current tunnel URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()
			if cfg.Bot.Token == "" || cfg.Webex.WebhookID == "" {
				return fmt.Errorf("bot.token and webex.webhookId are required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTPTimeoutSeconds)*time.Second)
			defer cancel()

			registrar := newRegistrar(cfg, newWebexClient(cfg))
			var target string
			if dryRun {
				target, err = registrar.Resolve(ctx)
			} else {
				target, err = registrar.Sync(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the resolved target URL")
	return cmd
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <path|url>",
		Short: "Run the detectors on a local image or an image URL and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			b := bot.New(bot.Config{
				Resolver:     p.resolver,
				Preprocessor: p.prep,
				Dispatcher:   p.dispatcher,
				Store:        p.analysisStore(),
				Logger:       logger,
			})
			report, err := b.ProcessDirect(ctx, args[0])
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func printReport(w io.Writer, report vision.Report) {
	header := color.New(color.FgCyan, color.Bold)
	for _, o := range report.Outcomes {
		if o.Err != nil {
			color.New(color.FgRed).Fprintf(w, "%s: failed (%s): %v\n", o.Kind, domain.Classify(o.Err), o.Err)
			continue
		}
		if o.Result.Empty() {
			continue
		}
		header.Fprintln(w, strings.Trim(strings.TrimSpace(o.Result.Lines[0]), "*:"))
		for _, line := range o.Result.Lines[1:] {
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}
	statusColor(report.Status()).Fprintf(w, "status: %s, findings: %d\n", report.Status(), report.Findings())
}
