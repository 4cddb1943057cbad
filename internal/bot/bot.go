// Package bot consumes inbound room events and drives the analysis flow:
// resolve attachments or URLs, run the detectors, post the results back.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"visionbot/internal/attachment"
	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
	"visionbot/internal/imaging"
	"visionbot/internal/vision"
)

const (
	defaultConcurrency  = 4
	defaultDrainTimeout = 10 * time.Second
)

// Message outcomes reported to the Recorder.
const (
	OutcomeAnalyzed  = "analyzed"
	OutcomeNotImage  = "not_image"
	OutcomeHelp      = "help"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// Messages holds the canned replies.
type Messages struct {
	Help         string
	NotImageFile string
	NotImageURL  string
	Closing      string // posted after each analyzed image; empty disables it
}

// Recorder receives processing metrics. All methods must be safe for
// concurrent use.
type Recorder interface {
	RecordMessage(channel, outcome string)
	RecordAnalysis(status string)
	RecordPost(channel string, err error)
	MessageStarted()
	MessageFinished()
}

// Bot is the orchestrator between channels and the vision pipeline.
type Bot struct {
	bus          domain.MessageBus
	channels     map[string]domain.Channel
	resolver     *attachment.Resolver
	prep         *imaging.Preprocessor
	dispatcher   *vision.Dispatcher
	store        domain.AnalysisStore
	recorder     Recorder
	messages     Messages
	concurrency  int
	drainTimeout time.Duration
	logger       *slog.Logger
}

// Config holds the bot's dependencies. Store and Recorder are optional.
type Config struct {
	Bus          domain.MessageBus
	Channels     []domain.Channel
	Resolver     *attachment.Resolver
	Preprocessor *imaging.Preprocessor
	Dispatcher   *vision.Dispatcher
	Store        domain.AnalysisStore
	Recorder     Recorder
	Messages     Messages
	Concurrency  int           // max messages processed at once
	DrainTimeout time.Duration // how long in-flight messages may run after shutdown starts
	Logger       *slog.Logger
}

func New(cfg Config) *Bot {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	channels := make(map[string]domain.Channel, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.Name()] = ch
	}
	return &Bot{
		bus:          cfg.Bus,
		channels:     channels,
		resolver:     cfg.Resolver,
		prep:         cfg.Preprocessor,
		dispatcher:   cfg.Dispatcher,
		store:        cfg.Store,
		recorder:     cfg.Recorder,
		messages:     cfg.Messages,
		concurrency:  cfg.Concurrency,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger.With("component", "bot"),
	}
}

// Run consumes inbound messages with bounded concurrency until the bus is
// closed, then waits for in-flight messages. Cancelling ctx starts the drain:
// messages already taken keep running, and whatever is still queued is
// handled, until the drain timeout cancels them.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("bot started", "concurrency", b.concurrency, "channels", len(b.channels))

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	go func() {
		select {
		case <-work.Done():
			return
		case <-ctx.Done():
		}
		b.logger.Info("bot draining", "timeout", b.drainTimeout)
		timer := time.NewTimer(b.drainTimeout)
		defer timer.Stop()
		select {
		case <-work.Done():
		case <-timer.C:
			b.logger.Warn("drain timeout reached, cancelling in-flight messages")
			cancelWork()
		}
	}()

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	inbound := b.bus.Subscribe()
	for {
		var msg domain.InboundMessage
		select {
		case <-work.Done():
			b.logger.Info("bot stopping")
			return
		case m, ok := <-inbound:
			if !ok {
				b.logger.Info("inbound channel closed, bot stopping")
				return
			}
			msg = m
		}
		select {
		case sem <- struct{}{}:
		case <-work.Done():
			return
		}
		wg.Add(1)
		go func(m domain.InboundMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			b.HandleMessage(work, m)
		}(msg)
	}
}

// HandleMessage processes one inbound message synchronously and returns its outcome.
func (b *Bot) HandleMessage(ctx context.Context, msg domain.InboundMessage) string {
	if b.recorder != nil {
		b.recorder.MessageStarted()
		defer b.recorder.MessageFinished()
	}
	outcome := b.handle(ctx, msg)
	if b.recorder != nil {
		b.recorder.RecordMessage(msg.Channel, outcome)
	}
	return outcome
}

func (b *Bot) handle(ctx context.Context, msg domain.InboundMessage) string {
	logger := b.logger.With("channel", msg.Channel, "message", msg.MessageID, "room", msg.ChatID)

	ch, ok := b.channels[msg.Channel]
	if !ok {
		logger.Warn("message from unknown channel dropped")
		return OutcomeIgnored
	}

	if b.store != nil && msg.MessageID != "" {
		fresh, err := b.store.MarkProcessed(ctx, msg.Channel, msg.MessageID, msg.ChatID)
		if err != nil {
			logger.Warn("dedupe check failed, processing anyway", "error", err)
		} else if !fresh {
			logger.Info("duplicate delivery ignored")
			return OutcomeDuplicate
		}
	}

	if loader, ok := ch.(domain.MessageLoader); ok {
		if err := loader.LoadMessage(ctx, &msg); err != nil {
			logger.Error("failed to load message details", "class", domain.Classify(err), "error", err)
			return OutcomeError
		}
	}

	plan := attachment.PlanFor(msg)
	logger.Info("processing message", "plan", plan.Kind, "files", len(plan.Files), "urls", len(plan.URLs))

	switch plan.Kind {
	case attachment.PlanFiles:
		var auth domain.RequestAuthorizer
		if a, ok := ch.(domain.RequestAuthorizer); ok {
			auth = a
		}
		outcomes := make([]string, 0, len(plan.Files))
		for _, uri := range plan.Files {
			outcomes = append(outcomes, b.handleFile(ctx, ch, msg, uri, auth))
		}
		return summarize(outcomes)
	case attachment.PlanURLs:
		outcomes := make([]string, 0, len(plan.URLs))
		for _, u := range plan.URLs {
			outcomes = append(outcomes, b.handleURL(ctx, ch, msg, u))
		}
		return summarize(outcomes)
	case attachment.PlanHelp:
		b.post(ctx, ch, msg.ChatID, b.messages.Help)
		return OutcomeHelp
	default:
		return OutcomeIgnored
	}
}

// handleFile downloads one attachment, analyzes it, and removes every local
// copy before the closing message. Attachment URIs may embed credentials, so
// only their redacted form is logged or audited.
func (b *Bot) handleFile(ctx context.Context, ch domain.Channel, msg domain.InboundMessage, uri string, auth domain.RequestAuthorizer) string {
	label := httpclient.RedactURL(uri)
	path, err := b.resolver.Download(ctx, uri, auth)
	if errors.Is(err, domain.ErrUnsupportedContent) {
		b.post(ctx, ch, msg.ChatID, b.messages.NotImageFile)
		return OutcomeNotImage
	}
	if err != nil {
		b.logger.Error("attachment download failed", "uri", label, "class", domain.Classify(err), "error", err)
		b.audit(ctx, msg, label, domain.AnalysisFailed, 0, domain.Classify(err))
		return OutcomeError
	}

	files := newCleanup(b.logger, path)
	defer files.run()

	prepared, err := b.prep.Prepare(path)
	if errors.Is(err, domain.ErrUnsupportedContent) {
		b.logger.Info("attachment refused by preprocessor", "uri", label, "error", err)
		b.post(ctx, ch, msg.ChatID, b.messages.NotImageFile)
		return OutcomeNotImage
	}
	if err != nil {
		b.logger.Error("image preprocessing failed", "path", path, "error", err)
		b.audit(ctx, msg, label, domain.AnalysisFailed, 0, domain.Classify(err))
		return OutcomeError
	}
	files.add(prepared)

	if !b.analyze(ctx, ch, msg, domain.LocalFile(prepared), label) {
		return OutcomeError
	}
	files.run()
	b.post(ctx, ch, msg.ChatID, b.messages.Closing)
	return OutcomeAnalyzed
}

// handleURL analyzes an image URL in place; the vision API fetches it.
func (b *Bot) handleURL(ctx context.Context, ch domain.Channel, msg domain.InboundMessage, u string) string {
	label := httpclient.RedactURL(u)
	isImage, err := b.resolver.IsImageURL(ctx, u)
	if err != nil {
		b.logger.Warn("url probe failed, skipping", "url", label, "class", domain.Classify(err), "error", err)
		return OutcomeError
	}
	if !isImage {
		b.post(ctx, ch, msg.ChatID, b.messages.NotImageURL)
		return OutcomeNotImage
	}
	if !b.analyze(ctx, ch, msg, domain.RemoteURI(u), label) {
		return OutcomeError
	}
	b.post(ctx, ch, msg.ChatID, b.messages.Closing)
	return OutcomeAnalyzed
}

// analyze runs the detectors, posts each non-empty block in registry order,
// and writes the audit row. It returns false only when ctx ended first.
func (b *Bot) analyze(ctx context.Context, ch domain.Channel, msg domain.InboundMessage, src domain.ImageSource, label string) bool {
	report, err := b.dispatcher.Dispatch(ctx, src)
	if err != nil {
		b.logger.Warn("analysis interrupted", "source", label, "error", err)
		return false
	}
	b.postAll(ctx, ch, msg.ChatID, report.Blocks())

	status := report.Status()
	b.audit(ctx, msg, label, status, report.Findings(), firstFailure(report))
	if b.recorder != nil {
		b.recorder.RecordAnalysis(string(status))
	}
	b.logger.Info("image analyzed", "source", label, "status", status, "findings", report.Findings())
	return true
}

// ProcessDirect analyzes a local file or an http(s) URL without posting and
// returns the report. Local files are copied into the work directory first so
// the caller's file is never modified.
func (b *Bot) ProcessDirect(ctx context.Context, source string) (vision.Report, error) {
	var src domain.ImageSource
	label := source
	if urls := attachment.ExtractURLs(source); len(urls) == 1 && urls[0] == source {
		src = domain.RemoteURI(source)
		label = httpclient.RedactURL(source)
	} else {
		staged, err := stageLocal(source, b.resolver.WorkDir())
		if err != nil {
			return vision.Report{}, err
		}
		files := newCleanup(b.logger, staged)
		defer files.run()

		prepared, err := b.prep.Prepare(staged)
		if err != nil {
			return vision.Report{}, err
		}
		files.add(prepared)
		src = domain.LocalFile(prepared)
	}

	report, err := b.dispatcher.Dispatch(ctx, src)
	if err != nil {
		return report, fmt.Errorf("analyze %s: %w", label, err)
	}
	b.audit(ctx, domain.InboundMessage{Channel: "cli", Timestamp: time.Now()}, label,
		report.Status(), report.Findings(), firstFailure(report))
	return report, nil
}

func (b *Bot) post(ctx context.Context, ch domain.Channel, chatID, text string) {
	if text == "" {
		return
	}
	b.observePost(ch, chatID, ch.Send(ctx, chatID, text))
}

// postAll posts items in order, through one batch call when the channel
// supports it.
func (b *Bot) postAll(ctx context.Context, ch domain.Channel, chatID string, items []string) {
	batch, ok := ch.(domain.BatchSender)
	if !ok {
		for _, item := range items {
			b.post(ctx, ch, chatID, item)
		}
		return
	}
	if len(items) == 0 {
		return
	}
	for _, err := range batch.SendBatch(ctx, chatID, items) {
		b.observePost(ch, chatID, err)
	}
}

func (b *Bot) observePost(ch domain.Channel, chatID string, err error) {
	if b.recorder != nil {
		b.recorder.RecordPost(ch.Name(), err)
	}
	if err != nil {
		b.logger.Warn("failed to post message", "channel", ch.Name(), "room", chatID,
			"class", domain.Classify(err), "error", err)
	}
}

func (b *Bot) audit(ctx context.Context, msg domain.InboundMessage, source string, status domain.AnalysisStatus, findings int, errClass string) {
	if b.store == nil {
		return
	}
	err := b.store.RecordAnalysis(ctx, domain.AnalysisRecord{
		Channel:    msg.Channel,
		MessageID:  msg.MessageID,
		RoomID:     msg.ChatID,
		Source:     source,
		Status:     status,
		Findings:   findings,
		ErrorClass: errClass,
	})
	if err != nil {
		b.logger.Warn("failed to record analysis", "error", err)
	}
}

func firstFailure(r vision.Report) string {
	if failed := r.Failed(); len(failed) > 0 {
		return domain.Classify(failed[0].Err)
	}
	return ""
}

// summarize reduces per-item outcomes to one per message: any analysis wins,
// then errors, then canned replies.
func summarize(outcomes []string) string {
	result := OutcomeIgnored
	for _, o := range outcomes {
		switch {
		case o == OutcomeAnalyzed:
			return OutcomeAnalyzed
		case o == OutcomeError:
			result = OutcomeError
		case o == OutcomeNotImage && result != OutcomeError:
			result = OutcomeNotImage
		}
	}
	return result
}
