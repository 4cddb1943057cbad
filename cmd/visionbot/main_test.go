package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"visionbot/internal/config"
	"visionbot/internal/domain"
	"visionbot/internal/vision"
)

func TestNewLogger_FileAndFormat(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "visionbot.log")
	var stderr bytes.Buffer

	l, closer, err := newLogger(config.LogConfig{Level: "warn", Format: "json", File: logFile}, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	closer.Close()

	if strings.Contains(stderr.String(), "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(stderr.String(), `"msg":"shown"`) {
		t.Errorf("stderr = %q", stderr.String())
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"k":"v"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestPrintReport(t *testing.T) {
	report := vision.Report{Outcomes: []vision.Outcome{
		{Kind: vision.KindWeb, Result: vision.Result{Kind: vision.KindWeb, Lines: []string{"\n**Web annotations:**"}}},
		{Kind: vision.KindLabel, Result: vision.Result{Kind: vision.KindLabel, Lines: []string{"\n**Labels:**", "* cat"}}},
		{Kind: vision.KindFace, Err: domain.ErrTimeout},
	}}
	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	for _, want := range []string{"Labels\n* cat", "face: failed (timeout)", "status: partial, findings: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Web annotations") {
		t.Error("empty results should not be printed")
	}
}

func TestPrintRecord(t *testing.T) {
	var buf bytes.Buffer
	printRecord(&buf, domain.AnalysisRecord{
		Channel:    "webex",
		Source:     "https://example.com/a.png",
		Status:     domain.AnalysisFailed,
		ErrorClass: domain.Classify(errors.Join(domain.ErrUnauthorized)),
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	out := buf.String()
	for _, want := range []string{"2026-01-02 03:04:05", "failed", "error=unauthorized", "https://example.com/a.png"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestPrintRecord_RedactsTokenURL(t *testing.T) {
	var buf bytes.Buffer
	printRecord(&buf, domain.AnalysisRecord{
		Channel: "telegram",
		Source:  "https://api.telegram.org/file/bot123456:SECRET-TOKEN/photos/file_1.jpg",
		Status:  domain.AnalysisOK,
	})
	if out := buf.String(); strings.Contains(out, "SECRET-TOKEN") || !strings.Contains(out, "photos/file_1.jpg") {
		t.Errorf("history line = %q", out)
	}
}

func TestRenderTemplate(t *testing.T) {
	unit := renderTemplate(systemdTemplate, map[string]string{"EXEC": "/usr/bin/visionbot", "CONFIG": "/etc/vb.yaml"})
	if !strings.Contains(unit, "ExecStart=/usr/bin/visionbot serve --config /etc/vb.yaml") {
		t.Errorf("unit = %s", unit)
	}
	if strings.Contains(unit, "{{") {
		t.Error("unreplaced placeholder")
	}
}

func TestRunWizard(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	input := strings.Join([]string{
		"tok-123",                 // bot token
		"bot-1",                   // bot id
		"wh-1",                    // webhook id
		"",                        // secret
		"n",                       // tunnel
		"https://bot.example.com", // target url
		"vision-key",              // api key
		"",                        // MAC detection, keep default
		"y",                       // telegram
		"tg-token",                // telegram token
		"111, 222",                // allowFrom
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := runWizard(strings.NewReader(input), &out, cfgPath); err != nil {
		t.Fatalf("runWizard: %v\n%s", err, out.String())
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bot.Token != "tok-123" || cfg.Bot.ID != "bot-1" || cfg.Webex.WebhookID != "wh-1" {
		t.Errorf("bot/webhook = %+v %+v", cfg.Bot, cfg.Webex)
	}
	if cfg.Tunnel.Enabled || cfg.Webex.TargetURL != "https://bot.example.com" {
		t.Errorf("tunnel = %+v target = %q", cfg.Tunnel, cfg.Webex.TargetURL)
	}
	if !cfg.Vision.DetectMACAddresses || cfg.Vision.APIKey != "vision-key" {
		t.Errorf("vision = %+v", cfg.Vision)
	}
	if !cfg.Telegram.Enabled || len(cfg.Telegram.AllowFrom) != 2 || cfg.Telegram.AllowFrom[1] != "222" {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if err := config.ValidateServe(cfg); err != nil {
		t.Errorf("wizard output should be servable: %v", err)
	}
}
