package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"visionbot/internal/config"
	"visionbot/internal/store"
	"visionbot/internal/vision"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-20s %s\n", color.GreenString("[PASS]"), check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-20s %s\n", color.YellowString("[WARN]"), check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-20s %s\n", color.RedString("[FAIL]"), check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your visionbot installation",
		Long: `Verifies the configuration, the Webex bot token, the tunnel, Vision
credentials, the work directory and the audit database. Reports pass/fail
for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("visionbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'visionbot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if err := config.ValidateServe(cfg); err != nil {
				r.fail("Serve settings", err.Error())
			} else {
				r.pass("Serve settings", "bot credentials present")
			}

			timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
			ctx, cancel := context.WithTimeout(context.Background(), 3*timeout)
			defer cancel()

			// Webex token
			wc := newWebexClient(cfg)
			if cfg.Bot.Token == "" {
				r.warn("Webex token", "skipped: bot.token not set")
			} else if me, err := wc.Me(ctx); err != nil {
				r.fail("Webex token", err.Error())
			} else if cfg.Bot.ID != "" && me.ID != cfg.Bot.ID {
				r.warn("Webex token", fmt.Sprintf("token belongs to %s (%s), bot.id is %s", me.DisplayName, me.ID, cfg.Bot.ID))
			} else {
				r.pass("Webex token", me.DisplayName)
			}

			// Webhook target
			if cfg.Webex.WebhookID == "" {
				r.warn("Webhook target", "webex.webhookId not set, target will not be updated")
			} else if target, err := newRegistrar(cfg, wc).Resolve(ctx); err != nil {
				r.fail("Webhook target", err.Error())
			} else {
				r.pass("Webhook target", target)
			}

			// Vision credentials
			if cfg.Vision.APIKey != "" {
				r.pass("Vision credentials", "API key configured")
			} else if _, err := vision.NewDefaultCredentialsClient(ctx); err != nil {
				r.fail("Vision credentials", "no apiKey and no application default credentials")
			} else {
				r.pass("Vision credentials", "application default credentials")
			}

			// Work directory
			if err := checkWritableDir(cfg.Attachments.WorkDir); err != nil {
				r.fail("Work directory", err.Error())
			} else {
				r.pass("Work directory", cfg.Attachments.WorkDir)
			}

			// Audit database
			if !cfg.Store.Enabled {
				r.warn("Audit database", "disabled; redelivered webhooks will be processed twice")
			} else if err := checkDatabase(ctx, cfg.Store.DBPath); err != nil {
				r.fail("Audit database", err.Error())
			} else {
				r.pass("Audit database", cfg.Store.DBPath)
			}

			// Listener port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Listener port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Listener port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			if cfg.Telegram.Enabled {
				if len(cfg.Telegram.AllowFrom) == 0 {
					r.warn("Telegram", "enabled with an empty allowFrom; every user is accepted")
				} else {
					r.pass("Telegram", fmt.Sprintf("%d allowed user(s)", len(cfg.Telegram.AllowFrom)))
				}
			}

			return r.summary()
		},
	}
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running visionbot.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nvisionbot should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! visionbot is ready to run.\n")
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
