package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"visionbot/internal/config"
	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
	"visionbot/internal/store"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "visionbot",
		Short: "visionbot: image analysis bot for Webex rooms",
		Long: "visionbot listens for Webex webhooks, runs posted images and image URLs through " +
			"Google Cloud Vision, and posts what it finds back to the room.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.visionbot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(setupCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(registerWebhookCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and replaces the bootstrap logger with
// one built from the log section. The returned closer flushes the log file.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, closer, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	return cfg, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the root logger. With a log file configured, records go
// to both stderr and the file.
func newLogger(lc config.LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}

	out := stderr
	var closer io.Closer = nopCloser{}
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stderr, f)
		closer = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the work directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workDir := config.ExpandPath(cfg.Attachments.WorkDir)
			if err := os.MkdirAll(workDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workdir", workDir)
			fmt.Println("Next: set bot.id, bot.token and webex.webhookId, or run 'visionbot setup'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent analyses from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()
			if !cfg.Store.Enabled {
				return fmt.Errorf("the audit log is disabled (store.enabled: false)")
			}

			st, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			records, err := st.RecentAnalyses(ctx, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No analyses recorded yet.")
				return nil
			}
			for _, r := range records {
				printRecord(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of rows to show")
	return cmd
}

func printRecord(w io.Writer, r domain.AnalysisRecord) {
	status := statusColor(r.Status).Sprintf("%-7s", r.Status)
	line := fmt.Sprintf("%s  %s  %-8s findings=%d", r.CreatedAt.Format(time.DateTime), status, r.Channel, r.Findings)
	if r.ErrorClass != "" {
		line += " error=" + r.ErrorClass
	}
	source := r.Source
	if strings.Contains(source, "://") {
		source = httpclient.RedactURL(source)
	}
	fmt.Fprintf(w, "%s  %s\n", line, source)
}

func statusColor(s domain.AnalysisStatus) *color.Color {
	switch s {
	case domain.AnalysisOK:
		return color.New(color.FgGreen)
	case domain.AnalysisPartial:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. vision.maxImageWidth)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), val)
		},
	})

	var flat bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if !flat {
				return printYAML(cmd.OutOrStdout(), sanitized)
			}
			paths, values := config.ListPaths(sanitized)
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", p, values[p])
			}
			return nil
		},
	}
	show.Flags().BoolVar(&flat, "flat", false, "print one dot-path per line")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}

func printYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprint(w, strings.TrimSuffix(string(data), "\n")+"\n")
	return nil
}
