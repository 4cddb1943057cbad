package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"visionbot/internal/config"
)

// serviceTarget describes how one init system runs the listener as a user
// service. The unit path is relative to the home directory.
type serviceTarget struct {
	manager  string
	unitPath []string
	template string
	start    []string // printed after install
	stop     []string // printed before uninstall removes the unit
}

const serviceLabel = "com.visionbot.serve"

var serviceTargets = map[string]serviceTarget{
	"darwin": {
		manager:  "launchd",
		unitPath: []string{"Library", "LaunchAgents", serviceLabel + ".plist"},
		template: launchdTemplate,
		start:    []string{"launchctl load {{UNIT}}"},
		stop:     []string{"launchctl unload {{UNIT}}"},
	},
	"linux": {
		manager:  "systemd",
		unitPath: []string{".config", "systemd", "user", "visionbot.service"},
		template: systemdTemplate,
		start:    []string{"systemctl --user daemon-reload", "systemctl --user enable --now visionbot"},
		stop:     []string{"systemctl --user disable --now visionbot"},
	},
}

func currentTarget() (serviceTarget, error) {
	t, ok := serviceTargets[runtime.GOOS]
	if !ok {
		return serviceTarget{}, fmt.Errorf("no service manager support for %s (supported: darwin, linux)", runtime.GOOS)
	}
	return t, nil
}

func (t serviceTarget) path(home string) string {
	return filepath.Join(append([]string{home}, t.unitPath...)...)
}

// render fills the unit template. Logs go next to the config directory.
func (t serviceTarget) render(execPath, cfgPath, logDir string) string {
	return renderTemplate(t.template, map[string]string{
		"EXEC":    execPath,
		"CONFIG":  cfgPath,
		"LABEL":   serviceLabel,
		"LOG":     filepath.Join(logDir, "visionbot.log"),
		"ERR_LOG": filepath.Join(logDir, "visionbot-error.log"),
	})
}

// install writes the unit under home and returns its path.
func (t serviceTarget) install(home, execPath, cfgPath, logDir string) (string, error) {
	unit := t.path(home)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(unit), 0o755); err != nil {
		return "", fmt.Errorf("create %s unit directory: %w", t.manager, err)
	}
	if err := os.WriteFile(unit, []byte(t.render(execPath, cfgPath, logDir)), 0o644); err != nil {
		return "", fmt.Errorf("write %s unit: %w", t.manager, err)
	}
	return unit, nil
}

// uninstall removes the unit under home. A missing unit is not an error.
func (t serviceTarget) uninstall(home string) (string, bool, error) {
	unit := t.path(home)
	err := os.Remove(unit)
	if errors.Is(err, fs.ErrNotExist) {
		return unit, false, nil
	}
	if err != nil {
		return unit, false, fmt.Errorf("remove %s unit: %w", t.manager, err)
	}
	return unit, true, nil
}

func printHints(w io.Writer, hints []string, unit string) {
	for _, h := range hints {
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(h, "{{UNIT}}", unit))
	}
}

func installDaemonCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install 'visionbot serve' as a user service (launchd/systemd)",
		Long:  "Generates and installs a service file that runs the webhook listener on login and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := currentTarget()
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath := resolveConfigPath()
			logDir := filepath.Join(config.DefaultConfigDir(), "logs")
			out := cmd.OutOrStdout()

			if printOnly {
				fmt.Fprintln(out, target.render(execPath, cfgPath, logDir))
				return nil
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			unit, err := target.install(home, execPath, cfgPath, logDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s service installed: %s\nTo start:\n", target.manager, unit)
			printHints(out, target.start, unit)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the service file instead of installing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the visionbot user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := currentTarget()
			if err != nil {
				return err
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			unit, removed, err := target.uninstall(home)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(out, "no %s service installed at %s\n", target.manager, unit)
				return nil
			}
			fmt.Fprintf(out, "%s service removed: %s\nIf it is still running, stop it with:\n", target.manager, unit)
			printHints(out, target.stop, unit)
			return nil
		},
	}
}

// renderTemplate replaces {{KEY}} placeholders.
func renderTemplate(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>5</integer>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

// TimeoutStopSec covers the listener's shutdown drain.
const systemdTemplate = `[Unit]
Description=visionbot image analysis bot (Webex webhook listener)
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=20
StandardOutput=append:{{LOG}}
StandardError=append:{{ERR_LOG}}

[Install]
WantedBy=default.target`
