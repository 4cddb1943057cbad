package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"visionbot/internal/config"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: bot account → webhook → vision → telegram → save config",
		Long: "Guides you through the Webex bot credentials, the webhook to keep pointed at the " +
			"tunnel, Google Vision credentials and the optional Telegram channel. Writes config to " +
			"the path used by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(cmd.InOrStdin(), cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// ask prints label and returns the trimmed answer, or def when it is empty.
func (p prompter) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	if s := strings.TrimSpace(line); s != "" {
		return s, nil
	}
	return def, nil
}

func (p prompter) confirm(label string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	ans, err := p.ask(label+" (y/n)", d)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(ans), "y"), nil
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	p := prompter{in: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "\n--- Step 1: Webex bot account ---")
	fmt.Fprintln(out, "Create a bot at developer.webex.com; paste its access token and person ID.")
	if cfg.Bot.Token, err = p.ask("Bot access token (or ${WEBEX_BOT_TOKEN})", cfg.Bot.Token); err != nil {
		return err
	}
	if cfg.Bot.ID, err = p.ask("Bot person ID", cfg.Bot.ID); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 2: Webhook ---")
	if cfg.Webex.WebhookID, err = p.ask("Webhook ID (empty to manage it yourself)", cfg.Webex.WebhookID); err != nil {
		return err
	}
	if cfg.Webex.WebhookSecret, err = p.ask("Webhook secret (empty disables signature checks)", cfg.Webex.WebhookSecret); err != nil {
		return err
	}
	if cfg.Tunnel.Enabled, err = p.confirm("Resolve the public URL from a local ngrok tunnel?", cfg.Tunnel.Enabled); err != nil {
		return err
	}
	if !cfg.Tunnel.Enabled {
		if cfg.Webex.TargetURL, err = p.ask("Public webhook base URL", cfg.Webex.TargetURL); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Step 3: Google Cloud Vision ---")
	if cfg.Vision.APIKey, err = p.ask("API key (empty: application default credentials)", cfg.Vision.APIKey); err != nil {
		return err
	}
	if cfg.Vision.DetectMACAddresses, err = p.confirm("Look for MAC addresses in detected text?", cfg.Vision.DetectMACAddresses); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 4: Telegram (optional) ---")
	if cfg.Telegram.Enabled, err = p.confirm("Also listen on a Telegram bot?", cfg.Telegram.Enabled); err != nil {
		return err
	}
	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token, err = p.ask("Telegram bot token (from @BotFather)", cfg.Telegram.Token); err != nil {
			return err
		}
		ids, err := p.ask("Allowed Telegram user IDs, comma separated (empty allows everyone)", strings.Join(cfg.Telegram.AllowFrom, ","))
		if err != nil {
			return err
		}
		cfg.Telegram.AllowFrom = splitList(ids)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'visionbot doctor', then 'visionbot serve'.")
	return nil
}

func splitList(s string) config.FlexStringList {
	var out config.FlexStringList
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
