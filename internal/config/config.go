package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for visionbot.
type Config struct {
	Log                LogConfig         `yaml:"log"`
	Server             ServerConfig      `yaml:"server"`
	Bot                BotConfig         `yaml:"bot"`
	Webex              WebexConfig       `yaml:"webex"`
	Tunnel             TunnelConfig      `yaml:"tunnel"`
	Vision             VisionConfig      `yaml:"vision"`
	Attachments        AttachmentsConfig `yaml:"attachments"`
	Telegram           TelegramConfig    `yaml:"telegram"`
	Store              StoreConfig       `yaml:"store"`
	Metrics            MetricsConfig     `yaml:"metrics"`
	HTTPTimeoutSeconds int               `yaml:"httpTimeoutSeconds" validate:"min=1,max=600"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// BotConfig identifies the bot account on the messaging platform. ID is
// compared against the webhook actorId to ignore the bot's own messages.
type BotConfig struct {
	ID          string         `yaml:"id"`
	Token       string         `yaml:"token"`
	Concurrency int            `yaml:"concurrency" validate:"min=1,max=64"`
	Messages    MessagesConfig `yaml:"messages"`
}

// MessagesConfig holds the canned markdown replies.
type MessagesConfig struct {
	Help         string `yaml:"help" validate:"required"`
	NotImageFile string `yaml:"notImageFile" validate:"required"`
	NotImageURL  string `yaml:"notImageUrl" validate:"required"`
	Closing      string `yaml:"closing"` // empty disables the closing message
}

type WebexConfig struct {
	APIBase       string `yaml:"apiBase" validate:"url"`
	WebhookID     string `yaml:"webhookId"`
	WebhookName   string `yaml:"webhookName"`
	WebhookSecret string `yaml:"webhookSecret,omitempty"`
	WebhookPath   string `yaml:"webhookPath" validate:"startswith=/"`
	TargetURL     string `yaml:"targetUrl,omitempty" validate:"omitempty,url"` // used when the tunnel is disabled
}

type TunnelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIURL         string `yaml:"apiUrl" validate:"url"`
	Scheme         string `yaml:"scheme" validate:"oneof=http https"`
	ResyncSchedule string `yaml:"resyncSchedule,omitempty" validate:"omitempty,cron"`
}

type VisionConfig struct {
	Endpoint           string `yaml:"endpoint" validate:"url"`
	APIKey             string `yaml:"apiKey,omitempty"` // empty: Application Default Credentials
	MaxImageWidth      int    `yaml:"maxImageWidth" validate:"min=16,max=8192"`
	MaxImagePixels     int    `yaml:"maxImagePixels" validate:"min=0"` // 0 = imaging default
	DetectMACAddresses bool   `yaml:"detectMacAddresses"`
	Concurrency        int    `yaml:"concurrency" validate:"min=1,max=6"`
	RatePerMinute      int    `yaml:"ratePerMinute" validate:"min=0"` // 0 = unlimited
	MaxResults         int    `yaml:"maxResults" validate:"min=0"`    // 0 = API default
}

type AttachmentsConfig struct {
	WorkDir       string `yaml:"workDir" validate:"required"`
	MaxBytes      int64  `yaml:"maxBytes" validate:"min=1"`
	SweepSchedule string `yaml:"sweepSchedule,omitempty" validate:"omitempty,cron"`
	MaxAgeMinutes int    `yaml:"maxAgeMinutes" validate:"min=1"`
}

type TelegramConfig struct {
	Enabled   bool           `yaml:"enabled"`
	Token     string         `yaml:"token" validate:"required_if=Enabled true"`
	AllowFrom FlexStringList `yaml:"allowFrom,omitempty"`
}

// FlexStringList is a []string that also accepts a single scalar, so
// `allowFrom: 12345` and `allowFrom: [12345, "67890"]` both work.
type FlexStringList []string

func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*f = nil
			return nil
		}
		*f = FlexStringList{node.Value}
		return nil
	case yaml.SequenceNode:
		result := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: allowFrom entries must be scalars", item.Line)
			}
			result = append(result, item.Value)
		}
		*f = result
		return nil
	default:
		return fmt.Errorf("line %d: allowFrom must be a scalar or a list", node.Line)
	}
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"dbPath" validate:"required_if=Enabled true"`
}

// MetricsConfig configures the Prometheus text endpoint served next to the webhook.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint" validate:"startswith=/"`
}

// DefaultConfigDir returns the default config directory (~/.visionbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".visionbot"
	}
	return filepath.Join(home, ".visionbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads the YAML file at path on top of Defaults. A .env file next to
// the config (or in the working directory) is loaded first so ${VAR}
// references can resolve against it. Existing environment variables win.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Attachments.WorkDir = ExpandPath(cfg.Attachments.WorkDir)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already set.
		_ = godotenv.Load(p)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file carries the bot token.
	return os.WriteFile(path, data, 0o600)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
			_, err := cron.ParseStandard(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// Validate checks field constraints and cross-field rules. It does not
// require messaging credentials; see ValidateServe.
func Validate(cfg *Config) error {
	var errs []string

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if cfg.Metrics.Enabled {
		switch cfg.Metrics.Endpoint {
		case cfg.Webex.WebhookPath, "/probe":
			errs = append(errs, fmt.Sprintf("metrics.endpoint %q collides with another route", cfg.Metrics.Endpoint))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateServe adds the checks that only matter when running the webhook
// listener: bot credentials and a way to resolve the webhook target.
func ValidateServe(cfg *Config) error {
	var errs []string
	if cfg.Bot.ID == "" {
		errs = append(errs, "bot.id is required")
	}
	if cfg.Bot.Token == "" {
		errs = append(errs, "bot.token is required")
	}
	if cfg.Webex.WebhookID != "" && !cfg.Tunnel.Enabled && cfg.Webex.TargetURL == "" {
		errs = append(errs, "webex.targetUrl is required when the tunnel is disabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.vision.maxImageWidth"; drop the root type.
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return path + " is required"
	case "min":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be <= %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return path + " must be a URL"
	case "startswith":
		return fmt.Sprintf("%s must start with %q", path, fe.Param())
	case "cron":
		return path + " is not a valid cron schedule"
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
