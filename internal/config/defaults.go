package config

const (
	defaultHelp = "Hey! This bot is easy to use. Just post an image to the room, " +
		"or a link to one, and the bot will tell you what it sees."
	defaultNotImageFile = "Ahoy! Thanks for sending me your file. However, I only analyze images."
	defaultNotImageURL  = "Ahoy! Thanks for sending me your url. However, I only analyze images."
	defaultClosing      = "Liked this bot? Send the room an image any time for another analysis."
)

func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Bot: BotConfig{
			Concurrency: 4,
			Messages: MessagesConfig{
				Help:         defaultHelp,
				NotImageFile: defaultNotImageFile,
				NotImageURL:  defaultNotImageURL,
				Closing:      defaultClosing,
			},
		},
		Webex: WebexConfig{
			APIBase:     "https://webexapis.com/v1",
			WebhookName: "visionbot",
			WebhookPath: "/",
		},
		Tunnel: TunnelConfig{
			Enabled: true,
			APIURL:  "http://localhost:4040/api/tunnels",
			Scheme:  "https",
		},
		Vision: VisionConfig{
			Endpoint:           "https://vision.googleapis.com/v1",
			MaxImageWidth:      1024,
			MaxImagePixels:     25_000_000,
			DetectMACAddresses: true,
			Concurrency:        3,
			RatePerMinute:      600,
		},
		Attachments: AttachmentsConfig{
			WorkDir:       "~/.visionbot/work",
			MaxBytes:      20 << 20,
			SweepSchedule: "@every 15m",
			MaxAgeMinutes: 60,
		},
		Store: StoreConfig{
			Enabled: false,
			DBPath:  "~/.visionbot/visionbot.db",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		HTTPTimeoutSeconds: 60,
	}
}
