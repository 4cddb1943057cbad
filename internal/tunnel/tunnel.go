// Package tunnel discovers the public URL of a local reverse tunnel (ngrok)
// and keeps the messaging webhook pointed at it.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
)

// Tunnel is one entry of the tunnel agent's /api/tunnels listing.
type Tunnel struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
}

type Client struct {
	apiURL string
	client *http.Client
	retry  httpclient.Retry
}

func NewClient(apiURL string, hc *http.Client, retry httpclient.Retry) *Client {
	if hc == nil {
		hc = httpclient.Shared(10 * time.Second)
	}
	return &Client{apiURL: apiURL, client: hc, retry: retry}
}

// Tunnels lists the tunnels the local agent currently exposes.
func (c *Client) Tunnels(ctx context.Context) ([]Tunnel, error) {
	resp, err := c.retry.Do(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Cache-Control", "no-cache")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	defer resp.Body.Close()

	var listing struct {
		Tunnels []Tunnel `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode tunnels: %w: %w", domain.ErrMalformedPayload, err)
	}
	return listing.Tunnels, nil
}

// SelectPublicURL returns the public URL of the first tunnel serving scheme.
// The proto field is authoritative; the URL scheme is used when proto is empty.
func SelectPublicURL(tunnels []Tunnel, scheme string) (string, error) {
	scheme = strings.ToLower(scheme)
	for _, t := range tunnels {
		proto := strings.ToLower(t.Proto)
		if proto == "" {
			if u, err := url.Parse(t.PublicURL); err == nil {
				proto = strings.ToLower(u.Scheme)
			}
		}
		if proto == scheme && t.PublicURL != "" {
			return t.PublicURL, nil
		}
	}
	return "", fmt.Errorf("no %s tunnel among %d", scheme, len(tunnels))
}

// WebhookUpdater is the part of the messaging client the registrar needs.
type WebhookUpdater interface {
	UpdateWebhook(ctx context.Context, webhookID, name, targetURL string) error
}

// UpdaterFunc adapts a function to WebhookUpdater.
type UpdaterFunc func(ctx context.Context, webhookID, name, targetURL string) error

func (f UpdaterFunc) UpdateWebhook(ctx context.Context, webhookID, name, targetURL string) error {
	return f(ctx, webhookID, name, targetURL)
}

// Registrar resolves the public webhook URL and registers it with the
// messaging platform.
type Registrar struct {
	tunnels     *Client // nil when the tunnel is disabled
	scheme      string
	staticURL   string
	path        string
	webhookID   string
	webhookName string
	updater     WebhookUpdater
	logger      *slog.Logger

	last string
}

type RegistrarConfig struct {
	Tunnels     *Client
	Scheme      string
	StaticURL   string
	Path        string
	WebhookID   string
	WebhookName string
	Updater     WebhookUpdater
	Logger      *slog.Logger
}

func NewRegistrar(cfg RegistrarConfig) *Registrar {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registrar{
		tunnels:     cfg.Tunnels,
		scheme:      cfg.Scheme,
		staticURL:   cfg.StaticURL,
		path:        cfg.Path,
		webhookID:   cfg.WebhookID,
		webhookName: cfg.WebhookName,
		updater:     cfg.Updater,
		logger:      cfg.Logger.With("component", "tunnel"),
	}
}

// Resolve returns the webhook target URL without registering it.
func (r *Registrar) Resolve(ctx context.Context) (string, error) {
	base := r.staticURL
	if r.tunnels != nil {
		tunnels, err := r.tunnels.Tunnels(ctx)
		if err != nil {
			return "", err
		}
		if base, err = SelectPublicURL(tunnels, r.scheme); err != nil {
			return "", err
		}
	}
	if base == "" {
		return "", fmt.Errorf("no webhook target: tunnel disabled and no static URL")
	}
	return joinPath(base, r.path), nil
}

// Sync registers the resolved URL. It skips the update when the URL has not
// changed since the last successful call. Sync is not safe for concurrent
// use; the scheduler runs it serially.
func (r *Registrar) Sync(ctx context.Context) (string, error) {
	target, err := r.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve webhook target: %w", err)
	}
	if target == r.last {
		r.logger.Debug("webhook target unchanged", "url", target)
		return target, nil
	}
	if err := r.updater.UpdateWebhook(ctx, r.webhookID, r.webhookName, target); err != nil {
		return "", err
	}
	r.logger.Info("webhook updated", "webhook_id", r.webhookID, "url", target)
	r.last = target
	return target, nil
}

func joinPath(base, path string) string {
	if path == "" || path == "/" {
		if strings.HasSuffix(base, "/") {
			return base
		}
		return base + "/"
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
