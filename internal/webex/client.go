// Package webex is a minimal client for the Webex (formerly Cisco Spark)
// messaging REST API: message lookup, markdown posts and webhook updates.
package webex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
)

const defaultAPIBase = "https://webexapis.com/v1"

// Message is the subset of a Webex message the bot reads.
type Message struct {
	ID       string   `json:"id"`
	RoomID   string   `json:"roomId"`
	PersonID string   `json:"personId"`
	Text     string   `json:"text"`
	Markdown string   `json:"markdown,omitempty"`
	Files    []string `json:"files,omitempty"`
	Created  string   `json:"created,omitempty"`
}

// Person is returned by /people/me.
type Person struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Emails      []string `json:"emails"`
	Type        string   `json:"type"`
}

// Webhook is the body returned by a webhook update.
type Webhook struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TargetURL string `json:"targetUrl"`
	Resource  string `json:"resource,omitempty"`
	Event     string `json:"event,omitempty"`
}

type Client struct {
	token   string
	apiBase string
	client  *http.Client
	retry   httpclient.Retry
	logger  *slog.Logger
}

type Config struct {
	Token   string
	APIBase string
	Timeout time.Duration
	// HTTPClient overrides the pooled client, mostly for tests.
	HTTPClient *http.Client
	Retry      httpclient.Retry
	Logger     *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpclient.Shared(cfg.Timeout)
	}
	logger := cfg.Logger.With("component", "webex")
	retry := cfg.Retry
	if retry.Logger == nil {
		retry.Logger = logger
	}
	return &Client{
		token:   cfg.Token,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  hc,
		retry:   retry,
		logger:  logger,
	}
}

// Authorize sets the bearer token on req. It satisfies domain.RequestAuthorizer
// so attachment downloads from Webex file URLs carry the bot's credentials.
func (c *Client) Authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// GetMessage fetches the message a webhook notification refers to.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+messageID, nil, &msg); err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return &msg, nil
}

// PostMessage posts markdown to a room.
func (c *Client) PostMessage(ctx context.Context, roomID, markdown string) error {
	body := map[string]string{"roomId": roomID, "markdown": markdown}
	if err := c.do(ctx, http.MethodPost, "/messages", body, nil); err != nil {
		return fmt.Errorf("post message to %s: %w", roomID, err)
	}
	return nil
}

// PostMessages posts each item as a separate message, in order. A failed
// item does not stop the rest; errs[i] is the result for items[i].
func (c *Client) PostMessages(ctx context.Context, roomID string, items []string) (errs []error) {
	errs = make([]error, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		errs[i] = c.PostMessage(ctx, roomID, item)
	}
	return errs
}

// UpdateWebhook points an existing webhook at targetURL.
func (c *Client) UpdateWebhook(ctx context.Context, webhookID, name, targetURL string) (*Webhook, error) {
	body := map[string]string{"name": name, "targetUrl": targetURL}
	var wh Webhook
	if err := c.do(ctx, http.MethodPut, "/webhooks/"+webhookID, body, &wh); err != nil {
		return nil, fmt.Errorf("update webhook %s: %w", webhookID, err)
	}
	return &wh, nil
}

// Me returns the identity behind the token.
func (c *Client) Me(ctx context.Context) (*Person, error) {
	var p Person
	if err := c.do(ctx, http.MethodGet, "/people/me", nil, &p); err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, err := c.retry.Do(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.Authorize(req)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w: %w", domain.ErrMalformedPayload, err)
	}
	return nil
}
