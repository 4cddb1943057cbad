// Package vision calls the Google Cloud Vision images:annotate REST endpoint
// and formats the detector results as chat-ready markdown.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
)

const (
	defaultEndpoint  = "https://vision.googleapis.com/v1"
	cloudVisionScope = "https://www.googleapis.com/auth/cloud-vision"
)

// Annotator runs a single feature against an image.
type Annotator interface {
	Annotate(ctx context.Context, src domain.ImageSource, feature Feature) (*AnnotateResponse, error)
}

type Client struct {
	endpoint   string
	apiKey     string
	maxResults int
	client     *http.Client
	retry      httpclient.Retry
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type ClientConfig struct {
	Endpoint string
	// APIKey is sent as ?key=. When empty, HTTPClient must carry credentials;
	// see NewDefaultCredentialsClient.
	APIKey     string
	MaxResults int
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      httpclient.Retry
	Limiter    *rate.Limiter // nil: unlimited
	Logger     *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpclient.Shared(cfg.Timeout)
	}
	logger := cfg.Logger.With("component", "vision")
	retry := cfg.Retry
	if retry.Logger == nil {
		retry.Logger = logger
	}
	// images:annotate has no side effects, so a POST may be resent.
	retry.RetryPost = true
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
		client:     hc,
		retry:      retry,
		limiter:    cfg.Limiter,
		logger:     logger,
	}
}

// NewDefaultCredentialsClient returns an HTTP client authorized with
// Application Default Credentials for the Cloud Vision scope.
func NewDefaultCredentialsClient(ctx context.Context) (*http.Client, error) {
	hc, err := google.DefaultClient(ctx, cloudVisionScope)
	if err != nil {
		return nil, fmt.Errorf("default credentials: %w: %w", domain.ErrUnauthorized, err)
	}
	return hc, nil
}

// Annotate runs feature against src. Local files are sent inline as base64;
// remote URIs are passed to the API to fetch.
func (c *Client) Annotate(ctx context.Context, src domain.ImageSource, feature Feature) (*AnnotateResponse, error) {
	img, err := requestImageFor(src)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(annotateRequest{Requests: []imageRequest{{
		Image:    img,
		Features: []requestFeature{{Type: feature, MaxResults: c.maxResults}},
	}}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("annotate %s: rate limit: %w", feature, err)
		}
	}

	endpoint := c.endpoint + "/images:annotate"
	if c.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.apiKey)
	}

	start := time.Now()
	resp, err := c.retry.Do(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("annotate %s: %w", feature, err)
	}
	defer resp.Body.Close()

	var batch annotateBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("annotate %s: decode: %w: %w", feature, domain.ErrMalformedPayload, err)
	}
	if len(batch.Responses) == 0 {
		return nil, fmt.Errorf("annotate %s: empty response: %w", feature, domain.ErrMalformedPayload)
	}
	out := &batch.Responses[0]
	if out.Error != nil && out.Error.Code != 0 {
		return nil, fmt.Errorf("annotate %s: %s (code %d): %w", feature, out.Error.Message, out.Error.Code, domain.ErrUpstream)
	}

	c.logger.Debug("annotated", "feature", feature, "source", sourceLabel(src), "duration", time.Since(start))
	return out, nil
}

func requestImageFor(src domain.ImageSource) (requestImage, error) {
	if src.IsLocal() {
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return requestImage{}, fmt.Errorf("read image: %w", err)
		}
		return requestImage{Content: base64.StdEncoding.EncodeToString(data)}, nil
	}
	if src.URI == "" {
		return requestImage{}, fmt.Errorf("empty image source")
	}
	return requestImage{Source: &imageSource{ImageURI: src.URI}}, nil
}

// sourceLabel is src as it may appear in logs, with URL credentials removed.
func sourceLabel(src domain.ImageSource) string {
	if src.IsLocal() {
		return src.String()
	}
	return httpclient.RedactURL(src.URI)
}
