// Package attachment turns the references in a chat message into analysis
// targets: downloaded image files or remote image URLs.
package attachment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
)

const defaultMaxBytes = 20 << 20

var urlPattern = regexp.MustCompile(`http[s]?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)

// ExtractURLs returns every http(s) URL in text, in order of appearance.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// IsHelpRequest reports whether text asks for usage help. The match is a
// case-sensitive substring test.
func IsHelpRequest(text string) bool {
	return strings.Contains(text, "help")
}

// PlanKind says what a message asks the bot to do.
type PlanKind int

const (
	PlanNone PlanKind = iota
	PlanFiles
	PlanURLs
	PlanHelp
)

func (k PlanKind) String() string {
	switch k {
	case PlanFiles:
		return "files"
	case PlanURLs:
		return "urls"
	case PlanHelp:
		return "help"
	default:
		return "none"
	}
}

// Plan is the resolved intent of one inbound message.
type Plan struct {
	Kind  PlanKind
	Files []string // attachment URIs, for PlanFiles
	URLs  []string // URLs found in the text, for PlanURLs
}

// PlanFor decides between attachments, URLs in the text, and help. Files win
// over URLs; help is only considered when there is neither.
func PlanFor(msg domain.InboundMessage) Plan {
	if len(msg.Media) > 0 {
		return Plan{Kind: PlanFiles, Files: msg.Media}
	}
	if urls := ExtractURLs(msg.Content); len(urls) > 0 {
		return Plan{Kind: PlanURLs, URLs: urls}
	}
	if IsHelpRequest(msg.Content) {
		return Plan{Kind: PlanHelp}
	}
	return Plan{Kind: PlanNone}
}

// Resolver downloads attachments into the work directory and probes URLs.
type Resolver struct {
	workDir  string
	maxBytes int64
	client   *http.Client
	retry    httpclient.Retry
	logger   *slog.Logger
}

type Config struct {
	WorkDir    string
	MaxBytes   int64
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      httpclient.Retry
	Logger     *slog.Logger
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("attachment work directory is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpclient.Shared(cfg.Timeout)
	}
	logger := cfg.Logger.With("component", "attachment")
	retry := cfg.Retry
	if retry.Logger == nil {
		retry.Logger = logger
	}
	return &Resolver{
		workDir:  cfg.WorkDir,
		maxBytes: cfg.MaxBytes,
		client:   hc,
		retry:    retry,
		logger:   logger,
	}, nil
}

func (r *Resolver) WorkDir() string { return r.workDir }

// Download fetches uri into the work directory and returns the local path.
// auth may be nil. Content that is not an image yields ErrUnsupportedContent
// and nothing is written.
func (r *Resolver) Download(ctx context.Context, uri string, auth domain.RequestAuthorizer) (string, error) {
	resp, err := r.retry.Do(ctx, r.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		if auth != nil {
			auth.Authorize(req)
		}
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > r.maxBytes {
		return "", fmt.Errorf("attachment is %d bytes (max %d): %w", resp.ContentLength, r.maxBytes, domain.ErrTooLarge)
	}

	body := bufio.NewReaderSize(resp.Body, 512)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		// Some file hosts (Telegram among them) do not label content.
		head, _ := body.Peek(512)
		contentType = http.DetectContentType(head)
	}
	if !strings.Contains(contentType, "image") {
		return "", fmt.Errorf("attachment content type %q: %w", contentType, domain.ErrUnsupportedContent)
	}

	name := FilenameFromResponse(resp.Header.Get("Content-Disposition"), uri)
	dest := filepath.Join(r.workDir, uuid.NewString()+"_"+name)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	written, err := io.Copy(out, io.LimitReader(body, r.maxBytes+1))
	out.Close()
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("write file: %w", err)
	}
	if written > r.maxBytes {
		os.Remove(dest)
		return "", fmt.Errorf("attachment exceeds %d bytes: %w", r.maxBytes, domain.ErrTooLarge)
	}

	r.logger.Info("attachment stored", "path", dest, "size", written, "content_type", contentType)
	return dest, nil
}

// IsImageURL checks the content type of a remote URL without downloading
// it. Error statuses and missing content types count as "not an image";
// only transport failures are returned as errors.
func (r *Resolver) IsImageURL(ctx context.Context, rawURL string) (bool, error) {
	contentType, err := r.probe(ctx, http.MethodHead, rawURL)
	var se *httpclient.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusMethodNotAllowed || se.StatusCode == http.StatusNotImplemented) {
		contentType, err = r.probe(ctx, http.MethodGet, rawURL)
	}
	if errors.As(err, &se) {
		r.logger.Debug("url probe returned error status", "url", httpclient.RedactURL(rawURL), "status", se.StatusCode)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", httpclient.RedactURL(rawURL), err)
	}
	return strings.Contains(contentType, "image"), nil
}

func (r *Resolver) probe(ctx context.Context, method, rawURL string) (string, error) {
	resp, err := r.retry.Do(ctx, r.client, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, method, rawURL, nil)
	})
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return resp.Header.Get("Content-Type"), nil
}

// FilenameFromResponse derives a safe base name from a Content-Disposition
// header, falling back to the last segment of the URL path.
func FilenameFromResponse(disposition, rawURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			// mime decodes filename* (RFC 5987) into "filename".
			if name := sanitize(params["filename"]); name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if name := sanitize(path.Base(u.Path)); name != "" {
			return name
		}
	}
	return "image"
}

func sanitize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}
