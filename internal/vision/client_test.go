package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(srv *httptest.Server, apiKey string) *Client {
	return NewClient(ClientConfig{
		Endpoint:   srv.URL,
		APIKey:     apiKey,
		MaxResults: 5,
		HTTPClient: srv.Client(),
		Retry:      httpclient.Retry{MaxRetries: 1, Backoff: func(int) time.Duration { return time.Millisecond }},
		Logger:     quietLogger(),
	})
}

func TestAnnotate_LocalFileInline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	os.WriteFile(path, []byte("fake-png"), 0o600)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images:annotate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k123" {
			t.Errorf("expected api key, got %q", r.URL.RawQuery)
		}
		var req annotateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		img := req.Requests[0].Image
		if img.Source != nil {
			t.Error("local file must not send imageUri")
		}
		if data, _ := base64.StdEncoding.DecodeString(img.Content); string(data) != "fake-png" {
			t.Errorf("unexpected content %q", img.Content)
		}
		f := req.Requests[0].Features[0]
		if f.Type != FeatureLabel || f.MaxResults != 5 {
			t.Errorf("unexpected feature %+v", f)
		}
		io.WriteString(w, `{"responses":[{"labelAnnotations":[{"description":"cat","score":0.9}]}]}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv, "k123").Annotate(context.Background(), domain.LocalFile(path), FeatureLabel)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(resp.LabelAnnotations) != 1 || resp.LabelAnnotations[0].Description != "cat" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestAnnotate_RemoteURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("no key configured, got query %q", r.URL.RawQuery)
		}
		var req annotateRequest
		json.NewDecoder(r.Body).Decode(&req)
		img := req.Requests[0].Image
		if img.Content != "" || img.Source == nil || img.Source.ImageURI != "https://x/cat.jpg" {
			t.Errorf("unexpected image %+v", img)
		}
		io.WriteString(w, `{"responses":[{}]}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv, "").Annotate(context.Background(), domain.RemoteURI("https://x/cat.jpg"), FeatureWeb); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
}

func TestAnnotate_PerImageError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"responses":[{"error":{"code":3,"message":"Bad image data."}}]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "k").Annotate(context.Background(), domain.RemoteURI("https://x/y"), FeatureText)
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestAnnotate_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"responses":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "k").Annotate(context.Background(), domain.RemoteURI("https://x/y"), FeatureText)
	if domain.Classify(err) != "malformed_payload" {
		t.Fatalf("expected malformed_payload, got %v", err)
	}
}

func TestAnnotate_MissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "k").Annotate(context.Background(), domain.LocalFile(filepath.Join(t.TempDir(), "gone.png")), FeatureText)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAnnotate_RetriesServerError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"responses":[{}]}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv, "k").Annotate(context.Background(), domain.RemoteURI("https://x/y.png"), FeatureLogo); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestAnnotate_RateLimited(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{"responses":[{}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv, "k")
	c.limiter = NewLimiter(1, 1)
	src := domain.RemoteURI("https://x/y.png")
	if _, err := c.Annotate(context.Background(), src, FeatureLabel); err != nil {
		t.Fatalf("first Annotate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Annotate(ctx, src, FeatureLabel); err == nil {
		t.Fatal("second call should not get a token before the deadline")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
