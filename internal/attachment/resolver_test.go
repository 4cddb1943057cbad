package attachment

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"visionbot/internal/domain"
	"visionbot/internal/httpclient"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newResolver(t *testing.T, srv *httptest.Server, maxBytes int64) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		WorkDir:    filepath.Join(t.TempDir(), "work"),
		MaxBytes:   maxBytes,
		HTTPClient: srv.Client(),
		Retry:      httpclient.Retry{MaxRetries: -1, Logger: quietLogger()},
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type bearer string

func (b bearer) Authorize(req *http.Request) { req.Header.Set("Authorization", "Bearer "+string(b)) }

func TestExtractURLs(t *testing.T) {
	got := ExtractURLs("see https://example.com/a.png and http://x.org/b?c=1 please")
	want := []string{"https://example.com/a.png", "http://x.org/b?c=1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if ExtractURLs("no links here") != nil {
		t.Error("expected no URLs")
	}
}

func TestPlanFor(t *testing.T) {
	tests := []struct {
		name string
		msg  domain.InboundMessage
		want PlanKind
	}{
		{"files win", domain.InboundMessage{Media: []string{"https://f/1"}, Content: "https://x/y.png help"}, PlanFiles},
		{"urls", domain.InboundMessage{Content: "look https://x/y.png"}, PlanURLs},
		{"help", domain.InboundMessage{Content: "can you help me"}, PlanHelp},
		{"help is case sensitive", domain.InboundMessage{Content: "HELP"}, PlanNone},
		{"url beats help", domain.InboundMessage{Content: "help https://x/y.png"}, PlanURLs},
		{"nothing", domain.InboundMessage{Content: "hi"}, PlanNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlanFor(tt.msg).Kind; got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFilenameFromResponse(t *testing.T) {
	tests := []struct {
		disposition, url, want string
	}{
		{`attachment; filename="cat.png"`, "https://h/contents/abc", "cat.png"},
		{`attachment; filename*=UTF-8''caf%C3%A9.jpg`, "https://h/x", "café.jpg"},
		{`attachment; filename="../../etc/passwd"`, "https://h/x", "passwd"},
		{`attachment; filename="C:\\temp\\shot.png"`, "https://h/x", "shot.png"},
		{"", "https://h/files/photo.jpg?sig=1", "photo.jpg"},
		{"garbage;;;", "https://h/files/pic.gif", "pic.gif"},
		{"", "https://h/", "image"},
	}
	for _, tt := range tests {
		if got := FilenameFromResponse(tt.disposition, tt.url); got != tt.want {
			t.Errorf("FilenameFromResponse(%q, %q) = %q, want %q", tt.disposition, tt.url, got, tt.want)
		}
	}
}

func TestDownload_Image(t *testing.T) {
	data := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", `attachment; filename="cat.png"`)
		w.Write(data)
	}))
	defer srv.Close()

	r := newResolver(t, srv, 1<<20)
	path, err := r.Download(context.Background(), srv.URL+"/contents/1", bearer("tok"))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if filepath.Dir(path) != r.WorkDir() || !strings.HasSuffix(path, "_cat.png") {
		t.Errorf("unexpected path %s", path)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, data) {
		t.Error("content mismatch")
	}
}

func TestDownload_UniqueNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", `attachment; filename="same.png"`)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	r := newResolver(t, srv, 1<<20)
	a, err := r.Download(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Download(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("concurrent deliveries of the same filename must not collide")
	}
}

func TestDownload_NotImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	r := newResolver(t, srv, 1<<20)
	_, err := r.Download(context.Background(), srv.URL, nil)
	if !errors.Is(err, domain.ErrUnsupportedContent) {
		t.Fatalf("expected unsupported content, got %v", err)
	}
	entries, _ := os.ReadDir(r.WorkDir())
	if len(entries) != 0 {
		t.Errorf("nothing should be written, found %d files", len(entries))
	}
}

func TestDownload_SniffsOctetStream(t *testing.T) {
	data := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}))
	defer srv.Close()

	path, err := newResolver(t, srv, 1<<20).Download(context.Background(), srv.URL+"/file/photos/file_1.png", nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !strings.HasSuffix(path, "_file_1.png") {
		t.Errorf("unexpected path %s", path)
	}
}

func TestDownload_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(bytes.Repeat([]byte("a"), 2048))
	}))
	defer srv.Close()

	r := newResolver(t, srv, 1024)
	_, err := r.Download(context.Background(), srv.URL, nil)
	if !errors.Is(err, domain.ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	entries, _ := os.ReadDir(r.WorkDir())
	if len(entries) != 0 {
		t.Errorf("partial file left behind")
	}
}

func TestDownload_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newResolver(t, srv, 1024).Download(context.Background(), srv.URL, nil)
	if domain.Classify(err) != "upstream" {
		t.Fatalf("expected upstream class, got %v", err)
	}
}

func TestIsImageURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cat.png", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "image/png")
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
	})
	mux.HandleFunc("/nohead.jpg", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newResolver(t, srv, 1024)
	tests := []struct {
		path string
		want bool
	}{
		{"/cat.png", true},
		{"/page", false},
		{"/nohead.jpg", true},
		{"/missing", false},
	}
	for _, tt := range tests {
		got, err := r.IsImageURL(context.Background(), srv.URL+tt.path)
		if err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestIsImageURL_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	r := newResolver(t, srv, 1024)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.IsImageURL(ctx, srv.URL+"/x.png"); err == nil {
		t.Fatal("expected transport error")
	}
}
