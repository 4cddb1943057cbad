package imaging

import (
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"visionbot/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func imageSize(t *testing.T, path string) (int, int, string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	return cfg.Width, cfg.Height, format
}

func TestScaledSize(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{2048, 1536, 1024, 1024, 768},
		{1500, 1001, 1024, 1024, 683},
		{3000, 1, 1024, 1024, 1},
		{1025, 2050, 1024, 1024, 2048},
	}
	for _, tt := range tests {
		w, h := ScaledSize(tt.w, tt.h, tt.max)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("ScaledSize(%d,%d,%d) = %dx%d, want %dx%d", tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestPrepare_ResizesWideImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	writePNG(t, path, 2048, 1536)

	out, err := NewPreprocessor(1024, 0, quietLogger()).Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if out != filepath.Join(dir, "new_photo.png") {
		t.Errorf("unexpected output path %s", out)
	}
	if w, h, _ := imageSize(t, out); w != 1024 || h != 768 {
		t.Errorf("expected 1024x768, got %dx%d", w, h)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original should be removed")
	}
}

func TestPrepare_NarrowImageUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.png")
	writePNG(t, path, 1024, 300)

	out, err := NewPreprocessor(1024, 0, quietLogger()).Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if out != path {
		t.Errorf("expected same path, got %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "new_small.png")); !os.IsNotExist(err) {
		t.Error("no resized copy expected")
	}
}

func TestPrepare_KeepsJPEGFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shot.jpg")
	f, _ := os.Create(path)
	jpeg.Encode(f, image.NewRGBA(image.Rect(0, 0, 1600, 900)), nil)
	f.Close()

	out, err := NewPreprocessor(800, 0, quietLogger()).Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	w, h, format := imageSize(t, out)
	if format != "jpeg" || w != 800 || h != 450 {
		t.Errorf("expected 800x450 jpeg, got %dx%d %s", w, h, format)
	}
	if filepath.Base(out) != "new_shot.jpg" {
		t.Errorf("unexpected name %s", out)
	}
}

func TestPrepare_NotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(path, []byte("just some text"), 0o600)

	_, err := NewPreprocessor(1024, 0, quietLogger()).Prepare(path)
	if !errors.Is(err, domain.ErrUnsupportedContent) {
		t.Fatalf("expected unsupported content, got %v", err)
	}
}

func TestPrepare_RefusesImagesOverPixelBudget(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{"wide", 64, 64},
		{"narrow but tall", 16, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "big.png")
			writePNG(t, path, tt.w, tt.h)

			_, err := NewPreprocessor(32, 1000, quietLogger()).Prepare(path)
			if !errors.Is(err, domain.ErrUnsupportedContent) {
				t.Fatalf("expected unsupported content, got %v", err)
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("refused image should be left for cleanup: %v", err)
			}
		})
	}
}

func TestPrepare_SVGDrawnAtBoundedWidth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diagram.svg")
	svg := `<svg xmlns="http://www.w3.org/2000/svg" width="2000" height="100">
  <rect x="0" y="0" width="1000" height="100" fill="black"/>
</svg>`
	os.WriteFile(path, []byte(svg), 0o600)

	out, err := NewPreprocessor(1024, 0, quietLogger()).Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if filepath.Base(out) != "diagram.png" {
		t.Errorf("unexpected output %s", out)
	}
	if w, h, format := imageSize(t, out); format != "png" || w != 1024 || h != 51 {
		t.Errorf("expected 1024x51 png, got %dx%d %s", w, h, format)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("svg should be removed")
	}
}

func TestPrepare_SVGHugeDeclaredSize(t *testing.T) {
	t.Run("square is scaled to the width limit", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bomb.svg")
		os.WriteFile(path, []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="200000" height="200000" viewBox="0 0 10 10"><rect width="5" height="5"/></svg>`), 0o600)

		out, err := NewPreprocessor(1024, 0, quietLogger()).Prepare(path)
		if err != nil {
			t.Fatalf("Prepare: %v", err)
		}
		if w, h, _ := imageSize(t, out); w != 1024 || h != 1024 {
			t.Errorf("expected 1024x1024, got %dx%d", w, h)
		}
	})

	t.Run("extreme aspect ratio is refused", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "strip.svg")
		os.WriteFile(path, []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="900000000000000000000000"/>`), 0o600)

		_, err := NewPreprocessor(1024, 0, quietLogger()).Prepare(path)
		if !errors.Is(err, domain.ErrUnsupportedContent) {
			t.Fatalf("expected unsupported content, got %v", err)
		}
		if _, err := os.Stat(strings.TrimSuffix(path, ".svg") + ".png"); !os.IsNotExist(err) {
			t.Error("no raster should be written")
		}
	})
}

func TestPrepare_SVGWithoutSizeUsesFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icon.svg")
	os.WriteFile(path, []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><circle cx="5" cy="5" r="4"/></svg>`), 0o600)

	out, err := NewPreprocessor(256, 0, quietLogger()).Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if w, h, _ := imageSize(t, out); w != 256 || h != 256 {
		t.Errorf("expected 256x256 fallback, got %dx%d", w, h)
	}
	if filepath.Base(out) != "icon.png" {
		t.Errorf("fallback-sized svg needs no resize, got %s", out)
	}
}

func TestSVGDeclaredSize(t *testing.T) {
	tests := []struct {
		svg    string
		w, h   float64
		wantOK bool
	}{
		{`<svg width="120px" height='80'>`, 120, 80, true},
		{`<svg stroke-width="3" viewBox="0 0 5 5">`, 0, 0, false},
		{`<svg width = "50" height="60.5">`, 50, 60.5, true},
		{`<svg width="2in" height="1in">`, 192, 96, true},
		{`<svg width="50%" height="50%">`, 0, 0, false},
		{`<svg width="3em" height="3em">`, 0, 0, false},
		{`<svg height="10">`, 0, 0, false},
		{`<svg width="1` + strings.Repeat("0", 400) + `" height="1">`, 0, 0, false},
		{`<div width="10" height="10">`, 0, 0, false},
	}
	for _, tt := range tests {
		w, h, ok := svgDeclaredSize([]byte(tt.svg))
		if ok != tt.wantOK || w != tt.w || h != tt.h {
			t.Errorf("%.40s: got %v,%v,%v", tt.svg, w, h, ok)
		}
	}
}
