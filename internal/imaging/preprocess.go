// Package imaging prepares downloaded images for annotation: SVG
// rasterization and width-bounded downscaling.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"visionbot/internal/domain"
)

const (
	resizedPrefix = "new_"

	// DefaultMaxPixels bounds the decoded size of one image (about 100 MB as RGBA).
	DefaultMaxPixels = 25_000_000
)

// Preprocessor bounds image width before upload.
type Preprocessor struct {
	maxWidth  int
	maxPixels int64
	logger    *slog.Logger
}

// NewPreprocessor returns a Preprocessor that downscales to maxWidth and
// refuses images larger than maxPixels. Zero values select the defaults.
func NewPreprocessor(maxWidth, maxPixels int, logger *slog.Logger) *Preprocessor {
	if maxWidth <= 0 {
		maxWidth = 1024
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{
		maxWidth:  maxWidth,
		maxPixels: int64(maxPixels),
		logger:    logger.With("component", "imaging"),
	}
}

// Prepare returns the path to analyze. Images no wider than the limit are
// returned untouched. Wider images are resampled to the limit, keeping the
// aspect ratio, written as new_<name> next to the original, and the original
// is removed. SVG files are rasterized to PNG first. Images whose pixel count
// exceeds the budget are refused with ErrUnsupportedContent before decoding.
func (p *Preprocessor) Prepare(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	if isSVGData(data) {
		if path, data, err = p.rasterize(path, data); err != nil {
			return "", err
		}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w: %w", filepath.Base(path), domain.ErrUnsupportedContent, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return "", fmt.Errorf("%s is %dx%d, over the %d pixel limit: %w",
			filepath.Base(path), cfg.Width, cfg.Height, p.maxPixels, domain.ErrUnsupportedContent)
	}
	if cfg.Width <= p.maxWidth {
		return path, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w: %w", filepath.Base(path), domain.ErrUnsupportedContent, err)
	}

	w, h := ScaledSize(cfg.Width, cfg.Height, p.maxWidth)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	name := resizedPrefix + filepath.Base(path)
	if !canEncode(format) {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
		format = "png"
	}
	out := filepath.Join(filepath.Dir(path), name)

	if err := writeImage(out, dst, format); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		p.logger.Warn("failed to remove original image", "path", path, "error", err)
	}

	p.logger.Debug("image resized",
		"from", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"to", fmt.Sprintf("%dx%d", w, h),
		"path", out,
	)
	return out, nil
}

// ScaledSize returns the target size for an image of width x height so that
// the width equals maxWidth. The height is floored.
func ScaledSize(width, height, maxWidth int) (int, int) {
	h := height * maxWidth / width
	if h < 1 {
		h = 1
	}
	return maxWidth, h
}

func canEncode(format string) bool {
	switch format {
	case "png", "jpeg", "gif", "bmp", "tiff":
		return true
	}
	return false
}

func writeImage(path string, img image.Image, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := encode(f, img, format); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	case "gif":
		return gif.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, nil)
	default:
		return png.Encode(w, img)
	}
}
