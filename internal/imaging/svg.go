package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/draw"

	"visionbot/internal/domain"
)

const svgSniffLen = 8192

var (
	svgRootTag = regexp.MustCompile(`(?is)<svg\b[^>]*>`)
	svgLength  = regexp.MustCompile(`(?i)\s(width|height)\s*=\s*["']\s*([0-9]*\.?[0-9]+)\s*([a-z%]*)\s*["']`)
)

// CSS absolute units in pixels at 96 dpi.
var svgUnits = map[string]float64{
	"":   1,
	"px": 1,
	"pt": 96.0 / 72,
	"pc": 16,
	"in": 96,
	"cm": 96 / 2.54,
	"mm": 96 / 25.4,
}

// rasterize draws an SVG file as a PNG next to it and removes the SVG.
func (p *Preprocessor) rasterize(path string, data []byte) (string, []byte, error) {
	w, h, err := p.svgCanvas(data)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("parse %s: %w: %w", filepath.Base(path), domain.ErrUnsupportedContent, err)
	}
	icon.SetTarget(0, 0, float64(w), float64(h))

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(w, h, canvas, canvas.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".png"
	if err := os.WriteFile(out, buf.Bytes(), 0o600); err != nil {
		return "", nil, fmt.Errorf("write rasterized svg: %w", err)
	}
	if out != path {
		os.Remove(path)
	}
	p.logger.Debug("svg rasterized", "width", w, "height", h, "path", out)
	return out, buf.Bytes(), nil
}

// svgCanvas picks the raster size for an SVG. A declared size is scaled so
// the width fits maxWidth, keeping the aspect ratio; without one the drawing
// fills a maxWidth square. The canvas must fit the pixel budget.
func (p *Preprocessor) svgCanvas(data []byte) (int, int, error) {
	w, h, ok := svgDeclaredSize(data)
	if !ok {
		w, h = float64(p.maxWidth), float64(p.maxWidth)
	}
	if limit := float64(p.maxWidth); w > limit {
		h = h * limit / w
		w = limit
	}
	if w*h > float64(p.maxPixels) {
		return 0, 0, fmt.Errorf("svg canvas %.0fx%.0f is over the %d pixel limit: %w",
			w, h, p.maxPixels, domain.ErrUnsupportedContent)
	}
	return max(int(w), 1), max(int(h), 1), nil
}

// svgDeclaredSize reads width and height from the root svg tag, converted to
// pixels. Percentages, relative units and a bare viewBox yield ok=false.
func svgDeclaredSize(data []byte) (w, h float64, ok bool) {
	root := svgRootTag.Find(data[:min(len(data), svgSniffLen)])
	if root == nil {
		return 0, 0, false
	}
	for _, m := range svgLength.FindAllSubmatch(root, -1) {
		v, err := strconv.ParseFloat(string(m[2]), 64)
		scale, known := svgUnits[strings.ToLower(string(m[3]))]
		if err != nil || !known || v <= 0 {
			return 0, 0, false
		}
		switch strings.ToLower(string(m[1])) {
		case "width":
			w = v * scale
		case "height":
			h = v * scale
		}
	}
	return w, h, w > 0 && h > 0
}

// isSVGData checks the start of data for an svg root or the SVG namespace.
func isSVGData(data []byte) bool {
	head := bytes.ToLower(data[:min(len(data), 4096)])
	return bytes.Contains(head, []byte("<svg")) ||
		bytes.Contains(head, []byte("http://www.w3.org/2000/svg"))
}
