package vision

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names a detector in logs, metrics and the audit log.
type Kind string

const (
	KindWeb      Kind = "web"
	KindText     Kind = "text"
	KindFace     Kind = "face"
	KindLabel    Kind = "label"
	KindLandmark Kind = "landmark"
	KindLogo     Kind = "logo"
	KindMAC      Kind = "mac"
)

// Result is a formatted markdown block. Lines[0] is the category header.
type Result struct {
	Kind  Kind
	Lines []string
}

// Empty reports whether the result holds only its header.
func (r Result) Empty() bool { return len(r.Lines) <= 1 }

// Markdown joins the lines the way they are posted to the room.
func (r Result) Markdown() string { return strings.Join(r.Lines, "\n") }

// Detector binds a vision feature to the formatter for its response.
type Detector struct {
	Kind    Kind
	Feature Feature
	Format  func(*AnnotateResponse) []string
}

// Detectors returns the fixed registry in posting order.
func Detectors() []Detector {
	return []Detector{
		{Kind: KindWeb, Feature: FeatureWeb, Format: formatWeb},
		{Kind: KindText, Feature: FeatureText, Format: formatText},
		{Kind: KindFace, Feature: FeatureFace, Format: formatFaces},
		{Kind: KindLabel, Feature: FeatureLabel, Format: formatEntities("\n**Labels:**", func(r *AnnotateResponse) []EntityAnnotation { return r.LabelAnnotations })},
		{Kind: KindLandmark, Feature: FeatureLandmark, Format: formatEntities("\n**Landmarks:**", func(r *AnnotateResponse) []EntityAnnotation { return r.LandmarkAnnotations })},
		{Kind: KindLogo, Feature: FeatureLogo, Format: formatEntities("\n**Logos:**", func(r *AnnotateResponse) []EntityAnnotation { return r.LogoAnnotations })},
	}
}

func formatWeb(r *AnnotateResponse) []string {
	lines := []string{"\n**Web annotations:**"}
	web := r.WebDetection
	if web == nil {
		return lines
	}

	if n := len(web.PagesWithMatchingImages); n > 0 {
		lines = append(lines, fmt.Sprintf("\n%d Pages with matching images retrieved", n))
		for _, p := range web.PagesWithMatchingImages {
			lines = append(lines, "* Url   : "+p.URL)
		}
	}
	if n := len(web.FullMatchingImages); n > 0 {
		lines = append(lines, fmt.Sprintf("\n%d Full Matches found: ", n))
		for _, img := range web.FullMatchingImages {
			lines = append(lines, "* Url  : "+img.URL)
		}
	}
	if n := len(web.PartialMatchingImages); n > 0 {
		lines = append(lines, fmt.Sprintf("\n%d Partial Matches found: ", n))
		for _, img := range web.PartialMatchingImages {
			lines = append(lines, "* Url  : "+img.URL)
		}
	}
	if n := len(web.WebEntities); n > 0 {
		lines = append(lines, fmt.Sprintf("\n%d Web entities found: ", n))
		for _, e := range web.WebEntities {
			lines = append(lines,
				"* Score      : "+strconv.FormatFloat(e.Score, 'f', -1, 64),
				"* Description: "+e.Description,
			)
		}
	}
	return lines
}

func formatText(r *AnnotateResponse) []string {
	lines := []string{"\n**Texts:**"}
	for _, t := range r.TextAnnotations {
		lines = append(lines,
			"\n* \""+t.Description+"\"",
			"* bounds: "+vertices(t.BoundingPoly),
		)
	}
	return lines
}

func formatFaces(r *AnnotateResponse) []string {
	lines := []string{"\n**Faces:**"}
	for _, f := range r.FaceAnnotations {
		lines = append(lines,
			"* anger: "+f.AngerLikelihood.String(),
			"* joy: "+f.JoyLikelihood.String(),
			"* surprise: "+f.SurpriseLikelihood.String(),
			"* face bounds: "+vertices(f.BoundingPoly),
		)
	}
	return lines
}

func formatEntities(header string, pick func(*AnnotateResponse) []EntityAnnotation) func(*AnnotateResponse) []string {
	return func(r *AnnotateResponse) []string {
		lines := []string{header}
		for _, e := range pick(r) {
			lines = append(lines, "* "+e.Description)
		}
		return lines
	}
}

func vertices(p *BoundingPoly) string {
	if p == nil {
		return ""
	}
	parts := make([]string, len(p.Vertices))
	for i, v := range p.Vertices {
		parts[i] = fmt.Sprintf("(%d,%d)", v.X, v.Y)
	}
	return strings.Join(parts, ",")
}
