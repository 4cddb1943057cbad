package vision

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDetectors_RegistryOrder(t *testing.T) {
	var got []Kind
	for _, d := range Detectors() {
		got = append(got, d.Kind)
	}
	want := []Kind{KindWeb, KindText, KindFace, KindLabel, KindLandmark, KindLogo}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("registry order = %v, want %v", got, want)
	}
}

func detector(kind Kind) Detector {
	for _, d := range Detectors() {
		if d.Kind == kind {
			return d
		}
	}
	panic("unknown kind " + kind)
}

func TestFormat_HeaderOnlyWhenEmpty(t *testing.T) {
	for _, d := range Detectors() {
		res := Result{Kind: d.Kind, Lines: d.Format(&AnnotateResponse{})}
		if !res.Empty() {
			t.Errorf("%s: expected header-only, got %q", d.Kind, res.Lines)
		}
	}
}

func TestFormat_Faces(t *testing.T) {
	raw := `{"faceAnnotations":[{
		"boundingPoly":{"vertices":[{"x":1,"y":2},{"x":30,"y":2},{"x":30,"y":40},{"y":40}]},
		"joyLikelihood":"VERY_LIKELY","angerLikelihood":"VERY_UNLIKELY","surpriseLikelihood":3}]}`
	var resp AnnotateResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}

	got := detector(KindFace).Format(&resp)
	want := []string{
		"\n**Faces:**",
		"* anger: VERY_UNLIKELY",
		"* joy: VERY_LIKELY",
		"* surprise: POSSIBLE",
		"* face bounds: (1,2),(30,2),(30,40),(0,40)",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestFormat_Text(t *testing.T) {
	resp := &AnnotateResponse{TextAnnotations: []EntityAnnotation{
		{Description: "EXIT", BoundingPoly: &BoundingPoly{Vertices: []Vertex{{1, 1}, {5, 1}}}},
	}}
	got := detector(KindText).Format(resp)
	want := []string{"\n**Texts:**", "\n* \"EXIT\"", "* bounds: (1,1),(5,1)"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormat_Entities(t *testing.T) {
	resp := &AnnotateResponse{
		LabelAnnotations:    []EntityAnnotation{{Description: "cat"}, {Description: "mammal"}},
		LandmarkAnnotations: []EntityAnnotation{{Description: "Eiffel Tower"}},
		LogoAnnotations:     []EntityAnnotation{{Description: "Cisco"}},
	}
	tests := []struct {
		kind Kind
		want []string
	}{
		{KindLabel, []string{"\n**Labels:**", "* cat", "* mammal"}},
		{KindLandmark, []string{"\n**Landmarks:**", "* Eiffel Tower"}},
		{KindLogo, []string{"\n**Logos:**", "* Cisco"}},
	}
	for _, tt := range tests {
		if got := detector(tt.kind).Format(resp); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestFormat_Web(t *testing.T) {
	resp := &AnnotateResponse{WebDetection: &WebDetection{
		PagesWithMatchingImages: []WebPage{{URL: "https://p/1"}},
		FullMatchingImages:      []WebImage{{URL: "https://f/1"}, {URL: "https://f/2"}},
		PartialMatchingImages:   []WebImage{{URL: "https://q/1"}},
		WebEntities:             []WebEntity{{Score: 0.75, Description: "Router"}},
	}}
	want := []string{
		"\n**Web annotations:**",
		"\n1 Pages with matching images retrieved",
		"* Url   : https://p/1",
		"\n2 Full Matches found: ",
		"* Url  : https://f/1",
		"* Url  : https://f/2",
		"\n1 Partial Matches found: ",
		"* Url  : https://q/1",
		"\n1 Web entities found: ",
		"* Score      : 0.75",
		"* Description: Router",
	}
	if got := detector(KindWeb).Format(resp); !reflect.DeepEqual(got, want) {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestResult_Markdown(t *testing.T) {
	r := Result{Lines: []string{"\n**Labels:**", "* cat"}}
	if got := r.Markdown(); got != "\n**Labels:**\n* cat" {
		t.Errorf("unexpected markdown %q", got)
	}
}

func TestLikelihood_Unmarshal(t *testing.T) {
	tests := []struct {
		raw  string
		want Likelihood
	}{
		{`"LIKELY"`, Likely},
		{`"UNKNOWN"`, Unknown},
		{`"SOMETHING_NEW"`, Unknown},
		{`2`, Unlikely},
	}
	for _, tt := range tests {
		var l Likelihood
		if err := json.Unmarshal([]byte(tt.raw), &l); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		if l != tt.want {
			t.Errorf("%s: got %v, want %v", tt.raw, l, tt.want)
		}
	}
	if Likelihood(42).String() != "UNKNOWN" {
		t.Error("out-of-range likelihood should print UNKNOWN")
	}
}
