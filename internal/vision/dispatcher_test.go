package vision

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"visionbot/internal/domain"
)

type fakeAnnotator struct {
	mu        sync.Mutex
	calls     []Feature
	responses map[Feature]*AnnotateResponse
	errs      map[Feature]error
}

func (f *fakeAnnotator) Annotate(_ context.Context, _ domain.ImageSource, feature Feature) (*AnnotateResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, feature)
	f.mu.Unlock()
	if err := f.errs[feature]; err != nil {
		return nil, err
	}
	if r := f.responses[feature]; r != nil {
		return r, nil
	}
	return &AnnotateResponse{}, nil
}

type countingRecorder struct {
	mu      sync.Mutex
	classes map[string]string
}

func (c *countingRecorder) RecordDetection(kind string, _ time.Duration, errClass string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.classes == nil {
		c.classes = map[string]string{}
	}
	c.classes[kind] = errClass
}

func TestDispatch_OrderedBlocksAndMAC(t *testing.T) {
	fa := &fakeAnnotator{responses: map[Feature]*AnnotateResponse{
		FeatureLogo:  {LogoAnnotations: []EntityAnnotation{{Description: "Cisco"}}},
		FeatureLabel: {LabelAnnotations: []EntityAnnotation{{Description: "router"}}},
		FeatureText: {TextAnnotations: []EntityAnnotation{
			{Description: "S/N 123"},
			{Description: "AABBCCDDEEFF"},
		}},
	}}
	d := NewDispatcher(DispatcherConfig{Annotator: fa, DetectMACAddresses: true, Concurrency: 3, Logger: quietLogger()})

	report, err := d.Dispatch(context.Background(), domain.RemoteURI("https://x/y.png"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fa.calls) != 6 {
		t.Fatalf("expected 6 annotate calls, got %d", len(fa.calls))
	}

	var kinds []Kind
	for _, o := range report.Outcomes {
		kinds = append(kinds, o.Kind)
	}
	wantKinds := []Kind{KindWeb, KindText, KindFace, KindLabel, KindLandmark, KindLogo, KindMAC}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Fatalf("outcome order = %v, want %v", kinds, wantKinds)
	}

	blocks := report.Blocks()
	want := []string{
		"\n**Texts:**\n\n* \"S/N 123\"\n* bounds: \n\n* \"AABBCCDDEEFF\"\n* bounds: ",
		"\n**Labels:**\n* router",
		"\n**Logos:**\n* Cisco",
		"\n**MAC Addresses:**\n* AA:BB:CC:DD:EE:FF",
	}
	if !reflect.DeepEqual(blocks, want) {
		t.Errorf("blocks = %q\nwant %q", blocks, want)
	}
	if report.Findings() != 4 {
		t.Errorf("expected 4 findings, got %d", report.Findings())
	}
	if report.Status() != domain.AnalysisOK {
		t.Errorf("expected ok status, got %s", report.Status())
	}
}

func TestDispatch_MACDisabled(t *testing.T) {
	fa := &fakeAnnotator{responses: map[Feature]*AnnotateResponse{
		FeatureText: {TextAnnotations: []EntityAnnotation{{Description: "AABBCCDDEEFF"}}},
	}}
	d := NewDispatcher(DispatcherConfig{Annotator: fa, Logger: quietLogger()})

	report, err := d.Dispatch(context.Background(), domain.RemoteURI("https://x/y.png"))
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range report.Outcomes {
		if o.Kind == KindMAC {
			t.Fatal("MAC outcome present with detection disabled")
		}
	}
}

func TestDispatch_FailingDetectorIsolated(t *testing.T) {
	fa := &fakeAnnotator{
		responses: map[Feature]*AnnotateResponse{
			FeatureLabel: {LabelAnnotations: []EntityAnnotation{{Description: "cat"}}},
		},
		errs: map[Feature]error{
			FeatureFace: fmt.Errorf("annotate: %w", domain.ErrUpstream),
			FeatureText: fmt.Errorf("annotate: %w", domain.ErrTimeout),
		},
	}
	rec := &countingRecorder{}
	d := NewDispatcher(DispatcherConfig{Annotator: fa, DetectMACAddresses: true, Concurrency: 2, Recorder: rec, Logger: quietLogger()})

	report, err := d.Dispatch(context.Background(), domain.LocalFile("/tmp/x.png"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fa.calls) != 6 {
		t.Fatalf("all detectors must run, got %d calls", len(fa.calls))
	}
	if got := report.Blocks(); len(got) != 1 || got[0] != "\n**Labels:**\n* cat" {
		t.Errorf("unexpected blocks %q", got)
	}
	failed := report.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failed))
	}
	if failed[0].Kind != KindText || failed[1].Kind != KindFace {
		t.Errorf("failures out of order: %v, %v", failed[0].Kind, failed[1].Kind)
	}
	if report.Status() != domain.AnalysisPartial {
		t.Errorf("expected partial, got %s", report.Status())
	}
	if rec.classes["face"] != "upstream" || rec.classes["text"] != "timeout" || rec.classes["label"] != "" {
		t.Errorf("unexpected recorded classes %v", rec.classes)
	}
}

func TestDispatch_AllFailed(t *testing.T) {
	boom := errors.New("boom")
	fa := &fakeAnnotator{errs: map[Feature]error{
		FeatureWeb: boom, FeatureText: boom, FeatureFace: boom,
		FeatureLabel: boom, FeatureLandmark: boom, FeatureLogo: boom,
	}}
	d := NewDispatcher(DispatcherConfig{Annotator: fa, DetectMACAddresses: true, Logger: quietLogger()})

	report, err := d.Dispatch(context.Background(), domain.RemoteURI("https://x/y.png"))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status() != domain.AnalysisFailed {
		t.Errorf("expected failed, got %s", report.Status())
	}
	if len(report.Blocks()) != 0 {
		t.Errorf("expected no blocks, got %q", report.Blocks())
	}
}

func TestDispatch_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDispatcher(DispatcherConfig{Annotator: &fakeAnnotator{}, Logger: quietLogger()})
	if _, err := d.Dispatch(ctx, domain.RemoteURI("https://x/y.png")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
