package vision

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"visionbot/internal/domain"
)

// Recorder receives one observation per detector call.
type Recorder interface {
	RecordDetection(kind string, duration time.Duration, errClass string)
}

// Outcome is the result of one detector. Err is set when the call failed;
// Result then holds only the header.
type Outcome struct {
	Kind   Kind
	Result Result
	Err    error
}

// Report holds the outcomes of one dispatch in registry order, followed by
// the MAC block when MAC detection is enabled.
type Report struct {
	Outcomes []Outcome
}

// Blocks returns the markdown of every non-empty result, in order.
func (r Report) Blocks() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Err == nil && !o.Result.Empty() {
			out = append(out, o.Result.Markdown())
		}
	}
	return out
}

// Findings counts the non-empty result blocks.
func (r Report) Findings() int { return len(r.Blocks()) }

// Failed returns the outcomes that errored.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Status summarizes the report for the audit log.
func (r Report) Status() domain.AnalysisStatus {
	failed, ran := len(r.Failed()), 0
	for _, o := range r.Outcomes {
		if o.Kind != KindMAC {
			ran++
		}
	}
	switch {
	case failed == 0:
		return domain.AnalysisOK
	case failed == ran:
		return domain.AnalysisFailed
	default:
		return domain.AnalysisPartial
	}
}

// Dispatcher runs the detector registry against an image source.
type Dispatcher struct {
	annotator   Annotator
	detectors   []Detector
	detectMACs  bool
	concurrency int
	recorder    Recorder
	logger      *slog.Logger
}

type DispatcherConfig struct {
	Annotator          Annotator
	DetectMACAddresses bool
	Concurrency        int
	Recorder           Recorder
	Logger             *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		annotator:   cfg.Annotator,
		detectors:   Detectors(),
		detectMACs:  cfg.DetectMACAddresses,
		concurrency: cfg.Concurrency,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger.With("component", "dispatcher"),
	}
}

// Dispatch runs every detector. A failing detector does not stop the others;
// its error is reported in its Outcome. Dispatch only returns an error when
// ctx is done before the detectors finish.
func (d *Dispatcher) Dispatch(ctx context.Context, src domain.ImageSource) (Report, error) {
	outcomes := make([]Outcome, len(d.detectors))
	responses := make([]*AnnotateResponse, len(d.detectors))

	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for i, det := range d.detectors {
		i, det := i, det
		g.Go(func() error {
			start := time.Now()
			resp, err := d.annotator.Annotate(ctx, src, det.Feature)
			d.observe(det.Kind, time.Since(start), err)
			if err != nil {
				d.logger.Warn("detector failed",
					"kind", det.Kind,
					"source", sourceLabel(src),
					"class", domain.Classify(err),
					"error", err,
				)
				outcomes[i] = Outcome{Kind: det.Kind, Result: Result{Kind: det.Kind, Lines: det.Format(&AnnotateResponse{})}, Err: err}
				return nil
			}
			responses[i] = resp
			outcomes[i] = Outcome{Kind: det.Kind, Result: Result{Kind: det.Kind, Lines: det.Format(resp)}}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Report{Outcomes: outcomes}, err
	}

	if d.detectMACs {
		outcomes = append(outcomes, d.macOutcome(responses))
	}
	return Report{Outcomes: outcomes}, nil
}

// macOutcome derives the MAC block from the text detector's annotations.
func (d *Dispatcher) macOutcome(responses []*AnnotateResponse) Outcome {
	for i, det := range d.detectors {
		if det.Kind != KindText {
			continue
		}
		if responses[i] == nil {
			// The text detector failed; report nothing rather than a second failure.
			return Outcome{Kind: KindMAC, Result: MACResult(nil)}
		}
		return Outcome{Kind: KindMAC, Result: MACResult(TextLines(responses[i]))}
	}
	return Outcome{Kind: KindMAC, Result: MACResult(nil)}
}

func (d *Dispatcher) observe(kind Kind, dur time.Duration, err error) {
	if d.recorder == nil {
		return
	}
	d.recorder.RecordDetection(string(kind), dur, domain.Classify(err))
}
