package vision

import "golang.org/x/time/rate"

// NewLimiter spaces annotate calls to ratePerMinute with bursts of up to
// burst calls. It returns nil, meaning unlimited, when ratePerMinute <= 0.
func NewLimiter(ratePerMinute, burst int) *rate.Limiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = len(Detectors())
	}
	return rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60), burst)
}
