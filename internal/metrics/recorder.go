package metrics

import (
	"fmt"
	"time"
)

var detectionBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Recorder exposes the bot's metrics on top of a Collector. It satisfies the
// recorder interfaces of the webhook listener, the vision dispatcher and the bot.
type Recorder struct {
	c *Collector
}

func NewRecorder(c *Collector) *Recorder {
	if c == nil {
		c = NewCollector()
	}
	r := &Recorder{c: c}
	r.InFlight()
	return r
}

// Collector returns the underlying collector.
func (r *Recorder) Collector() *Collector { return r.c }

// RecordWebhook counts an inbound notification by outcome (accepted, self, unauthorized, ...).
func (r *Recorder) RecordWebhook(channel, outcome string) {
	r.c.Counter("visionbot_webhooks_total", "Inbound webhook notifications by outcome",
		label("channel", channel)+","+label("outcome", outcome)).Inc()
}

// RecordDetection observes one detector call.
func (r *Recorder) RecordDetection(kind string, d time.Duration, errClass string) {
	result := "ok"
	if errClass != "" {
		result = errClass
	}
	r.c.Counter("visionbot_detections_total", "Detector calls by kind and result",
		label("kind", kind)+","+label("result", result)).Inc()
	r.c.Histogram("visionbot_detection_latency_seconds", "Detector call latency in seconds",
		label("kind", kind), detectionBuckets).Observe(d.Seconds())
}

// RecordAnalysis counts a finished image analysis by status.
func (r *Recorder) RecordAnalysis(status string) {
	r.c.Counter("visionbot_analyses_total", "Image analyses by status", label("status", status)).Inc()
}

// RecordMessage counts a processed message by outcome (analyzed, help, not_image, duplicate, error).
func (r *Recorder) RecordMessage(channel, outcome string) {
	r.c.Counter("visionbot_messages_total", "Processed messages by outcome",
		label("channel", channel)+","+label("outcome", outcome)).Inc()
}

// RecordPost counts a reply posted to a room.
func (r *Recorder) RecordPost(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.c.Counter("visionbot_posts_total", "Replies posted to rooms",
		label("channel", channel)+","+label("result", result)).Inc()
}

// MessageStarted and MessageFinished track messages currently being processed.
func (r *Recorder) MessageStarted()  { r.InFlight().Inc() }
func (r *Recorder) MessageFinished() { r.InFlight().Dec() }

// InFlight is the number of messages currently being processed.
func (r *Recorder) InFlight() *Gauge {
	return r.c.Gauge("visionbot_messages_in_flight", "Messages currently being processed", "")
}

func label(k, v string) string {
	return fmt.Sprintf("%s=%q", k, v)
}
