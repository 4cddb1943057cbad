package domain

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrTimeout indicates a network timeout or an expired deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrUnauthorized indicates the remote service rejected our credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformedPayload indicates a body that could not be decoded or lacks required fields.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnsupportedContent indicates content that is not an image.
	ErrUnsupportedContent = errors.New("unsupported content type")
	// ErrTooLarge indicates a download exceeding the configured limit.
	ErrTooLarge = errors.New("content too large")
	// ErrUpstream indicates any other failure response from a remote service.
	ErrUpstream = errors.New("upstream error")
)

// Classify returns a stable label for err, used in logs, metrics and the audit log.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrUnsupportedContent):
		return "unsupported_content"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
