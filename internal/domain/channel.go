package domain

import (
	"context"
	"net/http"
)

// Channel is the interface for a messaging platform the bot listens on and replies to.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}

// BatchSender is implemented by channels that post a list of messages in
// one call. Every item is attempted; errs[i] is the result for items[i].
type BatchSender interface {
	SendBatch(ctx context.Context, chatID string, items []string) (errs []error)
}

// MessageLoader is implemented by channels whose notifications carry only
// identifiers; it fills in the message text before processing.
type MessageLoader interface {
	LoadMessage(ctx context.Context, msg *InboundMessage) error
}

// RequestAuthorizer is implemented by channels whose attachment URLs require
// credentials.
type RequestAuthorizer interface {
	Authorize(req *http.Request)
}
