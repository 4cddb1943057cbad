package domain

import "time"

// InboundMessage is a single room event handed from a channel to the bot.
// It lives only for the duration of one processing pass.
type InboundMessage struct {
	Channel   string
	MessageID string
	ChatID    string   // room the message was posted in
	SenderID  string   // actor that posted it
	Content   string   // free text, may be filled later by a MessageLoader
	Media     []string // attachment URIs in posting order
	Timestamp time.Time
}
