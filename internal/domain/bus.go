package domain

// MessageBus routes inbound messages from channels to the bot.
type MessageBus interface {
	Publish(msg InboundMessage)
	// TryPublish enqueues msg only if there is room and reports whether it did.
	TryPublish(msg InboundMessage) bool
	Subscribe() <-chan InboundMessage
	Close()
}
