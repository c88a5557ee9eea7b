package domain

import "context"

// Channel is a messaging platform adapter. Start blocks until the context
// is cancelled or the connection fails.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// MessageBus decouples channel adapters from the relay engine. Channels
// publish inbound messages and register a handler for outbound replies;
// the relay consumes the inbound stream and sends replies back by channel
// name.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
}
