package bus

import "context"

// Channel is the inbound side of an in-process conduit. Consumer bindings publish
// every message received from a destination onto it.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscription identifies a handler registered on a SubscribableChannel.
type Subscription string

// SubscribableChannel is a Channel that also fans messages out to subscribers.
// Producer bindings subscribe to it and forward what they observe to a destination.
type SubscribableChannel interface {
	Channel
	Subscribe(h Handler) (Subscription, error)
	Unsubscribe(s Subscription) error
}
