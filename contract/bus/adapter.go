package bus

import "context"

// Listener is a managed consumer attached to exactly one destination.
// It is returned ready but not started: the handler must be set before Start.
// Stop releases the resource; calling it more than once is safe.
type Listener interface {
	Destination() string
	SetHandler(h Handler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Sender delivers messages to one destination. Send blocks according to the
// broker client's own semantics, which is the only backpressure producers see.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Connection is the broker capability the binder consumes.
// Adapters (in-memory, NATS, RabbitMQ, Kafka) implement it over a shared client.
type Connection interface {
	OpenListener(ctx context.Context, destination string, opts ListenerOptions) (Listener, error)
	OpenSender(ctx context.Context, destination string, mode Mode) (Sender, error)
}
