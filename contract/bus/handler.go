package bus

import "context"

// Handler receives a single message. A non-nil error reports that the message
// was not handled; what happens next depends on the caller's acknowledgement semantics.
// Implementations must be safe for concurrent use when registered on a listener
// with more than one worker.
type Handler func(ctx context.Context, msg Message) error
