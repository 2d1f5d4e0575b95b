package bus

// ListenerOptions configures a listener resource at creation time.
// Group is forwarded to the broker so it can share load between listeners
// of the same group; the binder never implements sharing itself.
type ListenerOptions struct {
	Mode        Mode
	Group       string
	Concurrency int
}

// ConsumerOptions controls a consumer binding. Zero values mean the binder's
// default mode (broadcast unless configured) and a single worker.
type ConsumerOptions struct {
	Mode        Mode
	Concurrency int
}

// ProducerOptions controls a producer binding.
// Headers are added to every outbound message unless the message already sets them.
type ProducerOptions struct {
	Mode    Mode
	Headers map[string]string
}
