// Package memory wires a binder to the in-process broker for tests, demos and
// single-process deployments.
package memory

import (
	"log/slog"

	"github.com/next-trace/scg-channel-binder/adapters/inmemory"
	"github.com/next-trace/scg-channel-binder/binder"
)

// New constructs a binder backed by the in-memory broker and returns it with the
// broker, so callers can inject inbound traffic, plus a cleanup that closes the broker.
func New(logger *slog.Logger, opts ...binder.Option) (*binder.Binder, *inmemory.Broker, func()) {
	br := inmemory.New(inmemory.WithLogger(logger))
	b := binder.New(br, logger, opts...)
	cleanup := func() { _ = br.Close() }

	return b, br, cleanup
}
