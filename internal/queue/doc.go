// Package queue provides the concrete queue bindings behind the runner's
// Consumer and Publisher contracts.
//
// Drivers:
//   - "nats": JetStream work-queue stream with a durable pull consumer
//   - "redis": reliable-queue pattern on lists (ready -> processing)
//   - "sqlite": embedded single-file queue for local development
//
// All drivers share the same semantics: Receive returns (nil, nil) when the
// queue is momentarily empty and blocks no longer than the configured
// receive timeout; Acknowledge fails with ErrUnknownMessage for ids it is
// not tracking; with acknowledgement disabled, messages are removed at
// receive time and carry no id.
package queue
