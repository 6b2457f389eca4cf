// Package runner implements the bounded-concurrency job execution core.
//
// # Overview
//
// The Runner turns a message-queue consumer into a job scheduler: each tick
// it admits messages (receive, validate, launch) up to a concurrency
// ceiling, reaps finished jobs with a bounded wait, checks its own
// accounting invariants, and evaluates lifecycle transitions
// (Running -> Draining -> Stopped).
//
// # Concurrency model
//
// One goroutine runs the tick loop and is the only writer of the runner's
// counters, the in-flight map, and the handle list. Each admitted message
// runs its Processor call on its own goroutine and communicates back solely
// through the job handle's result channel. The cross-goroutine surface is
// the stopping flag (set by Stop or context cancellation) and the read-only
// health/issue accessors consumed by reporters, all of which are atomics or
// internally locked.
//
// # Failure policy
//
// Processor errors and panics are captured per job and recorded as issues;
// they never affect other in-flight jobs and never acknowledge the message.
// A validator error or an invariant violation is systemic: the runner goes
// unhealthy and drains to a stop. Nothing unwinds out of the loop; faults
// become state surfaced via Healthy and LatestIssues, and the supervising
// caller decides whether to terminate the process.
package runner
