// Package events publishes task lifecycle events and consumes stage
// commands over Kafka.
//
// Events are a notification side channel. The task record remains the
// source of truth, so publishing is best effort: a failed publish is logged
// and counted but never fails the operation that produced the event.
package events
