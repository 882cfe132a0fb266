// Package outbox implements the transactional outbox for task lifecycle
// events.
//
// # Overview
//
// With the outbox enabled, the event bus does not write to Kafka directly.
// Publisher stores each event in the outbox_events table, and a Relay
// forwards stored rows to the event stream in creation order, marking them
// published once the broker accepted them. Events survive broker outages
// and process restarts; delivery is at least once.
//
// # Components
//
//   - Publisher: an events.Publisher that inserts into outbox_events
//   - Relay: polls pending rows and forwards them to a downstream publisher
//
// # Usage
//
//	bus := events.NewBus(emitter, outbox.NewPublisher(db), metrics, logger)
//	relay := outbox.NewRelay(db, kafkaPublisher, outbox.RelayConfig{}, metrics, logger)
//	go relay.Run(ctx)
package outbox
