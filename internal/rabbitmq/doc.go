// Package rabbitmq wraps amqp091-go for the lead services.
//
// This package includes:
//   - ConnectionManager: one long-lived connection with automatic reconnection
//   - TopologyManager: idempotent declaration of the direct exchange, durable
//     queues and their bindings
//   - Publisher: a single publishing channel with persistent delivery and
//     publisher confirms
//   - Consumer: one dedicated channel per subscription with bounded prefetch,
//     manual ack and nack-with-requeue, re-established after reconnects
package rabbitmq
