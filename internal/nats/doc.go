// Package nats publishes guarded run activity over NATS.
//
// # Architecture
//
//   - Bridge: subscribes to the event bus and publishes each event to a subject
//   - Server: embedded NATS server for single-host setups and tests
//   - Messages: JSON payloads shared with the NATS report transport
//
// # Subject Hierarchy
//
//	cronguard.{host}.state        # Supervisor state transitions
//	cronguard.{host}.fault        # Wait loop faults that forced a kill
//	cronguard.{host}.contention   # Runs skipped because the lock was held
//	cronguard.{host}.completed    # One per invocation, always last
//	cronguard.{host}.report       # Operator reports (notify transport)
//
// Dots in host names are replaced with underscores so a host is always a
// single subject token.
//
// The package uses fire-and-forget messaging (core NATS, no JetStream). A
// bridge that cannot connect is logged and skipped; the guarded run is never
// affected.
//
// # Debugging with nats CLI
//
// Watch every host:
//
//	nats sub "cronguard.>"
//
// Watch completions only, as JSON:
//
//	nats sub "cronguard.*.completed" | jq .
//
// # Message Formats
//
// CompletedMessage (cronguard.{host}.completed):
//
//	{
//	  "host": "web-1",
//	  "command": "backup.sh --full",
//	  "state": "FINISHED",
//	  "exit_code": 0,
//	  "duration_ms": 81234,
//	  "timestamp": "2025-01-27T10:30:00Z"
//	}
//
// State is a supervisor state, or SKIPPED when the lock was held and ERROR
// when the invocation failed before producing stats.
package nats
