// Package audit records every authorization decision as an append-only event.
//
// # Overview
//
// The Emitter sits at the end of the decision path. Record and Emit only
// enqueue onto a bounded buffer; a background flusher batches events and
// appends them to a Sink, retrying with exponential backoff. A batch that
// still fails is kept and retried on the next flush, so delivery is
// at-least-once and sinks deduplicate on Event.EventID.
//
// Failures never reach the caller of a decision. Buffer overflow and
// exhausted retries are raised as audit_write_failed to the Alerter.
//
// # Sinks
//
//   - FileSink: JSON lines with size based rotation
//   - DBSink: Postgres audit_logs, ON CONFLICT (event_id) DO NOTHING
//   - KafkaSink: one message per event keyed by event id
//   - MultiSink: fan-out to several sinks
//
// # Usage Example
//
//	emitter := audit.NewEmitter(audit.NewMultiSink(fileSink, dbSink), audit.LogAlerter(logger), audit.DefaultConfig())
//	defer emitter.Close(ctx)
//
//	emitter.RecordDecision(ctx, p, rbac.ResourceContact, rbac.ActionRead, "42", err)
//	// after the write commits
//	emitter.RecordMutation(ctx, p, rbac.ResourceRole, rbac.ActionUpdate, "12", map[string]interface{}{"version": 4})
//
// The engine never reads audit records back.
package audit
