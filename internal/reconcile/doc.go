// Package reconcile applies decoded device events to the record store and
// forwards them to viewers.
//
// Every event is written durably first and broadcast second. A failed
// write is logged and counted, and the event is still forwarded with
// persisted=false in its envelope so viewers are never told a write
// happened when it did not.
//
// Liveness handling is idempotent: a redelivered signal carrying the same
// state within the dedupe window writes no second log entry. LastSeenAt
// never moves backwards.
package reconcile
