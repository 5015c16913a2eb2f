// Package ingest turns raw broker messages into typed device events.
//
// Decode is the single entry point for inbound traffic:
//
//	ev, err := ingest.Decode(msg.Topic, msg.Payload)
//	switch {
//	case errors.Is(err, ingest.ErrUnknownTopic):
//	    // not part of the relay contract; log and skip
//	case err != nil:
//	    // *DecodeError: ev is still usable, Parsed holds the raw text
//	}
//
// A status payload that is not valid JSON is never dropped. The event
// carries the raw text in Parsed and the decode error is returned as a
// warning.
//
// Summarize derives the short human-readable lines shown next to a status
// event. It is display-only and cannot fail.
package ingest
