// Package realtime fans device events out to connected viewers.
//
// Viewers connect over a websocket, present a JWT and join per-device
// rooms. The Gateway emits each reconciled status, liveness change and
// command outcome to the room of the device it concerns, and nowhere else.
//
// # Rooms
//
// A Registry maps a device serial to the set of connections in its room,
// plus a join rate limiter per connection. It is owned by the Gateway and
// never persisted. Membership changes only on join, leave and disconnect.
// Broadcasts snapshot the member set under a read lock and write outside it.
//
// # Wire format
//
// Every server message is a frame:
//
//	{"event": "device-status", "data": {"v": 1, "deviceId": "SN-1", "type": "STATUS", ...}}
//
// Events are device-status (STATUS and LWT envelopes), device-command
// (COMMAND envelopes) and device-snapshot (sent to one viewer on join).
// Replies to client messages use the events authenticated, joined, left,
// pong and error.
//
// Clients send {"type": "auth", "token": "..."}, {"type": "join-device",
// "deviceId": "..."}, {"type": "leave-device", "deviceId": "..."} or
// {"type": "ping"}.
package realtime
