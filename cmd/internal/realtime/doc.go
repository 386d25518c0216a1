// Package realtime pushes account events to connected websocket clients.
//
// A client subscribes to exactly one account: the principal of the session
// that opened the connection. The feed is one-way; data frames sent by the
// client close the connection with StatusPolicyViolation.
//
// Delivery is best effort. Publish never blocks and drops an event for a
// client whose send queue is full. Clients resynchronise from the snapshot
// sent on connect.
package realtime
