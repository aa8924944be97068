// Package server implements a single-node coordination service that speaks
// the keeper JSON protocol over HTTP.
//
// Every request except session/open carries a session id and renews that
// session's lease. The session monitor expires sessions whose lease runs
// out; expiry deletes the session's ephemeral nodes and fires the watches
// on them. Clients receive watch events by long-polling /v1/session/poll,
// which doubles as the heartbeat, and acknowledge them by sequence number
// on the next poll.
//
// Watches are one-shot and kept per (path, kind). A single mutex
// serializes namespace updates with watch bookkeeping, so a watch set by a
// read is always in place before any later update to the same node.
package server
