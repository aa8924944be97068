// Package storage holds the server's hierarchical namespace and its session
// records.
//
// # Model
//
// Nodes are keyed by absolute path. The root "/" always exists and cannot be
// removed. Every other node has a parent that exists, and a node owned by a
// session (ephemeral) may not have children:
//
//	/
//	├── collections            persistent, version 0
//	│   ├── c1                 persistent
//	│   └── lock-0000000003    ephemeral, owner = session id
//	└── live_nodes
//
// Updates check an expected version; -1 matches any version. Failures are
// reported with the wire sentinels (wire.ErrNoNode, wire.ErrNodeExists, ...)
// so the server can map them straight onto error codes.
//
// # Implementations
//
// MemoryStore keeps everything on the heap behind a sync.RWMutex and is the
// default for tests and for a server without a data directory.
//
// SQLiteStore persists nodes and sessions in a single SQLite database
// (modernc.org/sqlite, no cgo). A server restarted on the same data
// directory sees the same namespace and the same sessions.
//
// Both implementations are safe for concurrent use.
package storage
