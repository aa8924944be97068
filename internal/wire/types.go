package wire

import "time"

// EventType identifies the change that fired a watch.
type EventType string

const (
	EventNodeCreated         EventType = "node_created"
	EventNodeDeleted         EventType = "node_deleted"
	EventNodeDataChanged     EventType = "node_data_changed"
	EventNodeChildrenChanged EventType = "node_children_changed"
)

// WatchKind selects which changes a watch observes. It mirrors the three
// ZooKeeper watch tables: data (get), exist (exists) and child (children).
type WatchKind string

const (
	WatchData  WatchKind = "data"
	WatchExist WatchKind = "exist"
	WatchChild WatchKind = "child"
)

// Triggers reports whether an event of type t fires a watch of kind k.
func (k WatchKind) Triggers(t EventType) bool {
	switch t {
	case EventNodeCreated, EventNodeDataChanged:
		return k == WatchData || k == WatchExist
	case EventNodeDeleted:
		return true
	case EventNodeChildrenChanged:
		return k == WatchChild
	}
	return false
}

// Event is a watch notification queued for one session.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type EventType `json:"type"`
	Path string    `json:"path"`
}

// Stat is node metadata.
type Stat struct {
	Version     int32     `json:"version"`
	NumChildren int       `json:"num_children"`
	Owner       string    `json:"owner,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Ephemeral reports whether the node is bound to a session.
func (s Stat) Ephemeral() bool { return s.Owner != "" }

type OpenSessionRequest struct {
	TimeoutMS int64 `json:"timeout_ms"`
}

type OpenSessionResponse struct {
	SessionID string `json:"session_id"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// PollRequest is the heartbeat and event long-poll. Events with Seq <= Ack
// have been received and are discarded by the server.
type PollRequest struct {
	SessionID string `json:"session_id"`
	Ack       uint64 `json:"ack"`
	WaitMS    int64  `json:"wait_ms"`
}

type PollResponse struct {
	Events []Event `json:"events"`
}

// SetWatchesRequest re-installs watches after a reconnect to the same session.
type SetWatchesRequest struct {
	SessionID string   `json:"session_id"`
	Data      []string `json:"data,omitempty"`
	Exist     []string `json:"exist,omitempty"`
	Child     []string `json:"child,omitempty"`
}

type CreateRequest struct {
	SessionID  string `json:"session_id"`
	Path       string `json:"path"`
	Data       []byte `json:"data,omitempty"`
	Ephemeral  bool   `json:"ephemeral,omitempty"`
	Sequential bool   `json:"sequential,omitempty"`
}

type CreateResponse struct {
	Path string `json:"path"`
}

// DeleteRequest removes a node. Version -1 matches any version.
type DeleteRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Version   int32  `json:"version"`
}

// PathRequest serves exists, get and children.
type PathRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Watch     bool   `json:"watch,omitempty"`
}

type ExistsResponse struct {
	Exists bool  `json:"exists"`
	Stat   *Stat `json:"stat,omitempty"`
}

type GetResponse struct {
	Data []byte `json:"data"`
	Stat Stat   `json:"stat"`
}

// SetRequest replaces node data. Version -1 matches any version.
type SetRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Data      []byte `json:"data"`
	Version   int32  `json:"version"`
}

type SetResponse struct {
	Stat Stat `json:"stat"`
}

type ChildrenResponse struct {
	Children []string `json:"children"`
}

type ErrorResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// StatsResponse is served by GET /stats.
type StatsResponse struct {
	Nodes    int            `json:"nodes"`
	Bytes    int            `json:"bytes"`
	Sessions int            `json:"sessions"`
	Watches  int            `json:"watches"`
	Ops      OperationStats `json:"ops"`
}

// OperationStats counts served requests per operation.
type OperationStats struct {
	Creates  uint64 `json:"creates"`
	Deletes  uint64 `json:"deletes"`
	Reads    uint64 `json:"reads"`
	Writes   uint64 `json:"writes"`
	Polls    uint64 `json:"polls"`
	Expiries uint64 `json:"expiries"`
}
