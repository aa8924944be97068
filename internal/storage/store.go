package storage

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/keeper/internal/wire"
	"github.com/dreamware/keeper/internal/zpath"
)

// AnyVersion disables the version check on SetData and Delete.
const AnyVersion int32 = -1

// Node is one entry of the namespace.
type Node struct {
	Path       string
	Data       []byte
	Version    int32
	Owner      string // session id for ephemeral nodes
	CSeq       int64  // sequential child counter
	CreatedAt  time.Time
	ModifiedAt time.Time

	// NumChildren is filled in by reads.
	NumChildren int
}

// Stat converts the node into its wire metadata.
func (n Node) Stat() wire.Stat {
	return wire.Stat{
		Version:     n.Version,
		NumChildren: n.NumChildren,
		Owner:       n.Owner,
		CreatedAt:   n.CreatedAt,
		ModifiedAt:  n.ModifiedAt,
	}
}

// Session is a persisted session record.
type Session struct {
	ID        string
	Timeout   time.Duration
	CreatedAt time.Time
}

// Store is the namespace backend of the server.
// All implementations must be safe for concurrent access.
type Store interface {
	// Create inserts n. The parent must exist and must not be ephemeral.
	Create(n Node) error

	// Get returns the node at path or wire.ErrNoNode.
	Get(path string) (Node, error)

	// Children returns the sorted child names of path.
	Children(path string) ([]string, error)

	// SetData replaces the data of path and bumps its version.
	SetData(path string, data []byte, version int32) (Node, error)

	// Delete removes a childless node.
	Delete(path string, version int32) error

	// NextSequence increments and returns the sequential counter of path.
	NextSequence(path string) (int64, error)

	// Owned lists the ephemeral nodes of a session.
	Owned(owner string) ([]string, error)

	PutSession(s Session) error
	RemoveSession(id string) error
	Sessions() ([]Session, error)

	Stats() StoreStats
	Close() error
}

// StoreStats contains statistics about the store.
type StoreStats struct {
	Nodes    int // including the root
	Bytes    int // total size of node data
	Sessions int
}

// MemoryStore implements Store on the heap.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string]map[string]struct{}
	sessions map[string]Session
}

// NewMemoryStore creates a store holding only the root.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	return &MemoryStore{
		nodes: map[string]*Node{
			zpath.Root: {Path: zpath.Root, Data: []byte{}, CreatedAt: now, ModifiedAt: now},
		},
		children: map[string]map[string]struct{}{zpath.Root: {}},
		sessions: make(map[string]Session),
	}
}

func (m *MemoryStore) Create(n Node) error {
	if n.Path == zpath.Root {
		return wire.ErrNodeExists
	}
	parent, err := zpath.Parent(n.Path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[n.Path]; ok {
		return wire.ErrNodeExists
	}
	p, ok := m.nodes[parent]
	if !ok {
		return wire.ErrNoParent
	}
	if p.Owner != "" {
		return wire.ErrNoChildrenForEphemerals
	}

	stored := n
	stored.Data = clone(n.Data)
	stored.NumChildren = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.ModifiedAt.IsZero() {
		stored.ModifiedAt = stored.CreatedAt
	}
	m.nodes[n.Path] = &stored
	m.children[n.Path] = make(map[string]struct{})
	m.children[parent][zpath.Base(n.Path)] = struct{}{}
	return nil
}

// Get returns a copy of the node so callers cannot mutate stored data.
func (m *MemoryStore) Get(path string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[path]
	if !ok {
		return Node{}, wire.ErrNoNode
	}
	return m.snapshot(n), nil
}

func (m *MemoryStore) Children(path string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kids, ok := m.children[path]
	if !ok {
		return nil, wire.ErrNoNode
	}
	names := make([]string, 0, len(kids))
	for name := range kids {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemoryStore) SetData(path string, data []byte, version int32) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[path]
	if !ok {
		return Node{}, wire.ErrNoNode
	}
	if version != AnyVersion && version != n.Version {
		return Node{}, wire.ErrBadVersion
	}
	n.Data = clone(data)
	n.Version++
	n.ModifiedAt = time.Now().UTC()
	return m.snapshot(n), nil
}

func (m *MemoryStore) Delete(path string, version int32) error {
	if path == zpath.Root {
		return wire.ErrBadRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[path]
	if !ok {
		return wire.ErrNoNode
	}
	if version != AnyVersion && version != n.Version {
		return wire.ErrBadVersion
	}
	if len(m.children[path]) > 0 {
		return wire.ErrNotEmpty
	}
	parent, _ := zpath.Parent(path)
	delete(m.nodes, path)
	delete(m.children, path)
	delete(m.children[parent], zpath.Base(path))
	return nil
}

func (m *MemoryStore) NextSequence(path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[path]
	if !ok {
		return 0, wire.ErrNoNode
	}
	n.CSeq++
	return n.CSeq, nil
}

func (m *MemoryStore) Owned(owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for p, n := range m.nodes {
		if owner != "" && n.Owner == owner {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

func (m *MemoryStore) PutSession(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

// RemoveSession is idempotent.
func (m *MemoryStore) RemoveSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Sessions() ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Session) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, n := range m.nodes {
		total += len(n.Data)
	}
	return StoreStats{Nodes: len(m.nodes), Bytes: total, Sessions: len(m.sessions)}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) snapshot(n *Node) Node {
	out := *n
	out.Data = clone(n.Data)
	out.NumChildren = len(m.children[n.Path])
	return out
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
