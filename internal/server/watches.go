package server

import (
	"github.com/dreamware/keeper/internal/wire"
	"github.com/dreamware/keeper/internal/zpath"
)

type watchKey struct {
	path string
	kind wire.WatchKind
}

// watchTable holds one-shot server-side watches. A session appears at most
// once per (path, kind). Callers hold Server.mu.
type watchTable map[watchKey]map[string]struct{}

func (w watchTable) add(path string, kind wire.WatchKind, sessionID string) {
	k := watchKey{path: path, kind: kind}
	if w[k] == nil {
		w[k] = make(map[string]struct{})
	}
	w[k][sessionID] = struct{}{}
}

// take removes and returns the sessions watching path for an event of type
// t, each session once even when it holds several matching kinds.
func (w watchTable) take(path string, t wire.EventType) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, kind := range []wire.WatchKind{wire.WatchData, wire.WatchExist, wire.WatchChild} {
		if !kind.Triggers(t) {
			continue
		}
		k := watchKey{path: path, kind: kind}
		for id := range w[k] {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
		delete(w, k)
	}
	return out
}

func (w watchTable) dropSession(sessionID string) {
	for k, ids := range w {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(w, k)
		}
	}
}

func (w watchTable) count() int {
	n := 0
	for _, ids := range w {
		n += len(ids)
	}
	return n
}

// fire queues ev for every session watching its path. Callers hold s.mu.
func (s *Server) fire(t wire.EventType, path string) {
	for _, id := range s.watches.take(path, t) {
		if sess, ok := s.sessions[id]; ok {
			sess.push(t, path)
		}
	}
}

// fireCreated and fireDeleted also notify child watchers of the parent.
func (s *Server) fireCreated(path string) {
	s.fire(wire.EventNodeCreated, path)
	if parent, err := zpath.Parent(path); err == nil {
		s.fire(wire.EventNodeChildrenChanged, parent)
	}
}

func (s *Server) fireDeleted(path string) {
	s.fire(wire.EventNodeDeleted, path)
	if parent, err := zpath.Parent(path); err == nil {
		s.fire(wire.EventNodeChildrenChanged, parent)
	}
}
