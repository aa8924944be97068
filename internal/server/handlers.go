package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/keeper/internal/storage"
	"github.com/dreamware/keeper/internal/wire"
	"github.com/dreamware/keeper/internal/zpath"
)

func writeError(c *gin.Context, err error) {
	code := wire.CodeOf(err)
	c.JSON(code.Status(), wire.ErrorResponse{Code: code, Message: err.Error()})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", wire.ErrBadRequest, err))
		return false
	}
	return true
}

func (s *Server) handleOpenSession(c *gin.Context) {
	var req wire.OpenSessionRequest
	if !bind(c, &req) {
		return
	}
	sess, err := s.openSession(time.Duration(req.TimeoutMS) * time.Millisecond)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.OpenSessionResponse{
		SessionID: sess.id,
		TimeoutMS: sess.timeout.Milliseconds(),
	})
}

func (s *Server) handleCloseSession(c *gin.Context) {
	var req wire.SessionRequest
	if !bind(c, &req) {
		return
	}
	s.endSession(req.SessionID)
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePoll(c *gin.Context) {
	var req wire.PollRequest
	if !bind(c, &req) {
		return
	}
	s.stats.polls.Add(1)
	events, err := s.poll(c.Request.Context(), req.SessionID, req.Ack, time.Duration(req.WaitMS)*time.Millisecond)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.PollResponse{Events: events})
}

// handleSetWatches re-installs watches after a reconnect. A data or child
// watch on a node that is gone fires node_deleted right away, since the
// client only holds such watches for nodes it saw. On a session restored
// after a restart, an exist watch on a node created since the restart
// fires node_created: the creation happened while the watch was armed.
func (s *Server) handleSetWatches(c *gin.Context) {
	var req wire.SetWatchesRequest
	if !bind(c, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.touch(req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	install := func(kind wire.WatchKind, paths []string) {
		for _, p := range paths {
			if zpath.Validate(p) != nil {
				continue
			}
			n, err := s.store.Get(p)
			switch {
			case kind != wire.WatchExist && errors.Is(err, wire.ErrNoNode):
				sess.push(wire.EventNodeDeleted, p)
				continue
			case kind == wire.WatchExist && sess.restored && err == nil && !n.CreatedAt.Before(s.started):
				sess.push(wire.EventNodeCreated, p)
				continue
			}
			s.watches.add(p, kind, sess.id)
		}
	}
	install(wire.WatchData, req.Data)
	install(wire.WatchExist, req.Exist)
	install(wire.WatchChild, req.Child)
	sess.restored = false
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreate(c *gin.Context) {
	var req wire.CreateRequest
	if !bind(c, &req) {
		return
	}
	if err := zpath.Validate(req.Path); err != nil {
		writeError(c, err)
		return
	}
	s.stats.creates.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.touch(req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	path := req.Path
	if req.Sequential {
		parent, err := zpath.Parent(req.Path)
		if err != nil {
			writeError(c, err)
			return
		}
		seq, err := s.store.NextSequence(parent)
		if errors.Is(err, wire.ErrNoNode) {
			err = wire.ErrNoParent
		}
		if err != nil {
			writeError(c, err)
			return
		}
		path = fmt.Sprintf("%s%010d", req.Path, seq-1)
	}

	node := storage.Node{Path: path, Data: req.Data}
	if req.Ephemeral {
		node.Owner = sess.id
	}
	if err := s.store.Create(node); err != nil {
		writeError(c, err)
		return
	}
	s.fireCreated(path)
	c.JSON(http.StatusOK, wire.CreateResponse{Path: path})
}

func (s *Server) handleDelete(c *gin.Context) {
	var req wire.DeleteRequest
	if !bind(c, &req) {
		return
	}
	if err := zpath.Validate(req.Path); err != nil {
		writeError(c, err)
		return
	}
	s.stats.deletes.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.touch(req.SessionID); err != nil {
		writeError(c, err)
		return
	}
	if err := s.store.Delete(req.Path, req.Version); err != nil {
		writeError(c, err)
		return
	}
	s.fireDeleted(req.Path)
	c.Status(http.StatusNoContent)
}

// readRequest validates a PathRequest and renews its session. On success
// s.mu is held and the caller must release it.
func (s *Server) readRequest(c *gin.Context, req *wire.PathRequest) (*session, bool) {
	if !bind(c, req) {
		return nil, false
	}
	if err := zpath.Validate(req.Path); err != nil {
		writeError(c, err)
		return nil, false
	}
	s.stats.reads.Add(1)
	s.mu.Lock()
	sess, err := s.touch(req.SessionID)
	if err != nil {
		s.mu.Unlock()
		writeError(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleExists(c *gin.Context) {
	var req wire.PathRequest
	sess, ok := s.readRequest(c, &req)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	node, err := s.store.Get(req.Path)
	if err != nil && !errors.Is(err, wire.ErrNoNode) {
		writeError(c, err)
		return
	}
	if req.Watch {
		kind := wire.WatchExist
		if err == nil {
			kind = wire.WatchData
		}
		s.watches.add(req.Path, kind, sess.id)
	}
	if err != nil {
		c.JSON(http.StatusOK, wire.ExistsResponse{Exists: false})
		return
	}
	stat := node.Stat()
	c.JSON(http.StatusOK, wire.ExistsResponse{Exists: true, Stat: &stat})
}

func (s *Server) handleGet(c *gin.Context) {
	var req wire.PathRequest
	sess, ok := s.readRequest(c, &req)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	node, err := s.store.Get(req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Watch {
		s.watches.add(req.Path, wire.WatchData, sess.id)
	}
	c.JSON(http.StatusOK, wire.GetResponse{Data: node.Data, Stat: node.Stat()})
}

func (s *Server) handleChildren(c *gin.Context) {
	var req wire.PathRequest
	sess, ok := s.readRequest(c, &req)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	children, err := s.store.Children(req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Watch {
		s.watches.add(req.Path, wire.WatchChild, sess.id)
	}
	c.JSON(http.StatusOK, wire.ChildrenResponse{Children: children})
}

func (s *Server) handleSet(c *gin.Context) {
	var req wire.SetRequest
	if !bind(c, &req) {
		return
	}
	if err := zpath.Validate(req.Path); err != nil {
		writeError(c, err)
		return
	}
	s.stats.writes.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.touch(req.SessionID); err != nil {
		writeError(c, err)
		return
	}
	node, err := s.store.SetData(req.Path, req.Data, req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	s.fire(wire.EventNodeDataChanged, req.Path)
	c.JSON(http.StatusOK, wire.SetResponse{Stat: node.Stat()})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}
