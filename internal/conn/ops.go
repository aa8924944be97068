package conn

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/keeper/internal/wire"
)

// call runs one request against the current session. Transport failures
// and request timeouts become wire.ErrConnectionLoss. Server errors are
// returned as *wire.Error; a 5xx without a keeper body carries
// wire.CodeUnavailable and so also matches wire.ErrConnectionLoss.
// Cancellation of ctx is returned as is.
func (c *Conn) call(ctx context.Context, endpoint string, build func(sid string) any, out any) error {
	if c.ctx.Err() != nil {
		return wire.ErrClosed
	}
	sid := c.SessionID()
	if sid == "" {
		return fmt.Errorf("%s: %w: no session", endpoint, wire.ErrConnectionLoss)
	}

	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	err := wire.PostJSON(rctx, c.hc, c.base+endpoint, build(sid), out)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var werr *wire.Error
	if errors.As(err, &werr) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", endpoint, wire.ErrConnectionLoss, err)
}

// Create makes a node and returns its actual path, which differs from path
// for sequential nodes.
func (c *Conn) Create(ctx context.Context, path string, data []byte, ephemeral, sequential bool) (string, error) {
	var resp wire.CreateResponse
	err := c.call(ctx, "/v1/nodes/create", func(sid string) any {
		return wire.CreateRequest{SessionID: sid, Path: path, Data: data, Ephemeral: ephemeral, Sequential: sequential}
	}, &resp)
	return resp.Path, err
}

// Delete removes a childless node; version -1 matches any version.
func (c *Conn) Delete(ctx context.Context, path string, version int32) error {
	return c.call(ctx, "/v1/nodes/delete", func(sid string) any {
		return wire.DeleteRequest{SessionID: sid, Path: path, Version: version}
	}, nil)
}

// Exists reports whether path exists. With watch set, a watch is left on
// the server whether or not the node exists.
func (c *Conn) Exists(ctx context.Context, path string, watch bool) (*wire.Stat, error) {
	var resp wire.ExistsResponse
	err := c.call(ctx, "/v1/nodes/exists", func(sid string) any {
		return wire.PathRequest{SessionID: sid, Path: path, Watch: watch}
	}, &resp)
	if err != nil || !resp.Exists {
		return nil, err
	}
	return resp.Stat, nil
}

// Get returns the data and metadata of a node, optionally leaving a data
// watch.
func (c *Conn) Get(ctx context.Context, path string, watch bool) ([]byte, wire.Stat, error) {
	var resp wire.GetResponse
	err := c.call(ctx, "/v1/nodes/get", func(sid string) any {
		return wire.PathRequest{SessionID: sid, Path: path, Watch: watch}
	}, &resp)
	return resp.Data, resp.Stat, err
}

// Set replaces the data of a node; version -1 matches any version.
func (c *Conn) Set(ctx context.Context, path string, data []byte, version int32) (wire.Stat, error) {
	var resp wire.SetResponse
	err := c.call(ctx, "/v1/nodes/set", func(sid string) any {
		return wire.SetRequest{SessionID: sid, Path: path, Data: data, Version: version}
	}, &resp)
	return resp.Stat, err
}

// Children lists child names, optionally leaving a child watch.
func (c *Conn) Children(ctx context.Context, path string, watch bool) ([]string, error) {
	var resp wire.ChildrenResponse
	err := c.call(ctx, "/v1/nodes/children", func(sid string) any {
		return wire.PathRequest{SessionID: sid, Path: path, Watch: watch}
	}, &resp)
	return resp.Children, err
}

// SetWatches re-installs watches on the current session.
func (c *Conn) SetWatches(ctx context.Context, data, exist, child []string) error {
	if len(data)+len(exist)+len(child) == 0 {
		return nil
	}
	return c.call(ctx, "/v1/session/watches", func(sid string) any {
		return wire.SetWatchesRequest{SessionID: sid, Data: data, Exist: exist, Child: child}
	}, nil)
}
