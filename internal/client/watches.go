package client

import (
	"context"
	"fmt"

	"github.com/dreamware/keeper/internal/conn"
	"github.com/dreamware/keeper/internal/watch"
	"github.com/dreamware/keeper/internal/wire"
	"github.com/dreamware/keeper/internal/zpath"
)

// watched runs op with a one-shot watch of kind on p when h is not nil.
// The local registration exists before the server can fire, and is
// withdrawn if op finally fails.
func watched[T any](ctx context.Context, c *Client, kind wire.WatchKind, p string, h Handler,
	op func(context.Context, *conn.Conn, bool) (T, error)) (T, error) {
	var reg *watch.Registration
	if h != nil {
		if reg = c.watches.Register(kind, p, h); reg == nil {
			var zero T
			return zero, wire.ErrClosed
		}
	}
	res, err := value(ctx, c, func(ctx context.Context, cn *conn.Conn) (T, error) {
		return op(ctx, cn, reg != nil)
	})
	if err != nil && reg != nil {
		c.watches.Cancel(reg)
	}
	return res, err
}

// ExistsW is Exists returning the node metadata (nil when absent) and
// leaving a watch that fires on creation, deletion or a data change.
func (c *Client) ExistsW(ctx context.Context, path string, h Handler) (*wire.Stat, error) {
	p, err := zpath.Normalize(path)
	if err != nil {
		return nil, err
	}
	stat, err := watched(ctx, c, wire.WatchExist, p, h, func(ctx context.Context, cn *conn.Conn, w bool) (*wire.Stat, error) {
		return cn.Exists(ctx, p, w)
	})
	if err != nil {
		return nil, fmt.Errorf("exists %s: %w", p, err)
	}
	return stat, nil
}

// Get returns the data of a node. A non-nil h watches for data changes
// and deletion.
func (c *Client) Get(ctx context.Context, path string, h Handler) ([]byte, wire.Stat, error) {
	p, err := zpath.Normalize(path)
	if err != nil {
		return nil, wire.Stat{}, err
	}
	type result struct {
		data []byte
		stat wire.Stat
	}
	res, err := watched(ctx, c, wire.WatchData, p, h, func(ctx context.Context, cn *conn.Conn, w bool) (result, error) {
		data, stat, err := cn.Get(ctx, p, w)
		return result{data: data, stat: stat}, err
	})
	if err != nil {
		return nil, wire.Stat{}, fmt.Errorf("get %s: %w", p, err)
	}
	return res.data, res.stat, nil
}

// Children lists the child names of a node, sorted. A non-nil h watches
// for the next change to the set of children.
func (c *Client) Children(ctx context.Context, path string, h Handler) ([]string, error) {
	p, err := zpath.Normalize(path)
	if err != nil {
		return nil, err
	}
	kids, err := watched(ctx, c, wire.WatchChild, p, h, func(ctx context.Context, cn *conn.Conn, w bool) ([]string, error) {
		return cn.Children(ctx, p, w)
	})
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", p, err)
	}
	return kids, nil
}

// Watch leaves a one-shot children watch on path. A handler that wants
// every change calls Watch again before returning.
func (c *Client) Watch(ctx context.Context, path string, h Handler) error {
	if h == nil {
		return fmt.Errorf("watch %s: nil handler", path)
	}
	_, err := c.Children(ctx, path, h)
	return err
}

// InFlightWatches lists the paths whose watch handlers are running or
// queued.
func (c *Client) InFlightWatches() []string {
	return c.watches.InFlight()
}
