package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/keeper/internal/conn"
	"github.com/dreamware/keeper/internal/retry"
	"github.com/dreamware/keeper/internal/storage"
	"github.com/dreamware/keeper/internal/wire"
	"github.com/dreamware/keeper/internal/zpath"
)

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

func (m CreateMode) ephemeral() bool  { return m == Ephemeral || m == EphemeralSequential }
func (m CreateMode) sequential() bool { return m == PersistentSequential || m == EphemeralSequential }

// AnyVersion matches every node version in Delete and Set.
const AnyVersion = storage.AnyVersion

// MakePathOptions controls MakePath.
type MakePathOptions struct {
	Data         []byte
	Ephemeral    bool
	FailOnExists bool
}

func (c *Client) do(ctx context.Context, op func(context.Context, *conn.Conn) error) error {
	return c.exec.Do(ctx, func(ctx context.Context) error {
		cn, err := c.connection()
		if err != nil {
			return err
		}
		return op(ctx, cn)
	})
}

func value[T any](ctx context.Context, c *Client, op func(context.Context, *conn.Conn) (T, error)) (T, error) {
	return retry.Value(ctx, c.exec, func(ctx context.Context) (T, error) {
		cn, err := c.connection()
		if err != nil {
			var zero T
			return zero, err
		}
		return op(ctx, cn)
	})
}

// Exists reports whether path exists. A missing node is (false, nil).
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	p, err := zpath.Normalize(path)
	if err != nil {
		return false, err
	}
	stat, err := value(ctx, c, func(ctx context.Context, cn *conn.Conn) (*wire.Stat, error) {
		return cn.Exists(ctx, p, false)
	})
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}
	return stat != nil, nil
}

// Mkdir creates one persistent node. An existing node is success; a
// missing parent is wire.ErrNoParent.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	p, err := zpath.Normalize(path)
	if err != nil {
		return err
	}
	if err := c.createIfAbsent(ctx, p); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Mkdirs creates path, every extra path given and all of their ancestors,
// shallow to deep. Nodes that already exist are left alone. On failure
// the nodes created so far stay.
//
// Example:
//
//	err := c.Mkdirs(ctx, "/test", "/test/path", "/test/path/here")
func (c *Client) Mkdirs(ctx context.Context, path string, more ...string) error {
	paths := make([]string, 0, len(more)+1)
	for _, raw := range append([]string{path}, more...) {
		p, err := zpath.Normalize(raw)
		if err != nil {
			return err
		}
		paths = append(paths, p)
	}
	chain, err := zpath.Chain(paths...)
	if err != nil {
		return err
	}
	for _, p := range chain {
		if err := c.createIfAbsent(ctx, p); err != nil {
			return fmt.Errorf("mkdirs %s: %w", p, err)
		}
	}
	return nil
}

// MakePath creates the ancestors of path as persistent nodes, then path
// itself with opts.Data. An existing leaf is success unless
// opts.FailOnExists is set.
func (c *Client) MakePath(ctx context.Context, path string, opts MakePathOptions) error {
	p, err := zpath.Normalize(path)
	if err != nil {
		return err
	}
	ancestors, err := zpath.Ancestors(p)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if err := c.createIfAbsent(ctx, a); err != nil {
			return fmt.Errorf("make path %s: %w", a, err)
		}
	}
	if p == zpath.Root {
		return nil
	}
	mode := Persistent
	if opts.Ephemeral {
		mode = Ephemeral
	}
	_, err = value(ctx, c, func(ctx context.Context, cn *conn.Conn) (string, error) {
		return cn.Create(ctx, p, opts.Data, mode.ephemeral(), false)
	})
	if errors.Is(err, wire.ErrNodeExists) && !opts.FailOnExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("make path %s: %w", p, err)
	}
	return nil
}

func (c *Client) createIfAbsent(ctx context.Context, p string) error {
	if p == zpath.Root {
		return nil
	}
	err := c.do(ctx, func(ctx context.Context, cn *conn.Conn) error {
		_, err := cn.Create(ctx, p, nil, false, false)
		return err
	})
	if errors.Is(err, wire.ErrNodeExists) {
		return nil
	}
	return err
}

// Clean deletes path and everything below it, children before parents.
// Nodes that vanish concurrently count as deleted. Clean("/") empties the
// namespace but keeps the root.
func (c *Client) Clean(ctx context.Context, path string) error {
	root, err := zpath.Normalize(path)
	if err != nil {
		return err
	}
	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := stack[len(stack)-1]

		kids, err := value(ctx, c, func(ctx context.Context, cn *conn.Conn) ([]string, error) {
			return cn.Children(ctx, top, false)
		})
		if errors.Is(err, wire.ErrNoNode) {
			stack = stack[:len(stack)-1]
			continue
		}
		if err != nil {
			return fmt.Errorf("clean %s: %w", top, err)
		}
		if len(kids) > 0 {
			for _, k := range kids {
				stack = append(stack, zpath.Join(top, k))
			}
			continue
		}

		stack = stack[:len(stack)-1]
		if top == zpath.Root {
			continue
		}
		err = c.do(ctx, func(ctx context.Context, cn *conn.Conn) error {
			return cn.Delete(ctx, top, AnyVersion)
		})
		switch {
		case err == nil, errors.Is(err, wire.ErrNoNode):
		case errors.Is(err, wire.ErrNotEmpty):
			// a child appeared since the listing
			stack = append(stack, top)
		default:
			return fmt.Errorf("clean %s: %w", top, err)
		}
	}
	return nil
}

// Create makes a node and returns its actual path.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error) {
	p, err := zpath.Normalize(path)
	if err != nil {
		return "", err
	}
	created, err := value(ctx, c, func(ctx context.Context, cn *conn.Conn) (string, error) {
		return cn.Create(ctx, p, data, mode.ephemeral(), mode.sequential())
	})
	if err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	return created, nil
}

// Delete removes a childless node.
func (c *Client) Delete(ctx context.Context, path string, version int32) error {
	p, err := zpath.Normalize(path)
	if err != nil {
		return err
	}
	if err := c.do(ctx, func(ctx context.Context, cn *conn.Conn) error {
		return cn.Delete(ctx, p, version)
	}); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Set replaces the data of a node.
func (c *Client) Set(ctx context.Context, path string, data []byte, version int32) (wire.Stat, error) {
	p, err := zpath.Normalize(path)
	if err != nil {
		return wire.Stat{}, err
	}
	stat, err := value(ctx, c, func(ctx context.Context, cn *conn.Conn) (wire.Stat, error) {
		return cn.Set(ctx, p, data, version)
	})
	if err != nil {
		return wire.Stat{}, fmt.Errorf("set %s: %w", p, err)
	}
	return stat, nil
}
