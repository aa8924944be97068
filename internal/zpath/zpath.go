// Package zpath validates and manipulates slash-separated node paths in the
// hierarchical namespace.
//
// Paths are always rooted. The root is "/". Every other path is a sequence
// of non-empty segments, each introduced by a single slash, for example
// "/collections/collection1/shards". Relative input such as
// "collections/collection2" is accepted by Normalize and rooted.
package zpath

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Root is the path of the namespace root node.
const Root = "/"

// ErrInvalidPath is returned for paths that cannot name a node.
var ErrInvalidPath = errors.New("invalid path")

// Validate reports whether p is a well-formed absolute path.
//
// A valid path starts with "/", has no trailing slash (except the root
// itself), no empty segments, no "." or ".." segments, and no NUL bytes.
func Validate(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if p[0] != '/' {
		return fmt.Errorf("%w: %q is not rooted", ErrInvalidPath, p)
	}
	if p == Root {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q has a trailing slash", ErrInvalidPath, p)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, p)
		case ".", "..":
			return fmt.Errorf("%w: %q has a relative segment", ErrInvalidPath, p)
		}
	}
	return nil
}

// Normalize roots a relative path and validates the result.
//
// Example:
//
//	p, _ := zpath.Normalize("collections/collection2") // "/collections/collection2"
func Normalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p != "" && p[0] != '/' {
		p = "/" + p
	}
	if err := Validate(p); err != nil {
		return "", err
	}
	return p, nil
}

// Parent returns the parent of p. The root has no parent.
func Parent(p string) (string, error) {
	if err := Validate(p); err != nil {
		return "", err
	}
	if p == Root {
		return "", fmt.Errorf("%w: root has no parent", ErrInvalidPath)
	}
	idx := strings.LastIndexByte(p, '/')
	if idx == 0 {
		return Root, nil
	}
	return p[:idx], nil
}

// Base returns the last segment of p, or "/" for the root.
func Base(p string) string {
	if p == Root {
		return Root
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Join appends a child name to a parent path.
func Join(parent, name string) string {
	if parent == Root {
		return Root + name
	}
	return parent + "/" + name
}

// Depth is the number of segments in p; the root has depth 0.
func Depth(p string) int {
	if p == Root {
		return 0
	}
	return strings.Count(p, "/")
}

// Ancestors lists every proper ancestor of p except the root, shallowest
// first. Ancestors("/a/b/c") is ["/a", "/a/b"].
func Ancestors(p string) ([]string, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if p == Root {
		return nil, nil
	}
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out, nil
}

// Chain returns the union of the given paths and all of their ancestors
// (root excluded), deduplicated and ordered shallowest first. Paths of
// equal depth keep their first-seen order.
func Chain(paths ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range paths {
		ancestors, err := Ancestors(p)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			add(a)
		}
		if p != Root {
			add(p)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int {
		return Depth(a) - Depth(b)
	})
	return out, nil
}
