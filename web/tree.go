package web

import (
	"fmt"
	"sort"
	"strings"
)

// Param is one captured path parameter.
type Param struct {
	Name  string
	Value string
}

// Params holds the parameters captured while routing one request, in
// pattern order.
type Params []Param

// Get returns the value captured for name, or "".
func (ps Params) Get(name string) string {
	for _, p := range ps {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

type matchResult int

const (
	matchFound matchResult = iota
	matchNone
	matchMethodMissing
)

// tree is a radix router. Static runs are matched byte-for-byte with prefix
// compression; ":name" children match exactly one non-empty segment and
// "*name" children swallow the non-empty rest of the path. Static children
// win over parameters and parameters over wildcards, backtracking when a
// preferred branch dead-ends.
type tree struct {
	root *treeNode
}

type treeNode struct {
	prefix   string
	indices  string // first byte of each static child, parallel to children
	children []*treeNode
	param    *treeNode // ":name" child
	wild     *treeNode // "*name" child
	name     string    // parameter name on param/wild nodes
	leaves   map[string]any
	pattern  string
}

func newTree() *tree {
	return &tree{root: &treeNode{}}
}

// add registers value for method under pattern. Registration conflicts are
// programmer errors and panic.
func (t *tree) add(method, pattern string, value any) {
	if pattern == "" || pattern[0] != '/' {
		panic(fmt.Sprintf("web: route pattern %q must begin with a slash", pattern))
	}
	n := t.root
	path := pattern
	for {
		if path == "" {
			n.setLeaf(method, pattern, value)
			return
		}
		switch path[0] {
		case ':':
			seg, rest := cutSegment(path)
			name := seg[1:]
			if name == "" || strings.ContainsAny(name, ":*") {
				panic(fmt.Sprintf("web: invalid parameter segment %q in %q", seg, pattern))
			}
			if n.param == nil {
				n.param = &treeNode{name: name}
			} else if n.param.name != name {
				panic(fmt.Sprintf("web: pattern %q renames parameter %q to %q", pattern, n.param.name, name))
			}
			n = n.param
			path = rest
		case '*':
			name := path[1:]
			if name == "" {
				panic(fmt.Sprintf("web: wildcard in %q needs a name", pattern))
			}
			if strings.ContainsAny(name, "/:*") {
				panic(fmt.Sprintf("web: wildcard must be the final segment of %q", pattern))
			}
			if n.wild == nil {
				n.wild = &treeNode{name: name}
			} else if n.wild.name != name {
				panic(fmt.Sprintf("web: pattern %q renames wildcard %q to %q", pattern, n.wild.name, name))
			}
			n.wild.setLeaf(method, pattern, value)
			return
		default:
			run := path
			if j := strings.IndexAny(path, ":*"); j >= 0 {
				if path[j-1] != '/' {
					panic(fmt.Sprintf("web: wildcard must start its own segment in %q", pattern))
				}
				run = path[:j]
			}
			n = n.ensureStatic(run)
			path = path[len(run):]
		}
	}
}

// ensureStatic descends to the node ending the static run, splitting and
// creating nodes along the way.
func (n *treeNode) ensureStatic(run string) *treeNode {
	for {
		if run == "" {
			return n
		}
		idx := strings.IndexByte(n.indices, run[0])
		if idx < 0 {
			child := &treeNode{prefix: run}
			n.indices += string(run[0])
			n.children = append(n.children, child)
			return child
		}
		child := n.children[idx]
		i := commonPrefix(run, child.prefix)
		if i < len(child.prefix) {
			// The new run diverges inside this child's prefix: split it,
			// pushing everything it held under a new grandchild.
			grand := &treeNode{
				prefix:   child.prefix[i:],
				indices:  child.indices,
				children: child.children,
				param:    child.param,
				wild:     child.wild,
				leaves:   child.leaves,
				pattern:  child.pattern,
			}
			child.prefix = child.prefix[:i]
			child.indices = string(grand.prefix[0])
			child.children = []*treeNode{grand}
			child.param = nil
			child.wild = nil
			child.leaves = nil
			child.pattern = ""
		}
		n = child
		run = run[i:]
	}
}

func (n *treeNode) setLeaf(method, pattern string, value any) {
	if n.leaves == nil {
		n.leaves = make(map[string]any)
	}
	if _, dup := n.leaves[method]; dup {
		panic(fmt.Sprintf("web: duplicate route %s %s", method, pattern))
	}
	n.leaves[method] = value
	n.pattern = pattern
}

// lookup resolves method and path. On matchMethodMissing the returned slice
// lists the methods registered for the path, sorted.
func (t *tree) lookup(method, path string) (any, Params, matchResult, []string) {
	n, params := t.search(path)
	if n == nil || len(n.leaves) == 0 {
		return nil, nil, matchNone, nil
	}
	if v, ok := n.leaves[method]; ok {
		return v, params, matchFound, nil
	}
	methods := make([]string, 0, len(n.leaves))
	for m := range n.leaves {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return nil, nil, matchMethodMissing, methods
}

func (t *tree) search(path string) (*treeNode, Params) {
	return t.root.find(path, nil)
}

// find walks the subtree, backtracking from a failed static descent to the
// parameter and wildcard alternatives.
func (n *treeNode) find(path string, params Params) (*treeNode, Params) {
	if len(path) < len(n.prefix) || path[:len(n.prefix)] != n.prefix {
		return nil, nil
	}
	path = path[len(n.prefix):]
	if path == "" {
		return n, params
	}
	if idx := strings.IndexByte(n.indices, path[0]); idx >= 0 {
		if found, ps := n.children[idx].find(path, params); found != nil && len(found.leaves) > 0 {
			return found, ps
		}
	}
	if n.param != nil {
		seg, rest := cutSegment(path)
		if seg != "" {
			ps := append(params, Param{Name: n.param.name, Value: seg})
			if rest == "" {
				if len(n.param.leaves) > 0 {
					return n.param, ps
				}
			} else if found, ps2 := n.param.find(rest, ps); found != nil && len(found.leaves) > 0 {
				return found, ps2
			}
		}
	}
	if n.wild != nil && len(n.wild.leaves) > 0 {
		return n.wild, append(params, Param{Name: n.wild.name, Value: path})
	}
	return nil, nil
}

// cutSegment splits path at the next slash; rest keeps the slash.
func cutSegment(path string) (seg, rest string) {
	if j := strings.IndexByte(path, '/'); j >= 0 {
		return path[:j], path[j:]
	}
	return path, ""
}

func commonPrefix(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
