// Package closure implements the Closure Engine (spec §4.D): an iterative
// post-order DFS over the reference graph, producing both the closed set and
// a dependencies-first topological order.
package closure

import (
	"context"
	"fmt"

	"github.com/kalbasit/nixsync/pkg/storepath"
)

// ReferenceSource resolves a path's direct references, optionally falling
// through to a server when query_server is set (spec §4.D).
type ReferenceSource interface {
	References(ctx context.Context, p storepath.Path) ([]storepath.Path, error)
}

// Result is the outcome of a closure walk: the closed set and a stable
// dependencies-first order over it.
type Result struct {
	Set   map[storepath.Path]struct{}
	Order []storepath.Path
}

// Contains reports whether p is in the computed set.
func (r Result) Contains(p storepath.Path) bool {
	_, ok := r.Set[p]

	return ok
}

// stackFrame tracks progress through one path's reference list so the walk
// never recurses (spec §9: "must either be rewritten iteratively or bound
// its stack depth; store closures can exceed default stack sizes").
type stackFrame struct {
	path     storepath.Path
	refs     []storepath.Path
	nextIdx  int
}

// Walk computes the closure of roots using src for reference lookups.
// visited is marked on entry (push) so cyclic input terminates instead of
// looping; order is appended on exit (pop), yielding topological order with
// ties broken by discovery order.
func Walk(ctx context.Context, src ReferenceSource, roots []storepath.Path) (Result, error) {
	visited := make(map[storepath.Path]struct{})
	order := make([]storepath.Path, 0)

	for _, root := range roots {
		if err := walkOne(ctx, src, root, visited, &order); err != nil {
			return Result{}, err
		}
	}

	return Result{Set: visited, Order: order}, nil
}

func walkOne(
	ctx context.Context,
	src ReferenceSource,
	root storepath.Path,
	visited map[storepath.Path]struct{},
	order *[]storepath.Path,
) error {
	if _, ok := visited[root]; ok {
		return nil
	}

	stack := []*stackFrame{{path: root}}
	visited[root] = struct{}{}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.refs == nil {
			refs, err := src.References(ctx, top.path)
			if err != nil {
				return fmt.Errorf("error resolving references for %q: %w", top.path, err)
			}

			top.refs = storepath.WithoutSelf(top.path, refs)
		}

		advanced := false

		for top.nextIdx < len(top.refs) {
			ref := top.refs[top.nextIdx]
			top.nextIdx++

			if _, ok := visited[ref]; ok {
				continue
			}

			visited[ref] = struct{}{}
			stack = append(stack, &stackFrame{path: ref})
			advanced = true

			break
		}

		if advanced {
			continue
		}

		*order = append(*order, top.path)
		stack = stack[:len(stack)-1]
	}

	return nil
}

// OrderedClosure returns just the ordered list (spec §4.D ordered_closure).
func OrderedClosure(ctx context.Context, src ReferenceSource, roots []storepath.Path) ([]storepath.Path, error) {
	res, err := Walk(ctx, src, roots)
	if err != nil {
		return nil, err
	}

	return res.Order, nil
}
