package proxy

import (
	"log/slog"

	"github.com/yumelira/yumebox-go/internal/logging"
)

// ChainResolver follows group selections from a starting name to the leaf
// node actually carrying traffic. Every call builds its own visited set, so
// a single resolver may be shared between goroutines.
type ChainResolver struct {
	logger *slog.Logger
}

// NewChainResolver creates a resolver. A nil logger uses the "proxy-chain" component logger.
func NewChainResolver(logger *slog.Logger) *ChainResolver {
	if logger == nil {
		logger = logging.WithComponent("proxy-chain")
	}
	return &ChainResolver{logger: logger}
}

// ResolveEndNode returns the concrete proxy at the end of the selection
// chain starting at start. It returns false on a cycle or an unknown name.
func (r *ChainResolver) ResolveEndNode(start string, groups []Group) (Proxy, bool) {
	return r.resolve(start, groups, make(map[string]struct{}))
}

func (r *ChainResolver) resolve(name string, groups []Group, visited map[string]struct{}) (Proxy, bool) {
	if _, seen := visited[name]; seen {
		r.logger.Warn("cycle detected in proxy chain", "node", name)
		return Proxy{}, false
	}
	visited[name] = struct{}{}

	if g, ok := Snapshot(groups).Find(name); ok && g.HasSelection() {
		return r.resolve(g.Now, groups, visited)
	}

	for _, g := range groups {
		p, ok := g.Member(name)
		if !ok {
			continue
		}
		if p.Type.IsGroup() {
			if target, ok := Snapshot(groups).Find(name); ok && target.HasSelection() {
				return r.resolve(target.Now, groups, visited)
			}
		}
		return p, true
	}

	r.logger.Warn("unable to resolve node", "node", name)
	return Proxy{}, false
}

// BuildChainPath returns every name visited while following group
// selections from start, in order. A repeated name ends the path.
func (r *ChainResolver) BuildChainPath(start string, groups []Group) []string {
	var path []string
	visited := make(map[string]struct{})
	for name := start; ; {
		if _, seen := visited[name]; seen {
			r.logger.Debug("proxy chain path stopped at repeated node", "node", name)
			return path
		}
		visited[name] = struct{}{}
		path = append(path, name)

		g, ok := Snapshot(groups).Find(name)
		if !ok || !g.HasSelection() {
			return path
		}
		name = g.Now
	}
}

// BuildChainPathFromMap returns the path for group whose current selection
// is current: [group, current, ...] following current's own selection while
// it names another group with a non-blank selection.
func (r *ChainResolver) BuildChainPathFromMap(group, current string, groups map[string]Group) []string {
	return buildPathFromMap(group, current, groups, make(map[string]struct{}))
}

func buildPathFromMap(group, current string, groups map[string]Group, visited map[string]struct{}) []string {
	if _, seen := visited[group]; seen {
		return []string{group}
	}
	visited[group] = struct{}{}

	next, ok := groups[current]
	if !ok || !next.HasSelection() {
		return []string{group, current}
	}
	return append([]string{group}, buildPathFromMap(current, next.Now, groups, visited)...)
}
