package override

import "sync"

// grantEdge is one directed approver→grantee edge, tagged with the scope
// it was granted for.
type grantEdge struct {
	granter string
	grantee string
	scope   string
}

// grantGraph is the directed graph of who has granted overrides to whom.
// The circular-chain check is a reachability query: adding granter→grantee
// is rejected when grantee already reaches granter over edges of the same
// scope, which covers direct reciprocal grants and longer laundering
// chains alike.
type grantGraph struct {
	mu    sync.RWMutex
	edges map[string][]grantEdge // granter -> outgoing edges
}

func newGrantGraph() *grantGraph {
	return &grantGraph{edges: make(map[string][]grantEdge)}
}

// addEdge records a grant.
func (g *grantGraph) addEdge(granter, grantee, scope string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[granter] = append(g.edges[granter], grantEdge{granter: granter, grantee: grantee, scope: scope})
}

// wouldClose reports whether adding granter→grantee for scope would close
// a cycle, i.e. grantee already reaches granter through same-scope edges.
func (g *grantGraph) wouldClose(granter, grantee, scope string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reaches(grantee, granter, scope, make(map[string]bool))
}

// reaches walks outgoing edges with a visited set to stay bounded as
// history grows.
func (g *grantGraph) reaches(from, to, scope string, visited map[string]bool) bool {
	if from == to {
		return true
	}
	if visited[from] {
		return false
	}
	visited[from] = true

	for _, e := range g.edges[from] {
		if e.scope != scope {
			continue
		}
		if g.reaches(e.grantee, to, scope, visited) {
			return true
		}
	}
	return false
}

// reset drops all edges.
func (g *grantGraph) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[string][]grantEdge)
}
