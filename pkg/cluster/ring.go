// Package cluster implements the sharded deployment: every document is owned
// by exactly one node, resolved through a consistent-hash ring, and non-owner
// nodes forward document operations to the owner over HTTP JSON RPCs.
//
// Single-writer semantics survive sharding because only the owner node runs
// the document's runtime; the hot store's optimistic version check backs this
// up against split-brain during membership changes.
package cluster

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Node identifies one cluster member. Addr is the base URL of the member's
// HTTP listener, e.g. "http://10.0.0.5:8080".
type Node struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Ring maps document IDs onto nodes with consistent hashing. Virtual nodes
// smooth the distribution; the ring is immutable after construction, so
// lookups need no locking.
type Ring struct {
	points []ringPoint
	nodes  map[string]Node
}

type ringPoint struct {
	hash uint64
	node string
}

// NewRing builds a ring over the given nodes. virtualNodes is the number of
// points each node contributes; zero or negative selects the default of 128.
func NewRing(nodes []Node, virtualNodes int) (*Ring, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("ring requires at least one node")
	}
	if virtualNodes <= 0 {
		virtualNodes = 128
	}

	r := &Ring{
		points: make([]ringPoint, 0, len(nodes)*virtualNodes),
		nodes:  make(map[string]Node, len(nodes)),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("ring node must have an ID")
		}
		if _, dup := r.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate ring node %q", n.ID)
		}
		r.nodes[n.ID] = n
		for i := 0; i < virtualNodes; i++ {
			r.points = append(r.points, ringPoint{
				hash: hashKey(fmt.Sprintf("%s#%d", n.ID, i)),
				node: n.ID,
			})
		}
	}

	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r, nil
}

// Owner returns the node that owns the given document ID. The mapping is
// sticky: it only changes for keys whose ring segment is affected by a
// membership change.
func (r *Ring) Owner(documentID string) Node {
	h := hashKey(documentID)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.nodes[r.points[idx].node]
}

// Nodes returns the ring's members.
func (r *Ring) Nodes() []Node {
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
