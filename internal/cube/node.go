// Package cube implements the proxy cube graph: an arena of immutable
// operator nodes that declare their output grid and bands without reading
// any data, and the per-chunk materialization that does the actual work.
package cube

import (
	"fmt"
	"io"
	"sync"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

// NodeID addresses a node in its graph arena.
type NodeID int

// Kind tags the operator of a node.
type Kind string

const (
	KindImageCollection Kind = "image_collection"
	KindDummy           Kind = "dummy"
	KindPackaged        Kind = "packaged"
	KindSelectBands     Kind = "select_bands"
	KindApplyPixel      Kind = "apply_pixel"
	KindReduceTime      Kind = "reduce_time"
	KindReduceSpace     Kind = "reduce_space"
	KindWindowTime      Kind = "window_time"
	KindJoinBands       Kind = "join_bands"
	KindFilterPredicate Kind = "filter_predicate"
	KindFillTime        Kind = "fill_time"
	KindStream          Kind = "stream"
)

// Params is the closed set of operator parameter types. Each kind has
// exactly one params struct.
type Params interface {
	Kind() Kind
	sealed()
}

// Band describes one band of a cube.
type Band struct {
	Name   string  `json:"name"`
	Type   string  `json:"type,omitempty"`
	Offset float64 `json:"offset,omitempty"`
	Scale  float64 `json:"scale,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	// NoData is the value the source declared as missing, if any. Inside
	// chunks missing samples are always NaN.
	NoData *float64 `json:"nodata,omitempty"`
}

// Description is the metadata of a node: everything known without reading
// data.
type Description struct {
	Grid      view.Grid
	Bands     []Band
	ChunkSize chunk.Size
}

// Layout returns the chunk layout of the described cube.
func (d Description) Layout() chunk.Layout {
	nt, ny, nx := d.Grid.Size()
	return chunk.NewLayout(nt, ny, nx, d.ChunkSize)
}

// BandNames lists the band names in order.
func (d Description) BandNames() []string {
	out := make([]string, len(d.Bands))
	for i, b := range d.Bands {
		out[i] = b.Name
	}
	return out
}

// BandIndex returns the position of a band, or -1.
func (d Description) BandIndex(name string) int {
	for i, b := range d.Bands {
		if b.Name == name {
			return i
		}
	}
	return -1
}

// Node is an immutable operator node.
type Node struct {
	ID     NodeID
	Inputs []NodeID
	Params Params
	desc   Description
}

// Kind returns the operator kind of the node.
func (n *Node) Kind() Kind { return n.Params.Kind() }

// Env carries the raster capabilities materialization needs.
type Env struct {
	Reader      raster.Reader
	Warper      raster.Warper
	Transformer raster.Transformer
}

// Graph is an append-only arena of nodes. Nodes may only reference nodes
// added before them, so the graph is acyclic by construction. It is safe
// for concurrent use.
type Graph struct {
	env   Env
	mu    sync.RWMutex
	nodes []*Node
	// owned holds resources opened on behalf of the graph, released by Close.
	owned []io.Closer
}

// NewGraph returns an empty graph evaluating against env.
func NewGraph(env Env) *Graph {
	return &Graph{env: env}
}

// Env returns the raster capabilities of the graph.
func (g *Graph) Env() Env { return g.env }

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node returns a node by id.
func (g *Graph) Node(id NodeID) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id < 0 || int(id) >= len(g.nodes) {
		return nil, cubeerr.Configf("no cube node %d", id)
	}
	return g.nodes[id], nil
}

// Describe returns the metadata of a node. It never reads data.
func (g *Graph) Describe(id NodeID) (Description, error) {
	n, err := g.Node(id)
	if err != nil {
		return Description{}, err
	}
	d := n.desc
	d.Bands = append([]Band(nil), d.Bands...)
	return d, nil
}

func (g *Graph) add(p Params, desc Description, inputs ...NodeID) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := NodeID(len(g.nodes))
	for _, in := range inputs {
		if in >= id {
			panic(fmt.Sprintf("cube node %d references later node %d", id, in))
		}
	}
	g.nodes = append(g.nodes, &Node{ID: id, Inputs: inputs, Params: p, desc: desc})
	return id
}

// input fetches the description of an input node while a node is being
// constructed.
func (g *Graph) input(id NodeID) (Description, error) {
	d, err := g.Describe(id)
	if err != nil {
		return Description{}, fmt.Errorf("input cube: %w", err)
	}
	return d, nil
}

// Subgraph returns the ids of all nodes feeding id (id included) in
// ascending order.
func (g *Graph) Subgraph(id NodeID) ([]NodeID, error) {
	if _, err := g.Node(id); err != nil {
		return nil, err
	}
	seen := make(map[NodeID]bool)
	var visit func(NodeID)
	visit = func(n NodeID) {
		if seen[n] {
			return
		}
		seen[n] = true
		node, _ := g.Node(n)
		for _, in := range node.Inputs {
			visit(in)
		}
	}
	visit(id)
	out := make([]NodeID, 0, len(seen))
	for i := NodeID(0); i <= id; i++ {
		if seen[i] {
			out = append(out, i)
		}
	}
	return out, nil
}

func checkUnique(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return cubeerr.Configf("empty band name")
		}
		if seen[n] {
			return cubeerr.Configf("duplicate band name %q", n)
		}
		seen[n] = true
	}
	return nil
}
