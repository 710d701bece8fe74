package cube

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/view"
)

// Document is the portable form of the subgraph feeding one node. Node ids
// are renumbered densely; Root is the id of the requested node.
type Document struct {
	Root  NodeID         `json:"root"`
	Nodes []DocumentNode `json:"nodes"`
}

// DocumentNode is one serialized node. Leaves carry their grid and chunk
// size; every other node derives them from its inputs.
type DocumentNode struct {
	ID        NodeID          `json:"id"`
	Kind      Kind            `json:"kind"`
	Inputs    []NodeID        `json:"inputs,omitempty"`
	Params    json.RawMessage `json:"params"`
	Grid      *view.Grid      `json:"grid,omitempty"`
	ChunkSize *chunk.Size     `json:"chunk_size,omitempty"`
}

// MarshalSubgraph serializes the nodes feeding id.
func (g *Graph) MarshalSubgraph(id NodeID) ([]byte, error) {
	ids, err := g.Subgraph(id)
	if err != nil {
		return nil, err
	}
	renum := make(map[NodeID]NodeID, len(ids))
	doc := Document{Nodes: make([]DocumentNode, 0, len(ids))}
	for i, nid := range ids {
		renum[nid] = NodeID(i)
		n, _ := g.Node(nid)
		params, err := json.Marshal(n.Params)
		if err != nil {
			return nil, fmt.Errorf("encoding node %d: %w", nid, err)
		}
		dn := DocumentNode{ID: NodeID(i), Kind: n.Kind(), Params: params}
		for _, in := range n.Inputs {
			dn.Inputs = append(dn.Inputs, renum[in])
		}
		switch n.Params.(type) {
		case *ImageCollectionParams, *DummyParams:
			grid, size := n.desc.Grid, n.desc.ChunkSize
			dn.Grid, dn.ChunkSize = &grid, &size
		}
		doc.Nodes = append(doc.Nodes, dn)
	}
	doc.Root = renum[id]
	return json.Marshal(doc)
}

// FromJSON rebuilds a serialized subgraph into a new graph, validating
// every node again. Collections and packaged files are reopened from their
// paths and released by Graph.Close.
func FromJSON(ctx context.Context, env Env, data []byte) (*Graph, NodeID, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, cubeerr.Configf("decoding cube graph: %v", err)
	}
	g := NewGraph(env)
	ids := make(map[NodeID]NodeID, len(doc.Nodes))
	for _, dn := range doc.Nodes {
		inputs := make([]NodeID, len(dn.Inputs))
		for i, in := range dn.Inputs {
			mapped, ok := ids[in]
			if !ok {
				_ = g.Close()
				return nil, 0, cubeerr.Configf("node %d references unknown or later node %d", dn.ID, in)
			}
			inputs[i] = mapped
		}
		id, err := g.decodeNode(ctx, dn, inputs)
		if err != nil {
			_ = g.Close()
			return nil, 0, fmt.Errorf("node %d (%s): %w", dn.ID, dn.Kind, err)
		}
		ids[dn.ID] = id
	}
	root, ok := ids[doc.Root]
	if !ok {
		_ = g.Close()
		return nil, 0, cubeerr.Configf("root node %d not in document", doc.Root)
	}
	return g, root, nil
}

func arity(inputs []NodeID, n int) error {
	if len(inputs) != n {
		return cubeerr.Configf("want %d inputs, got %d", n, len(inputs))
	}
	return nil
}

func (g *Graph) decodeNode(ctx context.Context, dn DocumentNode, inputs []NodeID) (NodeID, error) {
	decode := func(v any) error {
		if err := json.Unmarshal(dn.Params, v); err != nil {
			return cubeerr.Configf("decoding params: %v", err)
		}
		return nil
	}
	leaf := func() (view.Grid, chunk.Size, error) {
		if dn.Grid == nil || dn.ChunkSize == nil {
			return view.Grid{}, chunk.Size{}, cubeerr.Configf("leaf node without grid")
		}
		return *dn.Grid, *dn.ChunkSize, arity(inputs, 0)
	}
	one := func() (NodeID, error) {
		if err := arity(inputs, 1); err != nil {
			return 0, err
		}
		return inputs[0], nil
	}

	switch dn.Kind {
	case KindImageCollection:
		var p ImageCollectionParams
		if err := decode(&p); err != nil {
			return 0, err
		}
		grid, size, err := leaf()
		if err != nil {
			return 0, err
		}
		c, err := collection.Open(ctx, p.Collection, g.env.Transformer)
		if err != nil {
			return 0, err
		}
		g.mu.Lock()
		g.owned = append(g.owned, c)
		g.mu.Unlock()
		return g.ImageCollectionGrid(c, grid, ImageCollectionOptions{Bands: p.Bands, Mask: p.Mask, ChunkSize: size})
	case KindDummy:
		var p DummyParams
		if err := decode(&p); err != nil {
			return 0, err
		}
		grid, size, err := leaf()
		if err != nil {
			return 0, err
		}
		return g.Dummy(grid, p.Bands, p.Value, size)
	case KindPackaged:
		var p PackagedParams
		if err := decode(&p); err != nil {
			return 0, err
		}
		if err := arity(inputs, 0); err != nil {
			return 0, err
		}
		return g.Packaged(p.Path)
	case KindSelectBands:
		var p SelectBandsParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.SelectBands(in, p.Bands)
	case KindApplyPixel:
		var p ApplyPixelParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.ApplyPixel(in, p.Exprs, p.Names, p.KeepBands)
	case KindReduceTime:
		var p ReduceTimeParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.ReduceTime(in, p.Reducers)
	case KindReduceSpace:
		var p ReduceSpaceParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.ReduceSpace(in, p.Reducers)
	case KindWindowTime:
		var p WindowTimeParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.WindowTime(in, WindowSpec{Before: p.Before, After: p.After, Reducers: p.Reducers, Kernel: p.Kernel, Boundary: p.Boundary})
	case KindJoinBands:
		var p JoinBandsParams
		if err := arity(inputs, 2); err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.JoinBands(inputs[0], inputs[1], p.PrefixA, p.PrefixB)
	case KindFilterPredicate:
		var p FilterPredicateParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.FilterPredicate(in, p.Predicate)
	case KindFillTime:
		var p FillTimeParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.FillTime(in, p.Method)
	case KindStream:
		var p StreamParams
		in, err := one()
		if err != nil {
			return 0, err
		}
		if err := decode(&p); err != nil {
			return 0, err
		}
		return g.Stream(in, StreamSpec{Mode: p.Mode, Command: p.Command, Names: p.Names, KeepBands: p.KeepBands})
	}
	return 0, cubeerr.Configf("unknown node kind %q", dn.Kind)
}
