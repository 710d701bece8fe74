package cube

import (
	"context"
	"fmt"
	"math"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/cubefile"
	"github.com/vk/cubegrid/internal/view"
)

// Mask turns pixels of an image into no-data based on a mask band of the
// same image. A pixel is masked when its mask value, optionally reduced to
// the given bits, is one of Values; Invert flips the test.
type Mask struct {
	Band   string    `json:"band"`
	Values []float64 `json:"values"`
	Invert bool      `json:"invert,omitempty"`
	Bits   []int     `json:"bits,omitempty"`
}

func (m *Mask) masked(v float64) bool {
	if math.IsNaN(v) {
		return !m.Invert
	}
	if len(m.Bits) > 0 {
		iv := int64(v)
		var sel int64
		for _, b := range m.Bits {
			sel |= iv & (1 << uint(b))
		}
		v = float64(sel)
	}
	hit := false
	for _, x := range m.Values {
		if x == v {
			hit = true
			break
		}
	}
	return hit != m.Invert
}

// ImageCollectionParams is the base cube reading an image collection.
type ImageCollectionParams struct {
	Collection string   `json:"collection"`
	Bands      []string `json:"bands,omitempty"`
	Mask       *Mask    `json:"mask,omitempty"`

	coll *collection.Collection
}

// DummyParams is a cube with constant values, for tests and prototyping.
type DummyParams struct {
	Bands []string `json:"bands"`
	Value float64  `json:"value"`
}

// PackagedParams reopens a packaged cube file as a leaf.
type PackagedParams struct {
	Path string `json:"path"`

	file *cubefile.Reader
}

func (*ImageCollectionParams) Kind() Kind { return KindImageCollection }
func (*DummyParams) Kind() Kind           { return KindDummy }
func (*PackagedParams) Kind() Kind        { return KindPackaged }
func (*ImageCollectionParams) sealed()    {}
func (*DummyParams) sealed()              {}
func (*PackagedParams) sealed()           {}

// ImageCollectionOptions select bands, a mask and the chunk size of the
// base cube.
type ImageCollectionOptions struct {
	Bands     []string
	Mask      *Mask
	ChunkSize chunk.Size
}

// ImageCollection adds the base cube of a collection with the view
// resolved against the collection extent.
func (g *Graph) ImageCollection(ctx context.Context, c *collection.Collection, v view.View, opts ImageCollectionOptions) (NodeID, error) {
	grid, err := view.Resolve(ctx, c, v)
	if err != nil {
		return 0, err
	}
	return g.ImageCollectionGrid(c, grid, opts)
}

// ImageCollectionGrid adds the base cube of a collection on a resolved grid.
func (g *Graph) ImageCollectionGrid(c *collection.Collection, grid view.Grid, opts ImageCollectionOptions) (NodeID, error) {
	if c == nil {
		return 0, cubeerr.Configf("image collection cube needs a collection")
	}
	all := c.Bands()
	names := opts.Bands
	if len(names) == 0 {
		for _, b := range all {
			names = append(names, b.Name)
		}
	}
	if err := checkUnique(names); err != nil {
		return 0, err
	}
	bands := make([]Band, 0, len(names))
	for _, name := range names {
		b, ok := c.Band(name)
		if !ok {
			return 0, cubeerr.Wrapf(cubeerr.ErrUnknownBandReference, "collection %s has no band %q", c.Path(), name)
		}
		cb := Band{Name: b.Name, Type: b.Type, Offset: b.Offset, Scale: b.Scale, Unit: b.Unit}
		if !math.IsNaN(b.NoData) {
			nd := b.NoData
			cb.NoData = &nd
		}
		bands = append(bands, cb)
	}
	if opts.Mask != nil {
		if _, ok := c.Band(opts.Mask.Band); !ok {
			return 0, cubeerr.Wrapf(cubeerr.ErrUnknownBandReference, "mask band %q not in collection", opts.Mask.Band)
		}
		if len(opts.Mask.Values) == 0 {
			return 0, cubeerr.Configf("mask needs at least one value")
		}
	}
	size := opts.ChunkSize
	if !size.Valid() {
		size = chunk.DefaultSize
	}
	p := &ImageCollectionParams{Collection: c.Path(), Bands: names, Mask: opts.Mask, coll: c}
	return g.add(p, Description{Grid: grid, Bands: bands, ChunkSize: size}), nil
}

// Dummy adds a cube whose every cell holds value.
func (g *Graph) Dummy(grid view.Grid, bands []string, value float64, size chunk.Size) (NodeID, error) {
	if len(bands) == 0 {
		return 0, cubeerr.Configf("dummy cube needs at least one band")
	}
	if err := checkUnique(bands); err != nil {
		return 0, err
	}
	if grid.Cells() <= 0 {
		return 0, cubeerr.Configf("dummy cube grid is empty")
	}
	if !size.Valid() {
		size = chunk.DefaultSize
	}
	desc := Description{Grid: grid, ChunkSize: size}
	for _, b := range bands {
		desc.Bands = append(desc.Bands, Band{Name: b, Type: "float64"})
	}
	return g.add(&DummyParams{Bands: append([]string(nil), bands...), Value: value}, desc), nil
}

// Packaged adds a leaf cube reading a packaged cube file. Only the header
// is read here.
func (g *Graph) Packaged(path string) (NodeID, error) {
	r, err := cubefile.Open(path)
	if err != nil {
		return 0, err
	}
	h := r.Header()
	desc := Description{Grid: h.Grid, ChunkSize: h.ChunkSize}
	for _, b := range h.Bands {
		desc.Bands = append(desc.Bands, Band{Name: b.Name, Type: b.Type, Offset: b.Offset, Scale: b.Scale, Unit: b.Unit, NoData: b.NoData})
	}
	return g.add(&PackagedParams{Path: path, file: r}, desc), nil
}

func (s *session) dummy(n *Node, p *DummyParams, r chunk.Region) (*chunk.Chunk, error) {
	out := chunk.New(r.Shape(len(n.desc.Bands)))
	out.Fill(p.Value)
	return out, nil
}

func (s *session) packaged(_ context.Context, p *PackagedParams, c chunk.Coord) (*chunk.Chunk, error) {
	if p.file == nil {
		return nil, fmt.Errorf("packaged cube %s is not open", p.Path)
	}
	layout := p.file.Header().Layout()
	return p.file.ReadChunk(layout.ID(c))
}

// Close releases files held by leaf nodes and collections the graph
// opened itself.
func (g *Graph) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var first error
	for _, c := range g.owned {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, n := range g.nodes {
		if p, ok := n.Params.(*PackagedParams); ok && p.file != nil {
			if err := p.file.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
