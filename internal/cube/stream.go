package cube

import (
	"context"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/stream"
)

// StreamMode selects what an external process receives and returns.
type StreamMode string

const (
	// StreamPixel returns new bands for the same cells, like apply_pixel.
	StreamPixel StreamMode = "pixel"
	// StreamTime receives full time series and returns one slice.
	StreamTime StreamMode = "time"
	// StreamCube returns a chunk of the input's shape.
	StreamCube StreamMode = "cube"
)

// StreamParams delegates chunk contents to an external command.
type StreamParams struct {
	Mode      StreamMode `json:"mode"`
	Command   string     `json:"command"`
	Names     []string   `json:"names,omitempty"`
	KeepBands bool       `json:"keep_bands,omitempty"`
}

func (*StreamParams) Kind() Kind { return KindStream }
func (*StreamParams) sealed()    {}

// StreamSpec configures Stream. Names declares the output bands; in cube
// mode it may be empty to keep the input bands.
type StreamSpec struct {
	Mode      StreamMode
	Command   string
	Names     []string
	KeepBands bool
}

// Stream adds a node whose chunks are computed by an external process.
func (g *Graph) Stream(in NodeID, spec StreamSpec) (NodeID, error) {
	d, err := g.input(in)
	if err != nil {
		return 0, err
	}
	if spec.Command == "" {
		return 0, cubeerr.Configf("stream needs a command")
	}
	p := &StreamParams{Mode: spec.Mode, Command: spec.Command, Names: append([]string(nil), spec.Names...), KeepBands: spec.KeepBands}
	out := d
	named := func() []Band {
		bands := make([]Band, len(spec.Names))
		for i, n := range spec.Names {
			bands[i] = Band{Name: n, Type: "float64"}
		}
		return bands
	}
	switch spec.Mode {
	case StreamPixel:
		if len(spec.Names) == 0 {
			return 0, cubeerr.Configf("pixel stream needs output band names")
		}
		out.Bands = nil
		if spec.KeepBands {
			out.Bands = append(out.Bands, d.Bands...)
		}
		out.Bands = append(out.Bands, named()...)
	case StreamTime:
		if len(spec.Names) == 0 {
			return 0, cubeerr.Configf("time stream needs output band names")
		}
		if spec.KeepBands {
			return 0, cubeerr.Configf("time stream cannot keep input bands")
		}
		out.Grid = d.Grid.CollapseTime()
		out.ChunkSize = chunk.Size{T: 1, Y: d.ChunkSize.Y, X: d.ChunkSize.X}
		out.Bands = named()
	case StreamCube:
		if spec.KeepBands {
			return 0, cubeerr.Configf("cube stream cannot keep input bands")
		}
		if len(spec.Names) > 0 {
			out.Bands = named()
		}
	default:
		return 0, cubeerr.Configf("unknown stream mode %q", spec.Mode)
	}
	if err := checkUnique(out.BandNames()); err != nil {
		return 0, err
	}
	return g.add(p, out, in), nil
}

func (s *session) stream(ctx context.Context, n *Node, p *StreamParams, r chunk.Region, c chunk.Coord) (*chunk.Chunk, error) {
	ir := r
	if p.Mode == StreamTime {
		ir = s.fullT(n.Inputs[0], r)
	}
	src, err := s.region(ctx, n.Inputs[0], ir)
	if err != nil {
		return nil, err
	}
	in, _ := s.g.Node(n.Inputs[0])
	nb := len(n.desc.Bands)
	if p.KeepBands {
		nb -= src.Shape.B
	}
	want := r.Shape(nb)
	res, err := stream.Run(ctx, p.Command, src, stream.Meta{Coord: c, Bands: in.desc.BandNames(), Want: want})
	if err != nil {
		return nil, err
	}
	if res.Shape != want {
		return nil, cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "stream %q returned %s, want %s", p.Command, res.Shape, want)
	}
	if !p.KeepBands {
		return res, nil
	}
	out := chunk.New(r.Shape(len(n.desc.Bands)))
	copy(out.Data, src.Data)
	copy(out.Data[len(src.Data):], res.Data)
	return out, nil
}
