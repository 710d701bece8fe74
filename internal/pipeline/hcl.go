package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// fileRoot decodes every top-level block of a pipeline file.
type fileRoot struct {
	Collections []*collectionBlock `hcl:"collection,block"`
	Views       []*viewBlock       `hcl:"view,block"`
	Cubes       []*cubeBlock       `hcl:"cube,block"`
	Exports     []*exportBlock     `hcl:"export,block"`
	Remain      hcl.Body           `hcl:",remain"`
}

type collectionBlock struct {
	Name           string   `hcl:"name,label"`
	Path           string   `hcl:"path"`
	Format         string   `hcl:"format,optional"`
	Files          []string `hcl:"files,optional"`
	UnrollArchives bool     `hcl:"unroll_archives,optional"`
}

type viewBlock struct {
	Name        string   `hcl:"name,label"`
	Collection  string   `hcl:"collection,optional"`
	Cube        string   `hcl:"cube,optional"`
	SRS         string   `hcl:"srs"`
	Left        *float64 `hcl:"left,optional"`
	Right       *float64 `hcl:"right,optional"`
	Bottom      *float64 `hcl:"bottom,optional"`
	Top         *float64 `hcl:"top,optional"`
	DX          float64  `hcl:"dx,optional"`
	DY          float64  `hcl:"dy,optional"`
	NX          int      `hcl:"nx,optional"`
	NY          int      `hcl:"ny,optional"`
	T0          string   `hcl:"t0,optional"`
	T1          string   `hcl:"t1,optional"`
	DT          string   `hcl:"dt,optional"`
	NT          int      `hcl:"nt,optional"`
	Aggregation string   `hcl:"aggregation,optional"`
	Resampling  string   `hcl:"resampling,optional"`
}

// cubeBlock is `cube "<name>" "<kind>" { ... }`; the body is decoded
// against the arguments of its kind.
type cubeBlock struct {
	Name   string   `hcl:"name,label"`
	Kind   string   `hcl:"kind,label"`
	Remain hcl.Body `hcl:",remain"`
}

type exportBlock struct {
	Name               string        `hcl:"name,label"`
	Cube               string        `hcl:"cube"`
	Path               string        `hcl:"path,optional"`
	Dir                string        `hcl:"dir,optional"`
	Prefix             string        `hcl:"prefix,optional"`
	Compression        string        `hcl:"compression,optional"`
	Level              int           `hcl:"level,optional"`
	Driver             string        `hcl:"driver,optional"`
	CreationOptions    []string      `hcl:"creation_options,optional"`
	Overviews          bool          `hcl:"overviews,optional"`
	OverviewLevels     []int         `hcl:"overview_levels,optional"`
	OverviewResampling string        `hcl:"overview_resampling,optional"`
	COG                bool          `hcl:"cog,optional"`
	Packing            *packingBlock `hcl:"packing,block"`
}

type packingBlock struct {
	Type   string    `hcl:"type"`
	Scale  []float64 `hcl:"scale,optional"`
	Offset []float64 `hcl:"offset,optional"`
	NoData []float64 `hcl:"nodata,optional"`
}

// Arguments of each cube kind.

type maskBlock struct {
	Band   string    `hcl:"band"`
	Values []float64 `hcl:"values,optional"`
	Invert bool      `hcl:"invert,optional"`
	Bits   []int     `hcl:"bits,optional"`
}

type imageCollectionArgs struct {
	Collection string     `hcl:"collection"`
	View       string     `hcl:"view"`
	Bands      []string   `hcl:"bands,optional"`
	ChunkSize  []int      `hcl:"chunk_size,optional"`
	Mask       *maskBlock `hcl:"mask,block"`
}

type dummyArgs struct {
	View      string   `hcl:"view"`
	Bands     []string `hcl:"bands"`
	Value     float64  `hcl:"value,optional"`
	ChunkSize []int    `hcl:"chunk_size,optional"`
}

type packagedArgs struct {
	Path string `hcl:"path"`
}

type selectBandsArgs struct {
	Input string   `hcl:"input"`
	Bands []string `hcl:"bands"`
}

type applyPixelArgs struct {
	Input     string   `hcl:"input"`
	Expr      []string `hcl:"expr"`
	Names     []string `hcl:"names,optional"`
	KeepBands bool     `hcl:"keep_bands,optional"`
}

// reducerBlock is `reducer "<fn>" { band = "..." }`.
type reducerBlock struct {
	Fn   string `hcl:"fn,label"`
	Band string `hcl:"band"`
}

type reduceArgs struct {
	Input    string          `hcl:"input"`
	All      string          `hcl:"reduce_all,optional"`
	Reducers []*reducerBlock `hcl:"reducer,block"`
}

type windowArgs struct {
	Input    string          `hcl:"input"`
	Before   int             `hcl:"before"`
	After    int             `hcl:"after"`
	Kernel   []float64       `hcl:"kernel,optional"`
	Boundary string          `hcl:"boundary,optional"`
	Reducers []*reducerBlock `hcl:"reducer,block"`
}

type joinArgs struct {
	A       string `hcl:"a"`
	B       string `hcl:"b"`
	PrefixA string `hcl:"prefix_a,optional"`
	PrefixB string `hcl:"prefix_b,optional"`
}

type filterArgs struct {
	Input     string `hcl:"input"`
	Predicate string `hcl:"predicate"`
}

type fillArgs struct {
	Input  string `hcl:"input"`
	Method string `hcl:"method,optional"`
}

type streamArgs struct {
	Input     string   `hcl:"input"`
	Command   string   `hcl:"command"`
	Mode      string   `hcl:"mode,optional"`
	Names     []string `hcl:"names,optional"`
	KeepBands bool     `hcl:"keep_bands,optional"`
}

// parseFile parses HCL or, for .json files, the JSON variant of the same
// schema.
func parseFile(parser *hclparse.Parser, filename string, src []byte) (*hcl.File, hcl.Diagnostics) {
	if filepath.Ext(filename) == ".json" {
		return parser.ParseJSON(src, filename)
	}
	return parser.ParseHCL(src, filename)
}

// envFunc exposes environment variables to pipeline expressions:
// env("NAME") or env("NAME", "default").
var envFunc = function.New(&function.Spec{
	Params:   []function.Parameter{{Name: "name", Type: cty.String}},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})

// evalContext lets expressions refer to declared blocks by traversal
// (cube.ndvi, view.v, collection.s2 evaluate to their names) and call a
// small function library.
func evalContext(root *fileRoot) *hcl.EvalContext {
	names := func(list []string) cty.Value {
		if len(list) == 0 {
			return cty.EmptyObjectVal
		}
		m := make(map[string]cty.Value, len(list))
		for _, n := range list {
			m[n] = cty.StringVal(n)
		}
		return cty.ObjectVal(m)
	}
	var cubes, views, colls []string
	for _, c := range root.Cubes {
		cubes = append(cubes, c.Name)
	}
	for _, v := range root.Views {
		views = append(views, v.Name)
	}
	for _, c := range root.Collections {
		colls = append(colls, c.Name)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"cube":       names(cubes),
			"view":       names(views),
			"collection": names(colls),
		},
		Functions: map[string]function.Function{
			"env":    envFunc,
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"format": stdlib.FormatFunc,
			"join":   stdlib.JoinFunc,
			"concat": stdlib.ConcatFunc,
			"range":  stdlib.RangeFunc,
		},
	}
}

// parse decodes the block structure of a pipeline file. Block bodies that
// reference other blocks are decoded later with the evaluation context.
func parse(filename string, src []byte) (*fileRoot, *hcl.EvalContext, error) {
	parser := hclparse.NewParser()
	file, diags := parseFile(parser, filename, src)
	if diags.HasErrors() {
		return nil, nil, fmt.Errorf("failed to parse pipeline file %s: %w", filename, diags)
	}

	// The first pass only collects labels so the evaluation context can
	// name every block.
	var labels struct {
		Collections []struct {
			Name   string   `hcl:"name,label"`
			Remain hcl.Body `hcl:",remain"`
		} `hcl:"collection,block"`
		Views []struct {
			Name   string   `hcl:"name,label"`
			Remain hcl.Body `hcl:",remain"`
		} `hcl:"view,block"`
		Cubes  []*cubeBlock `hcl:"cube,block"`
		Remain hcl.Body     `hcl:",remain"`
	}
	if diags := gohcl.DecodeBody(file.Body, nil, &labels); diags.HasErrors() {
		return nil, nil, fmt.Errorf("failed to decode pipeline file %s: %w", filename, diags)
	}
	skeleton := &fileRoot{Cubes: labels.Cubes}
	for _, c := range labels.Collections {
		skeleton.Collections = append(skeleton.Collections, &collectionBlock{Name: c.Name})
	}
	for _, v := range labels.Views {
		skeleton.Views = append(skeleton.Views, &viewBlock{Name: v.Name})
	}
	ectx := evalContext(skeleton)

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, ectx, &root); diags.HasErrors() {
		return nil, nil, fmt.Errorf("failed to decode pipeline file %s: %w", filename, diags)
	}
	return &root, ectx, nil
}
