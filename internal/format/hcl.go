package format

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// fileRoot decodes every top-level block a format file may contain.
type fileRoot struct {
	Formats []*formatBlock `hcl:"format,block"`
	Remain  hcl.Body       `hcl:",remain"`
}

type formatBlock struct {
	Name        string         `hcl:"name,label"`
	Version     string         `hcl:"version,optional"`
	Description string         `hcl:"description,optional"`
	Tags        []string       `hcl:"tags,optional"`
	Pattern     string         `hcl:"pattern,optional"`
	SRS         string         `hcl:"srs,optional"`
	Images      *imagesBlock   `hcl:"images,block"`
	Datetime    *datetimeBlock `hcl:"datetime,block"`
	Bands       []*bandBlock   `hcl:"band,block"`
}

type imagesBlock struct {
	Pattern string `hcl:"pattern"`
}

type datetimeBlock struct {
	Pattern string `hcl:"pattern"`
	Format  string `hcl:"format,optional"`
}

type bandBlock struct {
	Name    string   `hcl:"name,label"`
	Pattern string   `hcl:"pattern,optional"`
	Band    int      `hcl:"band,optional"`
	NoData  *float64 `hcl:"nodata,optional"`
	Scale   float64  `hcl:"scale,optional"`
	Offset  float64  `hcl:"offset,optional"`
	Unit    string   `hcl:"unit,optional"`
	Type    string   `hcl:"type,optional"`
}

// parseFile parses HCL or, for .json files, the JSON variant of the same
// schema.
func parseFile(parser *hclparse.Parser, filename string, src []byte) (*hcl.File, hcl.Diagnostics) {
	if filepath.Ext(filename) == ".json" {
		return parser.ParseJSON(src, filename)
	}
	return parser.ParseHCL(src, filename)
}

// Parse decodes and compiles every format declared in src.
func Parse(filename string, src []byte) ([]*Format, error) {
	parser := hclparse.NewParser()
	file, diags := parseFile(parser, filename, src)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse format file %s: %w", filename, diags)
	}
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode format file %s: %w", filename, diags)
	}

	out := make([]*Format, 0, len(root.Formats))
	for _, fb := range root.Formats {
		f := translate(fb)
		f.Path = filename
		if err := f.Compile(); err != nil {
			return nil, fmt.Errorf("in %s: %w", filename, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func translate(fb *formatBlock) *Format {
	f := &Format{
		Name:        fb.Name,
		Version:     fb.Version,
		Description: fb.Description,
		Tags:        fb.Tags,
		Pattern:     fb.Pattern,
		SRS:         fb.SRS,
	}
	if fb.Images != nil {
		f.Images.Pattern = fb.Images.Pattern
	}
	if fb.Datetime != nil {
		f.Datetime = DatetimeRule{Pattern: fb.Datetime.Pattern, Layout: fb.Datetime.Format}
	}
	for _, b := range fb.Bands {
		f.Bands = append(f.Bands, BandRule{
			Name:    b.Name,
			Pattern: b.Pattern,
			Band:    b.Band,
			NoData:  b.NoData,
			Scale:   b.Scale,
			Offset:  b.Offset,
			Unit:    b.Unit,
			Type:    b.Type,
		})
	}
	return f
}
