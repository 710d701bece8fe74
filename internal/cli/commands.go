package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vk/cubegrid/internal/app"
	"github.com/vk/cubegrid/internal/collection"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/view"
)

func newFormatsCommand(r *root) *cobra.Command {
	var dirs []string
	command := &cobra.Command{
		Use:   "formats",
		Short: "List the available collection formats",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := r.app.Registry()
			for _, d := range dirs {
				reg.AddDir(d)
			}
			formats, err := r.app.Formats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSOURCE\tDESCRIPTION")
			for _, f := range formats {
				src := f.Path
				if src == "" {
					src = "built-in"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Name, f.Version, src, f.Description)
			}
			return w.Flush()
		},
	}
	command.Flags().StringSliceVar(&dirs, "dir", nil, "Additional format directories to search") // --dir=a,b --dir=c
	return command
}

func newIndexCommand(r *root) *cobra.Command {
	var (
		formatName string
		out        string
		unroll     bool
	)
	command := &cobra.Command{
		Use:   "index --format FORMAT --out COLLECTION INPUT...",
		Short: "Create a collection from image files, directories or glob patterns",
		Args:  usage(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := r.app.Index(cmd.Context(), app.IndexRequest{
				Format:         formatName,
				Out:            out,
				Inputs:         args,
				UnrollArchives: unroll,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s: %d images, %d band references\n", info.Path, info.Images, info.Refs)
			return nil
		},
	}
	command.Flags().StringVarP(&formatName, "format", "f", "", "Format name or path to a format file")
	command.Flags().StringVarP(&out, "out", "o", "", "Path of the collection file to create")
	command.Flags().BoolVar(&unroll, "unroll-archives", false, "Index the members of zip and tar archives")
	_ = command.MarkFlagRequired("format")
	_ = command.MarkFlagRequired("out")
	return command
}

func newAddCommand(r *root) *cobra.Command {
	var unroll bool
	command := &cobra.Command{
		Use:   "add COLLECTION INPUT...",
		Short: "Add images to an existing collection",
		Args:  usage(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := r.app.Add(cmd.Context(), args[0], args[1:], unroll)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d images to %s\n", n, args[0])
			return nil
		},
	}
	command.Flags().BoolVar(&unroll, "unroll-archives", false, "Index the members of zip and tar archives")
	return command
}

func newInfoCommand(r *root) *cobra.Command {
	var asJSON bool
	command := &cobra.Command{
		Use:   "info COLLECTION",
		Short: "Summarize a collection",
		Args:  usage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := r.app.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), infoDoc(info))
			}
			return printInfo(cmd.OutOrStdout(), info)
		},
	}
	command.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	return command
}

type bandDoc struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Scale  float64  `json:"scale"`
	Offset float64  `json:"offset"`
	NoData *float64 `json:"nodata"`
	Unit   string   `json:"unit,omitempty"`
}

// infoDoc is the JSON form of a collection summary; NaN no-data values
// become null.
func infoDoc(info collection.Info) map[string]any {
	bands := make([]bandDoc, len(info.Bands))
	for i, b := range info.Bands {
		bands[i] = bandDoc{Name: b.Name, Type: b.Type, Scale: b.Scale, Offset: b.Offset, Unit: b.Unit}
		if !math.IsNaN(b.NoData) {
			nd := b.NoData
			bands[i].NoData = &nd
		}
	}
	doc := map[string]any{
		"path":           info.Path,
		"format":         info.Format,
		"format_version": info.FormatVersion,
		"images":         info.Images,
		"refs":           info.Refs,
		"bands":          bands,
	}
	if info.Images > 0 {
		doc["extent"] = info.Extent
	}
	return doc
}

func printInfo(out io.Writer, info collection.Info) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "path:\t%s\n", info.Path)
	fmt.Fprintf(w, "format:\t%s (version %s)\n", info.Format, info.FormatVersion)
	fmt.Fprintf(w, "images:\t%d\n", info.Images)
	fmt.Fprintf(w, "band references:\t%d\n", info.Refs)
	if info.Images > 0 {
		e := info.Extent
		fmt.Fprintf(w, "extent (EPSG:4326):\tx [%g, %g] y [%g, %g]\n", e.Bounds.Left, e.Bounds.Right, e.Bounds.Bottom, e.Bounds.Top)
		fmt.Fprintf(w, "time:\t%s to %s\n", e.T0.Format("2006-01-02T15:04:05"), e.T1.Format("2006-01-02T15:04:05"))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "BAND\tTYPE\tSCALE\tOFFSET\tNODATA\tUNIT")
	for _, b := range info.Bands {
		nodata := "-"
		if !math.IsNaN(b.NoData) {
			nodata = fmt.Sprint(b.NoData)
		}
		fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%s\t%s\n", b.Name, b.Type, b.Scale, b.Offset, nodata, b.Unit)
	}
	return w.Flush()
}

func newViewCommand(r *root) *cobra.Command {
	var (
		req            app.ViewRequest
		bounds         []float64
		values, asJSON bool
	)
	command := &cobra.Command{
		Use:   "view [COLLECTION]",
		Short: "Resolve a cube view and print its grid",
		Long: `Resolve a cube view into its regular grid. Missing extents are taken from
the collection when one is given.`,
		Args: usage(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Collection = args[0]
			}
			switch len(bounds) {
			case 0:
			case 4:
				req.Bounds = &view.Bounds{Left: bounds[0], Right: bounds[1], Bottom: bounds[2], Top: bounds[3]}
			default:
				return &ExitError{Code: 2, Message: fmt.Sprintf("--bounds needs left,right,bottom,top, got %d values", len(bounds))}
			}
			g, err := r.app.ResolveView(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				doc := map[string]any{"grid": g}
				if values {
					doc["values"] = g.Values(nil)
				}
				return writeJSON(cmd.OutOrStdout(), doc)
			}
			return printGrid(cmd.OutOrStdout(), g, values)
		},
	}
	f := command.Flags()
	f.StringVar(&req.SRS, "srs", "", "Spatial reference of the view, e.g. EPSG:3857")
	f.Float64SliceVar(&bounds, "bounds", nil, "Spatial extent as left,right,bottom,top")
	f.Float64Var(&req.DX, "dx", 0, "Cell width")
	f.Float64Var(&req.DY, "dy", 0, "Cell height")
	f.IntVar(&req.NX, "nx", 0, "Number of columns")
	f.IntVar(&req.NY, "ny", 0, "Number of rows")
	f.StringVar(&req.T0, "t0", "", "Start datetime")
	f.StringVar(&req.T1, "t1", "", "End datetime")
	f.StringVar(&req.DT, "dt", "", "Temporal step as ISO 8601 duration, e.g. P1M")
	f.IntVar(&req.NT, "nt", 0, "Number of time steps")
	f.StringVar(&req.Aggregation, "aggregation", "", "Temporal aggregation of images in one cell")
	f.StringVar(&req.Resampling, "resampling", "", "Spatial resampling algorithm")
	f.BoolVar(&values, "values", false, "Also print the dimension values")
	f.BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	_ = command.MarkFlagRequired("srs")
	return command
}

func printGrid(out io.Writer, g view.Grid, values bool) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "srs:\t%s\n", g.SRS)
	fmt.Fprintf(w, "t:\t%d steps of %s from %s\n", g.T.N, g.T.DT, datetime.Format(g.T.T0, g.T.DT.Unit))
	fmt.Fprintf(w, "y:\t%d rows of %g in [%g, %g]\n", g.Y.N, g.Y.Step, g.Y.Low, g.Y.High)
	fmt.Fprintf(w, "x:\t%d columns of %g in [%g, %g]\n", g.X.N, g.X.Step, g.X.Low, g.X.High)
	fmt.Fprintf(w, "aggregation:\t%s\n", g.Aggregation)
	fmt.Fprintf(w, "resampling:\t%s\n", g.Resampling)
	if values {
		dv := g.Values(nil)
		fmt.Fprintf(w, "t values:\t%s\n", strings.Join(dv.T, " "))
		fmt.Fprintf(w, "y values:\t%s\n", joinFloats(dv.Y))
		fmt.Fprintf(w, "x values:\t%s\n", joinFloats(dv.X))
	}
	return w.Flush()
}

func joinFloats(vs []float64) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = fmt.Sprint(v)
	}
	return strings.Join(s, " ")
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "run PIPELINE",
		Short: "Compile a pipeline file and evaluate its exports",
		Args:  usage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.app.Run(cmd.Context(), args[0])
		},
	}
}

func newWorkerCommand(r *root) *cobra.Command {
	var listen string
	command := &cobra.Command{
		Use:   "worker",
		Short: "Serve chunk tasks to a swarm client",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.app.Serve(cmd.Context(), listen)
		},
	}
	command.Flags().StringVar(&listen, "listen", ":8080", "Address the worker listens on")
	return command
}

func newVersionCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine and raster backend versions and drivers",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := r.app.Version()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cubegrid %s\n", v.Engine)
			fmt.Fprintf(out, "backend  %s\n", v.Backend)
			fmt.Fprintf(out, "drivers  %s\n", strings.Join(v.Drivers, ", "))
			return nil
		},
	}
}
