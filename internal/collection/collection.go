// Package collection implements the image collection index: a single
// sqlite file cataloguing source images, their bands, acquisition datetimes
// and footprints.
package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/datetime"
	"github.com/vk/cubegrid/internal/format"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
	_ "modernc.org/sqlite"
)

// Band is a band of the collection vocabulary.
type Band struct {
	ID     int
	Name   string
	Type   string
	Offset float64
	Scale  float64
	Unit   string
	// NoData is NaN when the format declares none.
	NoData float64
}

// Ref points one band of an image at a file (or subdataset) and band number.
type Ref struct {
	Band       string
	Descriptor string
	BandNum    int
}

// Image is a catalog entry.
type Image struct {
	ID       int64
	Name     string
	Datetime time.Time
	// Footprint is in EPSG:4326.
	Footprint view.Bounds
	SRS       string
	Refs      []Ref
}

// Options configure indexing.
type Options struct {
	// Reader opens source files to read their footprint and SRS.
	Reader raster.Reader
	// Transformer converts footprints to EPSG:4326. Nil uses the built-in
	// EPSG:4326/EPSG:3857 transformations.
	Transformer raster.Transformer
	// UnrollArchives expands zip and tar archives into their members.
	// Duplicates of existing images are skipped instead of failing.
	UnrollArchives bool
}

type builtinTransformer struct{}

func (builtinTransformer) Transform(b view.Bounds, from, to string) (view.Bounds, error) {
	return raster.TransformBounds(b, from, to)
}

func (o Options) transformer() raster.Transformer {
	if o.Transformer == nil {
		return builtinTransformer{}
	}
	return o.Transformer
}

// Collection is an open collection file. It is safe for concurrent readers.
type Collection struct {
	db     *sql.DB
	path   string
	format *format.Format
	bands  []Band
	tr     raster.Transformer
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "opening %s: %v", path, err)
	}
	return db, nil
}

// Build indexes files with the given format into a new collection file at
// path.
func Build(ctx context.Context, path string, f *format.Format, files []string, opts Options) (*Collection, error) {
	logger := ctxlog.FromContext(ctx).With("collection", path, "format", f.Name)
	if _, err := os.Stat(path); err == nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "collection file %s already exists", path)
	}
	if opts.Reader == nil {
		return nil, cubeerr.Configf("building a collection needs a raster reader")
	}
	if err := f.Compile(); err != nil {
		return nil, err
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	c := &Collection{db: db, path: path, format: f, tr: opts.transformer()}
	if err := c.init(ctx); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}
	n, err := c.add(ctx, files, opts)
	if err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}
	logger.Info("✅ Collection indexed.", "images", n)
	return c, nil
}

func (c *Collection) init(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "creating schema: %v", err)
	}
	fj, err := json.Marshal(c.format)
	if err != nil {
		return err
	}
	md := map[string]string{
		mdFormatName:    c.format.Name,
		mdFormatVersion: c.format.Version,
		mdFormatJSON:    string(fj),
		mdCreated:       time.Now().UTC().Format(time.RFC3339),
		mdSchemaVersion: schemaVersion,
	}
	for k, v := range md {
		if _, err := tx.ExecContext(ctx, `INSERT INTO collection_md(key, value) VALUES (?, ?)`, k, v); err != nil {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "writing metadata: %v", err)
		}
	}
	for i, b := range c.format.Bands {
		nd := sql.NullString{}
		if b.NoData != nil {
			nd = sql.NullString{String: strconv.FormatFloat(*b.NoData, 'g', -1, 64), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bands(id, name, type, "offset", scale, unit, nodata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i, b.Name, b.Type, b.Offset, b.ScaleOrOne(), b.Unit, nd); err != nil {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "writing band %s: %v", b.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	return c.loadBands(ctx)
}

// Open reopens an existing collection file. tr may be nil.
func Open(ctx context.Context, path string, tr raster.Transformer) (*Collection, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "collection %s: %v", path, err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	var fj string
	err = db.QueryRowContext(ctx, `SELECT value FROM collection_md WHERE key = ?`, mdFormatJSON).Scan(&fj)
	if err != nil {
		db.Close()
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "%s is not a collection: %v", path, err)
	}
	f, err := format.FromJSON([]byte(fj))
	if err != nil {
		db.Close()
		return nil, err
	}
	c := &Collection{db: db, path: path, format: f, tr: Options{Transformer: tr}.transformer()}
	if err := c.loadBands(ctx); err != nil {
		db.Close()
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Opened collection.", "path", path, "format", f.Name, "bands", len(c.bands))
	return c, nil
}

func (c *Collection) loadBands(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT id, name, type, "offset", scale, unit, nodata FROM bands ORDER BY id`)
	if err != nil {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "reading bands: %v", err)
	}
	defer rows.Close()
	c.bands = nil
	for rows.Next() {
		var b Band
		var typ, unit, nd sql.NullString
		if err := rows.Scan(&b.ID, &b.Name, &typ, &b.Offset, &b.Scale, &unit, &nd); err != nil {
			return cubeerr.Wrapf(cubeerr.ErrCatalog, "reading bands: %v", err)
		}
		b.Type, b.Unit = typ.String, unit.String
		b.NoData = math.NaN()
		if nd.Valid {
			if v, err := strconv.ParseFloat(nd.String, 64); err == nil {
				b.NoData = v
			}
		}
		c.bands = append(c.bands, b)
	}
	return rows.Err()
}

// Close releases the database handle.
func (c *Collection) Close() error { return c.db.Close() }

// Path returns the collection file path.
func (c *Collection) Path() string { return c.path }

// Format returns the format the collection was built with.
func (c *Collection) Format() *format.Format { return c.format }

// Bands returns the band vocabulary.
func (c *Collection) Bands() []Band { return append([]Band(nil), c.bands...) }

// Band looks a band up by name.
func (c *Collection) Band(name string) (Band, bool) {
	for _, b := range c.bands {
		if b.Name == name {
			return b, true
		}
	}
	return Band{}, false
}

// Append indexes more files into the collection and returns how many
// images were added.
func (c *Collection) Append(ctx context.Context, files []string, opts Options) (int, error) {
	if opts.Reader == nil {
		return 0, cubeerr.Configf("appending to a collection needs a raster reader")
	}
	n, err := c.add(ctx, files, opts)
	if err != nil {
		return 0, err
	}
	ctxlog.FromContext(ctx).Info("✅ Images appended to collection.", "collection", c.path, "images", n)
	return n, nil
}

func (c *Collection) add(ctx context.Context, files []string, opts Options) (int, error) {
	logger := ctxlog.FromContext(ctx)
	var err error
	if opts.UnrollArchives {
		if files, err = unrollArchives(files); err != nil {
			return 0, cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
		}
	}
	images, err := c.format.Match(ctx, files)
	if err != nil {
		return 0, err
	}
	bandIDs := make(map[string]int, len(c.bands))
	for _, b := range c.bands {
		bandIDs[b.Name] = b.ID
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	defer tx.Rollback()

	finest := datetime.Year
	added := 0
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		fp, srs, err := c.footprint(ctx, img, opts.Reader)
		if err != nil {
			return 0, err
		}
		dup, err := isDuplicate(ctx, tx, img.Name, fp)
		if err != nil {
			return 0, err
		}
		if dup {
			if !opts.UnrollArchives {
				return 0, cubeerr.Wrapf(cubeerr.ErrDuplicateImage, "%s", img.Name)
			}
			logger.Warn("Image already in collection, skipping.", "image", img.Name)
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO images(name, "left", "top", "bottom", "right", datetime, proj) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			img.Name, fp.Left, fp.Top, fp.Bottom, fp.Right, img.Datetime.UTC().Format(datetimeLayout), srs)
		if err != nil {
			return 0, cubeerr.Wrapf(cubeerr.ErrCatalog, "inserting image %s: %v", img.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
		}
		for _, f := range img.Files {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO gdalrefs(image_id, band_id, descriptor, band_num) VALUES (?, ?, ?, ?)`,
				id, bandIDs[f.Band], f.Descriptor, f.BandNum); err != nil {
				return 0, cubeerr.Wrapf(cubeerr.ErrCatalog, "inserting reference %s: %v", f.Descriptor, err)
			}
		}
		if img.Unit < finest {
			finest = img.Unit
		}
		added++
		logger.Debug("Indexed image.", "image", img.Name, "datetime", img.Datetime, "files", len(img.Files))
	}
	if added > 0 {
		if err := mergeUnit(ctx, tx, finest); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	return added, nil
}

// footprint opens every file of an image and returns the union of their
// extents in EPSG:4326 together with the native SRS.
func (c *Collection) footprint(ctx context.Context, img format.Image, r raster.Reader) (view.Bounds, string, error) {
	var fp view.Bounds
	var srs string
	for i, f := range img.Files {
		ds, err := r.Open(ctx, f.Descriptor)
		if err != nil {
			return view.Bounds{}, "", cubeerr.Wrapf(cubeerr.ErrUnsupportedDriver, "%s: %v", f.Descriptor, err)
		}
		info := ds.Info()
		ds.Close()
		if c.format.SRS != "" {
			info.SRS = c.format.SRS
		}
		if info.SRS == "" {
			return view.Bounds{}, "", cubeerr.Wrapf(cubeerr.ErrIO, "%s has no spatial reference", f.Descriptor)
		}
		b, err := c.tr.Transform(info.Bounds(), info.SRS, footprintSRS)
		if err != nil {
			return view.Bounds{}, "", cubeerr.Wrapf(cubeerr.ErrIO, "%s: %v", f.Descriptor, err)
		}
		if i == 0 {
			fp, srs = b, info.SRS
		} else {
			fp = fp.Union(b)
		}
	}
	return fp, srs, nil
}

const footprintTolerance = 1e-9

func isDuplicate(ctx context.Context, tx *sql.Tx, name string, fp view.Bounds) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE name = ? AND abs("left" - ?) < ? AND abs("right" - ?) < ? AND abs("bottom" - ?) < ? AND abs("top" - ?) < ?`,
		name, fp.Left, footprintTolerance, fp.Right, footprintTolerance, fp.Bottom, footprintTolerance, fp.Top, footprintTolerance).Scan(&n)
	if err != nil {
		return false, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	return n > 0, nil
}

// mergeUnit records the finest datetime precision seen so far.
func mergeUnit(ctx context.Context, tx *sql.Tx, u datetime.Unit) error {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT value FROM collection_md WHERE key = ?`, mdDatetimeUnit).Scan(&cur)
	if err == nil {
		if prev, perr := datetime.ParseUnit(cur); perr == nil && prev < u {
			u = prev
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO collection_md(key, value) VALUES (?, ?)`, mdDatetimeUnit, u.String())
	if err != nil {
		return cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	return nil
}

// DatetimeUnit returns the finest precision of the indexed datetimes.
func (c *Collection) DatetimeUnit(ctx context.Context) datetime.Unit {
	var s string
	if err := c.db.QueryRowContext(ctx, `SELECT value FROM collection_md WHERE key = ?`, mdDatetimeUnit).Scan(&s); err != nil {
		return datetime.Day
	}
	u, err := datetime.ParseUnit(s)
	if err != nil {
		return datetime.Day
	}
	return u
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(datetimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, cubeerr.Wrapf(cubeerr.ErrCatalog, "corrupt datetime %q", s)
	}
	return t, nil
}

// Extent returns the bounding box of all footprints in srs and the range of
// acquisition datetimes. It makes a collection a view.ExtentSource.
func (c *Collection) Extent(ctx context.Context, srs string) (view.Extent, error) {
	var n int
	var b view.Bounds
	var t0, t1 sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN("left"), 0), COALESCE(MAX("right"), 0), COALESCE(MIN("bottom"), 0), COALESCE(MAX("top"), 0), MIN(datetime), MAX(datetime) FROM images`).
		Scan(&n, &b.Left, &b.Right, &b.Bottom, &b.Top, &t0, &t1)
	if err != nil {
		return view.Extent{}, cubeerr.Wrapf(cubeerr.ErrCatalog, "computing extent: %v", err)
	}
	if n == 0 {
		return view.Extent{}, cubeerr.Wrapf(cubeerr.ErrCatalog, "collection %s is empty", c.path)
	}
	if srs != "" {
		if b, err = c.tr.Transform(b, footprintSRS, srs); err != nil {
			return view.Extent{}, fmt.Errorf("transforming collection extent: %w", err)
		}
	}
	ext := view.Extent{Bounds: b}
	if ext.T0, err = parseStoredTime(t0.String); err != nil {
		return view.Extent{}, err
	}
	if ext.T1, err = parseStoredTime(t1.String); err != nil {
		return view.Extent{}, err
	}
	return ext, nil
}

// DistinctDatetimes returns the sorted, distinct acquisition datetimes.
func (c *Collection) DistinctDatetimes(ctx context.Context) ([]time.Time, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT datetime FROM images ORDER BY datetime`)
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
		}
		t, err := parseStoredTime(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Query selects images intersecting a box (in srs) and acquired within
// [From, To). Bands limits the returned references; empty means all.
type Query struct {
	Bounds view.Bounds
	SRS    string
	From   time.Time
	To     time.Time
	Bands  []string
}

// ImagesIntersecting returns matching images ordered by datetime, then name.
func (c *Collection) ImagesIntersecting(ctx context.Context, q Query) ([]Image, error) {
	fp := q.Bounds
	if q.SRS != "" {
		var err error
		if fp, err = c.tr.Transform(q.Bounds, q.SRS, footprintSRS); err != nil {
			return nil, fmt.Errorf("transforming query box: %w", err)
		}
	}
	sqlq := `SELECT i.id, i.name, i.datetime, i."left", i."right", i."bottom", i."top", COALESCE(i.proj, ''),
		b.name, g.descriptor, g.band_num
		FROM images i
		JOIN gdalrefs g ON g.image_id = i.id
		JOIN bands b ON b.id = g.band_id
		WHERE i."left" < ? AND i."right" > ? AND i."bottom" < ? AND i."top" > ?
		AND i.datetime >= ? AND i.datetime < ?`
	args := []any{fp.Right, fp.Left, fp.Top, fp.Bottom,
		q.From.UTC().Format(datetimeLayout), q.To.UTC().Format(datetimeLayout)}
	if len(q.Bands) > 0 {
		sqlq += ` AND b.name IN (?` + strings.Repeat(", ?", len(q.Bands)-1) + `)`
		for _, b := range q.Bands {
			args = append(args, b)
		}
	}
	sqlq += ` ORDER BY i.datetime, i.name, i.id, b.id`

	rows, err := c.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "querying images: %v", err)
	}
	defer rows.Close()
	var out []Image
	for rows.Next() {
		var img Image
		var dt string
		var ref Ref
		if err := rows.Scan(&img.ID, &img.Name, &dt, &img.Footprint.Left, &img.Footprint.Right,
			&img.Footprint.Bottom, &img.Footprint.Top, &img.SRS, &ref.Band, &ref.Descriptor, &ref.BandNum); err != nil {
			return nil, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
		}
		if n := len(out); n > 0 && out[n-1].ID == img.ID {
			out[n-1].Refs = append(out[n-1].Refs, ref)
			continue
		}
		if img.Datetime, err = parseStoredTime(dt); err != nil {
			return nil, err
		}
		img.Refs = []Ref{ref}
		out = append(out, img)
	}
	return out, rows.Err()
}

// Info summarizes a collection.
type Info struct {
	Path          string
	Format        string
	FormatVersion string
	Images        int
	Refs          int
	Bands         []Band
	Extent        view.Extent
}

// Info returns a summary of the collection. The extent is in EPSG:4326.
func (c *Collection) Info(ctx context.Context) (Info, error) {
	info := Info{Path: c.path, Format: c.format.Name, FormatVersion: c.format.Version, Bands: c.Bands()}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&info.Images); err != nil {
		return Info{}, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gdalrefs`).Scan(&info.Refs); err != nil {
		return Info{}, cubeerr.Wrapf(cubeerr.ErrCatalog, "%v", err)
	}
	if info.Images > 0 {
		ext, err := c.Extent(ctx, "")
		if err != nil {
			return Info{}, err
		}
		info.Extent = ext
	}
	return info, nil
}
