// Package cubefile reads and writes packaged cube files: a zip archive with
// a JSON header entry and one zstd-compressed entry per non-empty chunk.
package cubefile

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/view"
)

// HeaderEntry is the name of the header entry in the archive.
const HeaderEntry = ".zcube"

const formatVersion = 1

// Compression names.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// BandMeta describes a stored band.
type BandMeta struct {
	Name   string   `json:"name"`
	Type   string   `json:"type,omitempty"`
	Offset float64  `json:"offset,omitempty"`
	Scale  float64  `json:"scale,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	NoData *float64 `json:"nodata,omitempty"`
}

// Header is the JSON document describing a packaged cube.
type Header struct {
	Version     int             `json:"version"`
	Grid        view.Grid       `json:"grid"`
	Bands       []BandMeta      `json:"bands"`
	ChunkSize   chunk.Size      `json:"chunk_size"`
	Packing     *raster.Packing `json:"packing,omitempty"`
	Compression string          `json:"compression"`
	Level       int             `json:"level,omitempty"`
	// Chunks lists the ids of stored chunks; missing ids are entirely no-data.
	Chunks []int `json:"chunks"`
}

// Layout returns the chunk layout of the stored cube.
func (h Header) Layout() chunk.Layout {
	nt, ny, nx := h.Grid.Size()
	return chunk.NewLayout(nt, ny, nx, h.ChunkSize)
}

func (h Header) storedType() string {
	if h.Packing == nil {
		return "float64"
	}
	return h.Packing.Type
}

func entryName(id int) string { return fmt.Sprintf("chunks/%d", id) }

func typeSize(t string) (int, error) {
	switch t {
	case "uint8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "uint32", "int32", "float32":
		return 4, nil
	case "float64":
		return 8, nil
	}
	return 0, cubeerr.Configf("unsupported stored type %q", t)
}

func putValue(buf []byte, t string, v float64) {
	switch t {
	case "uint8":
		buf[0] = uint8(v)
	case "uint16":
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case "int16":
		binary.LittleEndian.PutUint16(buf, uint16(int16(v)))
	case "uint32":
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case "int32":
		binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
	case "float32":
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	}
}

func getValue(buf []byte, t string) float64 {
	switch t {
	case "uint8":
		return float64(buf[0])
	case "uint16":
		return float64(binary.LittleEndian.Uint16(buf))
	case "int16":
		return float64(int16(binary.LittleEndian.Uint16(buf)))
	case "uint32":
		return float64(binary.LittleEndian.Uint32(buf))
	case "int32":
		return float64(int32(binary.LittleEndian.Uint32(buf)))
	case "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	}
}

// Writer writes a packaged cube. Chunks may be written in any order but
// each at most once. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	zw     *zip.Writer
	header Header
	layout chunk.Layout
	enc    *zstd.Encoder
	closed bool
}

// NewWriter starts a packaged cube on w. Header.Chunks is filled in by the
// writer.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	h.Version = formatVersion
	h.Chunks = nil
	if h.Compression == "" {
		h.Compression = CompressionZstd
	}
	if h.Packing != nil {
		if err := h.Packing.Validate(len(h.Bands)); err != nil {
			return nil, err
		}
	}
	if _, err := typeSize(h.storedType()); err != nil {
		return nil, err
	}
	out := &Writer{zw: zip.NewWriter(w), header: h, layout: h.Layout()}
	switch h.Compression {
	case CompressionZstd:
		level := zstd.SpeedDefault
		if h.Level > 0 {
			level = zstd.EncoderLevelFromZstd(h.Level)
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, err
		}
		out.enc = enc
	case CompressionNone:
	default:
		return nil, cubeerr.Configf("unsupported compression %q", h.Compression)
	}
	return out, nil
}

// encode converts a chunk to its stored bytes.
func (w *Writer) encode(c *chunk.Chunk) ([]byte, error) {
	t := w.header.storedType()
	size, _ := typeSize(t)
	raw := make([]byte, len(c.Data)*size)
	per := c.Shape.T * c.Shape.Y * c.Shape.X
	for i, v := range c.Data {
		if p := w.header.Packing; p != nil {
			v = p.Pack(v, i/per)
		}
		putValue(raw[i*size:], t, v)
	}
	if w.enc != nil {
		return w.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	}
	return raw, nil
}

// WriteChunk stores one chunk. Chunks that are entirely no-data are
// skipped.
func (w *Writer) WriteChunk(id int, c *chunk.Chunk) error {
	if c.Empty() {
		return nil
	}
	want := w.layout.Region(w.layout.Coord(id)).Shape(len(w.header.Bands))
	if c.Shape != want {
		return cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "chunk %d has shape %s, want %s", id, c.Shape, want)
	}
	data, err := w.encode(c)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("cube file writer is closed")
	}
	f, err := w.zw.CreateHeader(&zip.FileHeader{Name: entryName(id), Method: zip.Store})
	if err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	if _, err := f.Write(data); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	w.header.Chunks = append(w.header.Chunks, id)
	return nil
}

// Close writes the header entry and finishes the archive.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.enc != nil {
		defer w.enc.Close()
	}
	hdr, err := json.MarshalIndent(w.header, "", "  ")
	if err != nil {
		return err
	}
	f, err := w.zw.Create(HeaderEntry)
	if err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	if _, err := f.Write(hdr); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	if err := w.zw.Close(); err != nil {
		return cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	return nil
}

// Reader reads a packaged cube. It is safe for concurrent use.
type Reader struct {
	zr      *zip.ReadCloser
	header  Header
	entries map[int]*zip.File
	dec     *zstd.Decoder
}

// Open opens a packaged cube file.
func Open(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "opening cube file %s: %v", path, err)
	}
	r := &Reader{zr: zr, entries: make(map[int]*zip.File)}
	var hdr *zip.File
	for _, f := range zr.File {
		if f.Name == HeaderEntry {
			hdr = f
			continue
		}
		var id int
		if _, err := fmt.Sscanf(f.Name, "chunks/%d", &id); err == nil {
			r.entries[id] = f
		}
	}
	if hdr == nil {
		zr.Close()
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "%s has no %s header", path, HeaderEntry)
	}
	rc, err := hdr.Open()
	if err != nil {
		zr.Close()
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	err = json.NewDecoder(rc).Decode(&r.header)
	rc.Close()
	if err != nil {
		zr.Close()
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "corrupt header in %s: %v", path, err)
	}
	if r.header.Version != formatVersion {
		zr.Close()
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "%s has unsupported version %d", path, r.header.Version)
	}
	if r.header.Compression == CompressionZstd {
		if r.dec, err = zstd.NewReader(nil); err != nil {
			zr.Close()
			return nil, err
		}
	}
	return r, nil
}

// Header returns the decoded header.
func (r *Reader) Header() Header { return r.header }

// ReadChunk decodes one chunk. Chunks absent from the file are all no-data.
func (r *Reader) ReadChunk(id int) (*chunk.Chunk, error) {
	layout := r.header.Layout()
	shape := layout.Region(layout.Coord(id)).Shape(len(r.header.Bands))
	f, ok := r.entries[id]
	if !ok {
		return chunk.New(shape), nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "%v", err)
	}
	if r.dec != nil {
		if raw, err = r.dec.DecodeAll(raw, nil); err != nil {
			return nil, cubeerr.Wrapf(cubeerr.ErrIO, "decompressing chunk %d: %v", id, err)
		}
	}
	t := r.header.storedType()
	size, err := typeSize(t)
	if err != nil {
		return nil, err
	}
	if len(raw) != shape.Len()*size {
		return nil, cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "chunk %d holds %d bytes, want %d", id, len(raw), shape.Len()*size)
	}
	out := &chunk.Chunk{Shape: shape, Data: make([]float64, shape.Len())}
	per := shape.T * shape.Y * shape.X
	for i := range out.Data {
		v := getValue(raw[i*size:], t)
		if p := r.header.Packing; p != nil {
			v = p.Unpack(v, i/per)
		}
		out.Data[i] = v
	}
	return out, nil
}

// Close releases the file.
func (r *Reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.zr.Close()
}
