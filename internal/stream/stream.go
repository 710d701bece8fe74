// Package stream exchanges chunks with external processes: a chunk is
// written to the process's stdin as a fixed binary layout and the
// process's stdout is parsed back into a chunk.
//
// The layout is four little-endian int32 dimension sizes (bands, time, y,
// x) followed by the samples as little-endian float64 in band-major order.
// No-data is NaN.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"golang.org/x/sync/errgroup"
)

// Environment variables set for streamed processes.
const (
	EnvStreaming = "CUBEGRID_STREAMING"
	EnvCoord     = "CUBEGRID_CHUNK_COORD"
	EnvBands     = "CUBEGRID_BANDS"
)

// headerSize is the byte length of the dimension header.
const headerSize = 4 * 4

// maxSamples bounds decoded buffers so a corrupt header cannot allocate
// unbounded memory.
const maxSamples = 1 << 31

// Encode writes c in the stream layout.
func Encode(w io.Writer, c *chunk.Chunk) error {
	bw := bufio.NewWriter(w)
	var hdr [headerSize]byte
	for i, n := range []int{c.Shape.B, c.Shape.T, c.Shape.Y, c.Shape.X} {
		binary.LittleEndian.PutUint32(hdr[i*4:], uint32(int32(n)))
	}
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	var buf [8]byte
	for _, v := range c.Data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode reads a stream holding exactly one chunk. Truncated, malformed or
// trailing input fails with ErrExternalProcess. A non-zero want is checked
// against the header before any sample is allocated and a mismatch fails
// with ErrShapeMismatch.
func Decode(r io.Reader, want chunk.Shape) (*chunk.Chunk, error) {
	br := bufio.NewReader(r)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrExternalProcess, "reading stream header: %v", err)
	}
	var dims [4]int
	for i := range dims {
		dims[i] = int(int32(binary.LittleEndian.Uint32(hdr[i*4:])))
		if dims[i] <= 0 {
			return nil, cubeerr.Wrapf(cubeerr.ErrExternalProcess, "stream header has non-positive size %v", dims)
		}
	}
	shape := chunk.Shape{B: dims[0], T: dims[1], Y: dims[2], X: dims[3]}
	if want != (chunk.Shape{}) && shape != want {
		return nil, cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "stream header announces %s, want %s", shape, want)
	}
	if n := shape.Len(); n <= 0 || n > maxSamples {
		return nil, cubeerr.Wrapf(cubeerr.ErrExternalProcess, "stream shape %s is too large", shape)
	}
	c := &chunk.Chunk{Shape: shape, Data: make([]float64, shape.Len())}
	var buf [8]byte
	for i := range c.Data {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, cubeerr.Wrapf(cubeerr.ErrExternalProcess, "stream ended after %d of %d samples: %v", i, len(c.Data), err)
		}
		c.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
	}
	if n, _ := io.Copy(io.Discard, br); n > 0 {
		return nil, cubeerr.Wrapf(cubeerr.ErrExternalProcess, "stream has %d bytes after the chunk", n)
	}
	return c, nil
}

// Meta describes the chunk handed to a process.
type Meta struct {
	Coord chunk.Coord
	Bands []string
	// Want is the shape the process must return; zero accepts any.
	Want chunk.Shape
}

// waitDelay bounds how long Run waits for the process's output to close
// once it has been stopped.
const waitDelay = 2 * time.Second

// Run executes command through the shell, feeds it in and returns the
// chunk it writes back. A non-zero exit fails with ErrExternalProcess
// carrying the tail of the process's stderr. Canceling ctx kills the
// process together with everything it started.
func Run(ctx context.Context, command string, in *chunk.Chunk, meta Meta) (*chunk.Chunk, error) {
	if strings.TrimSpace(command) == "" {
		return nil, cubeerr.Configf("empty stream command")
	}
	logger := ctxlog.FromContext(ctx)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(),
		EnvStreaming+"=1",
		fmt.Sprintf("%s=%d,%d,%d", EnvCoord, meta.Coord.T, meta.Coord.Y, meta.Coord.X),
		EnvBands+"="+strings.Join(meta.Bands, ","),
	)
	cmd.WaitDelay = waitDelay
	killGroup(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stream stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stream stdout: %w", err)
	}
	logger.Debug("Starting stream process.", "command", command, "shape", in.Shape.String())
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stream %q stopped: %w", command, ctx.Err())
		}
		return nil, cubeerr.Wrapf(cubeerr.ErrExternalProcess, "starting %q: %v", command, err)
	}
	// A descendant that escaped the kill may still hold the pipes open.
	stop := context.AfterFunc(ctx, func() {
		_ = stdin.Close()
		_ = stdout.Close()
	})
	defer stop()

	var out *chunk.Chunk
	var eg errgroup.Group
	eg.Go(func() error {
		defer stdin.Close()
		if err := Encode(stdin, in); err != nil && !errors.Is(err, os.ErrClosed) {
			// A process may exit without consuming its input; its exit
			// status decides.
			logger.Debug("Stream process stopped reading input.", "error", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		out, err = Decode(stdout, meta.Want)
		// The process must never block on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
		return err
	})
	decodeErr := eg.Wait()
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("stream %q stopped: %w", command, ctx.Err())
	}
	if waitErr != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrExternalProcess, "%q failed: %v: %s", command, waitErr, tail(stderr.String(), 512))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%q: %w", command, decodeErr)
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
