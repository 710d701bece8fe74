// Package swarm distributes chunk evaluation over remote workers. Workers
// run a socket.io server; the Pool connects to each of them and sends chunk
// tasks carrying the serialized subgraph of the requested node.
package swarm

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/stream"
)

// Event names.
const (
	EventEvaluate = "evaluate_chunk"
	EventResult   = "chunk_result"
)

// Task asks a worker to materialize one chunk of the root of Graph.
type Task struct {
	ID    string          `json:"id"`
	Graph json.RawMessage `json:"graph"`
	Coord chunk.Coord     `json:"coord"`
}

// Result answers a Task. Chunk holds the base64 of the stream encoding of
// the chunk; on failure Error and Kind are set instead.
type Result struct {
	ID    string `json:"id"`
	Chunk string `json:"chunk,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

var kinds = []struct {
	name string
	err  error
}{
	{"configuration", cubeerr.ErrConfiguration},
	{"catalog", cubeerr.ErrCatalog},
	{"io", cubeerr.ErrIO},
	{"shape_mismatch", cubeerr.ErrShapeMismatch},
	{"external_process", cubeerr.ErrExternalProcess},
}

// kindOf names the taxonomy kind of err, or "" when it has none.
func kindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// encodeResult builds the reply for a materialized chunk or a failure.
func encodeResult(id string, c *chunk.Chunk, err error) Result {
	if err != nil {
		return Result{ID: id, Error: err.Error(), Kind: kindOf(err)}
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf, c); err != nil {
		return Result{ID: id, Error: err.Error(), Kind: kindOf(err)}
	}
	return Result{ID: id, Chunk: base64.StdEncoding.EncodeToString(buf.Bytes())}
}

// decode turns a reply back into a chunk or an error matching the remote
// failure's kind.
func (r Result) decode(peer string) (*chunk.Chunk, error) {
	if r.Error != "" {
		for _, k := range kinds {
			if k.name == r.Kind {
				return nil, cubeerr.Wrapf(k.err, "worker %s: %s", peer, r.Error)
			}
		}
		return nil, fmt.Errorf("worker %s: %s", peer, r.Error)
	}
	raw, err := base64.StdEncoding.DecodeString(r.Chunk)
	if err != nil {
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "worker %s sent an undecodable chunk: %v", peer, err)
	}
	c, err := stream.Decode(bytes.NewReader(raw), chunk.Shape{})
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", peer, err)
	}
	return c, nil
}

// payload extracts the JSON text of an event argument. Messages are sent as
// strings; decoded objects are re-marshalled.
func payload(args []any) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("empty message")
	}
	switch v := args[0].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
