package swarm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cubeerr"
	"github.com/vk/cubegrid/internal/metrics"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
	"golang.org/x/sync/errgroup"
)

// PoolOptions configure a Pool.
type PoolOptions struct {
	// ConnectTimeout bounds the socket.io handshake with each worker.
	ConnectTimeout time.Duration
	// TaskTimeout bounds a single chunk task; zero means no limit besides
	// the caller's context.
	TaskTimeout        time.Duration
	InsecureSkipVerify bool
}

// peer is one connected worker. Replies are matched to waiting tasks by id.
type peer struct {
	addr    string
	send    func(payload string)
	close   func()
	mu      sync.Mutex
	pending map[string]chan Result
}

func newPeer(addr string) *peer {
	return &peer{addr: addr, pending: make(map[string]chan Result)}
}

// deliver hands a reply to the task waiting for it. Unknown ids belong to
// tasks that already gave up and are dropped.
func (p *peer) deliver(args ...any) {
	raw, err := payload(args)
	if err != nil {
		return
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return
	}
	p.mu.Lock()
	ch, ok := p.pending[r.ID]
	delete(p.pending, r.ID)
	p.mu.Unlock()
	if ok {
		ch <- r
	}
}

// failAll wakes every waiting task with err.
func (p *peer) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		ch <- Result{ID: id, Error: err.Error(), Kind: "io"}
		delete(p.pending, id)
	}
}

func (p *peer) evaluate(ctx context.Context, graph []byte, c chunk.Coord) (*chunk.Chunk, error) {
	task := Task{ID: uuid.NewString(), Graph: graph, Coord: c}
	msg, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)
	p.mu.Lock()
	p.pending[task.ID] = ch
	p.mu.Unlock()

	p.send(string(msg))
	select {
	case r := <-ch:
		return r.decode(p.addr)
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, task.ID)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Pool dispatches chunk tasks round-robin over connected workers. It
// implements executor.Remote.
type Pool struct {
	peers []*peer
	next  atomic.Uint64
	opts  PoolOptions
}

// Dial connects to every worker address. It fails if any worker cannot be
// reached.
func Dial(ctx context.Context, addrs []string, opts PoolOptions) (*Pool, error) {
	if len(addrs) == 0 {
		return nil, cubeerr.Configf("swarm needs at least one worker address")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	peers := make([]*peer, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		g.Go(func() error {
			p, err := connect(gctx, addr, opts)
			if err != nil {
				return err
			}
			peers[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range peers {
			if p != nil {
				p.close()
			}
		}
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("🐝 Connected to swarm.", "workers", len(peers))
	return newPool(peers, opts), nil
}

func newPool(peers []*peer, opts PoolOptions) *Pool {
	return &Pool{peers: peers, opts: opts}
}

// connect performs the socket.io handshake with one worker.
func connect(ctx context.Context, addr string, opts PoolOptions) (*peer, error) {
	logger := ctxlog.FromContext(ctx).With("worker", addr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	parsedURL, err := url.Parse(addr)
	if err != nil {
		return nil, cubeerr.Configf("invalid worker address %q: %v", addr, err)
	}

	sopts := socket.DefaultOptions()
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		sopts.SetPath(parsedURL.Path)
	}
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sopts)
	io := manager.Socket("/", sopts)

	p := newPeer(parsedURL.Host)
	p.send = func(msg string) { io.Emit(EventEvaluate, msg) }
	p.close = func() { io.Disconnect() }

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to worker.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})
	io.On(types.EventName(EventResult), p.deliver)
	io.On(types.EventName("disconnect"), func(...any) {
		logger.Warn("Worker disconnected.")
		p.failAll(fmt.Errorf("worker %s disconnected", p.addr))
	})

	io.Connect()
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, cubeerr.Wrapf(cubeerr.ErrIO, "connecting to worker %s: %v", p.addr, err)
		}
		return p, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, ctx.Err()
	case <-time.After(opts.ConnectTimeout):
		io.Disconnect()
		return nil, cubeerr.Wrapf(cubeerr.ErrIO, "timed out after %s connecting to worker %s", opts.ConnectTimeout, p.addr)
	}
}

// Size returns the number of connected workers.
func (p *Pool) Size() int { return len(p.peers) }

// Evaluate sends one chunk task to the next worker.
func (p *Pool) Evaluate(ctx context.Context, graph []byte, c chunk.Coord) (*chunk.Chunk, error) {
	pr := p.peers[(p.next.Add(1)-1)%uint64(len(p.peers))]
	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}
	out, err := pr.evaluate(ctx, graph, c)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RemoteChunks.WithLabelValues(pr.addr, result).Inc()
	return out, err
}

// Close disconnects from every worker.
func (p *Pool) Close() error {
	for _, pr := range p.peers {
		pr.failAll(errors.New("swarm pool closed"))
		pr.close()
	}
	return nil
}
