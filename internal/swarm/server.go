package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/executor"
	"github.com/vk/cubegrid/internal/metrics"
	"github.com/zishang520/socket.io/v2/socket"
)

// graphCacheSize bounds how many decoded subgraphs a worker keeps open.
const graphCacheSize = 16

type cachedGraph struct {
	g    *cube.Graph
	root cube.NodeID
}

// Server is a swarm worker: it evaluates chunk tasks received over
// socket.io with a local executor.
type Server struct {
	ctx    context.Context
	env    cube.Env
	ex     *executor.Executor
	io     *socket.Server
	graphs *lru.Cache[[sha256.Size]byte, cachedGraph]
	// inUse is held shared while a graph is evaluated; evicted graphs are
	// closed under the exclusive lock.
	inUse sync.RWMutex
	// sem bounds concurrently evaluated tasks to the executor's pool size.
	sem chan struct{}
}

// NewServer creates a worker evaluating against env. ctx carries the logger
// and bounds every task.
func NewServer(ctx context.Context, env cube.Env, ex *executor.Executor) (*Server, error) {
	s := &Server{
		ctx: ctx,
		env: env,
		ex:  ex,
		io:  socket.NewServer(nil, nil),
		sem: make(chan struct{}, ex.Workers()),
	}
	graphs, err := lru.NewWithEvict(graphCacheSize, func(_ [sha256.Size]byte, cg cachedGraph) {
		go func() {
			s.inUse.Lock()
			defer s.inUse.Unlock()
			_ = cg.g.Close()
		}()
	})
	if err != nil {
		return nil, err
	}
	s.graphs = graphs
	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.serveClient(client)
	})
	return s, nil
}

func (s *Server) serveClient(client *socket.Socket) {
	logger := ctxlog.FromContext(s.ctx).With("client", client.Id())
	logger.Debug("Client connected.")
	var emitMu sync.Mutex
	reply := func(r Result) {
		msg, err := json.Marshal(r)
		if err != nil {
			logger.Error("Encoding chunk result failed.", "error", err)
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		client.Emit(EventResult, string(msg))
	}
	client.On(EventEvaluate, func(args ...any) {
		raw, err := payload(args)
		if err != nil {
			logger.Warn("Dropping malformed task.", "error", err)
			return
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			logger.Warn("Dropping malformed task.", "error", err)
			return
		}
		go func() {
			reply(s.Handle(task))
		}()
	})
	client.On("disconnect", func(...any) {
		logger.Debug("Client disconnected.")
	})
}

// Handle evaluates one task. It is the transport independent core of the
// worker.
func (s *Server) Handle(task Task) Result {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.ctx.Done():
		return encodeResult(task.ID, nil, s.ctx.Err())
	}
	ctx := ctxlog.With(s.ctx, "task", task.ID, "chunk", task.Coord.String())
	c, err := s.evaluate(ctx, task.Graph, task.Coord)
	result := "ok"
	if err != nil {
		result = "error"
		ctxlog.FromContext(ctx).Warn("Chunk task failed.", "error", err)
	}
	metrics.ServedChunks.WithLabelValues(result).Inc()
	return encodeResult(task.ID, c, err)
}

func (s *Server) evaluate(ctx context.Context, doc []byte, c chunk.Coord) (*chunk.Chunk, error) {
	s.inUse.RLock()
	defer s.inUse.RUnlock()
	key := sha256.Sum256(doc)
	cg, ok := s.graphs.Get(key)
	if !ok {
		g, root, err := cube.FromJSON(ctx, s.env, doc)
		if err != nil {
			return nil, err
		}
		cg = cachedGraph{g: g, root: root}
		if prev, loaded, _ := s.graphs.PeekOrAdd(key, cg); loaded {
			_ = g.Close()
			cg = prev
		}
	}
	return s.ex.Evaluate(ctx, cg.g, cg.root, c)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(s.ctx).Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// Handler serves socket.io, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.io.ServeHandler(nil))
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// ListenAndServe runs the worker on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	logger := ctxlog.FromContext(s.ctx)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("🐝 Swarm worker listening", "address", addr, "workers", s.ex.Workers())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("swarm worker failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("🐝 Shutting down swarm worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	return srv.Shutdown(shutdownCtx)
}

// Close stops the socket.io server and releases cached graphs.
func (s *Server) Close() {
	s.io.Close(nil)
	s.graphs.Purge()
}
