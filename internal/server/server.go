// ============================================================================
// fractiles RenderService - remote frame rendering over gRPC
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Serve whole frames to remote callers from the shared worker pool
//
// Request flow:
//   1. Decode the Struct into a RenderRequest (InvalidArgument on failure)
//   2. Coalesce identical in-flight requests with singleflight
//   3. Render with a fresh renderer over the shared pool, foreground priority
//   4. Encode the frame (png/bmp/tiff) into a BytesValue
//
// Error mapping:
//   invalid request        -> codes.InvalidArgument
//   pool shut down         -> codes.Unavailable
//   some tiles failed      -> codes.Internal
//   caller gave up         -> codes.Canceled / codes.DeadlineExceeded
//
// ============================================================================

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/fractiles/internal/metrics"
	"github.com/ChuLiYu/fractiles/internal/renderer"
	"github.com/ChuLiYu/fractiles/internal/snapshot"
	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

// Defaults
const (
	DefaultMaxCanvas     = 4096
	DefaultRenderTimeout = 30 * time.Second
)

var errPoolClosed = errors.New("worker pool is shut down")

// Pool is what the service needs from the worker pool
type Pool interface {
	renderer.TileComputer
	Stats() worker.PoolStats
	IsClosed() bool
}

// Option customizes a Server
type Option func(*Server)

// WithTileSize sets the renderer tile edge
func WithTileSize(n int) Option {
	return func(s *Server) { s.tileSize = n }
}

// WithMaxCanvas bounds the requested width and height
func WithMaxCanvas(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxCanvas = n
		}
	}
}

// WithRenderTimeout bounds one coalesced render
func WithRenderTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics reports frames to c
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLogger sets the server logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server implements RenderServiceServer
type Server struct {
	pool      Pool
	tileSize  int
	maxCanvas int
	timeout   time.Duration
	metrics   *metrics.Collector
	log       *slog.Logger

	group    singleflight.Group
	seq      atomic.Uint64
	requests atomic.Uint64 // Render calls received
	renders  atomic.Uint64 // renders actually performed
	waiting  atomic.Int64  // callers currently waiting on a render
}

// NewServer creates the service over a pool it does not own
func NewServer(pool Pool, opts ...Option) *Server {
	s := &Server{
		pool:      pool,
		tileSize:  renderer.DefaultTileSize,
		maxCanvas: DefaultMaxCanvas,
		timeout:   DefaultRenderTimeout,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "render-service")
	return s
}

// Render implements RenderServiceServer
func (s *Server) Render(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	s.requests.Add(1)

	req, err := ParseRenderRequest(in, s.maxCanvas)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.pool.IsClosed() {
		return nil, status.Error(codes.Unavailable, errPoolClosed.Error())
	}

	key := fmt.Sprintf("%dx%d/%s/%s", req.Width, req.Height, req.Format, types.ViewKey(req.Fractal, req.Params))
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.render(req)
	})
	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	select {
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.log.Debug("Render coalesced", "key", key)
		}
		return wrapperspb.Bytes(res.Val.([]byte)), nil
	}
}

// render performs one frame and encodes it
func (s *Server) render(req RenderRequest) ([]byte, error) {
	s.renders.Add(1)
	start := time.Now()

	r := renderer.New(s.pool,
		renderer.WithName(fmt.Sprintf("rpc-%d", s.seq.Add(1))),
		renderer.WithTileSize(s.tileSize),
		renderer.WithMetrics(s.metrics),
		renderer.WithLogger(s.log))

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	frame, err := r.Render(req.Width, req.Height, req.Params, req.Fractal).Wait(ctx)
	if err != nil {
		r.Cleanup()
		return nil, status.FromContextError(err).Err()
	}
	if frame.Stats.Failed > 0 {
		if s.pool.IsClosed() {
			return nil, status.Error(codes.Unavailable, errPoolClosed.Error())
		}
		return nil, status.Errorf(codes.Internal, "%d of %d tiles failed", frame.Stats.Failed, frame.Stats.Tiles)
	}

	var buf bytes.Buffer
	if err := snapshot.Encode(&buf, frame.Buffer.Image(), req.Format); err != nil {
		return nil, status.Errorf(codes.Internal, "encode frame: %v", err)
	}

	s.log.Info("Frame rendered",
		"fractal", req.Fractal,
		"width", req.Width,
		"height", req.Height,
		"format", req.Format,
		"bytes", buf.Len(),
		"duration", time.Since(start))
	return buf.Bytes(), nil
}

// Stats implements RenderServiceServer
func (s *Server) Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	pool := s.pool.Stats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"workers":   pool.Workers,
		"busy":      pool.Busy,
		"queued":    pool.Queued,
		"in_flight": pool.InFlight,
		"requests":  s.requests.Load(),
		"renders":   s.renders.Load(),
		"waiting":   s.waiting.Load(),
		"closed":    s.pool.IsClosed(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build stats: %v", err)
	}
	return out, nil
}
