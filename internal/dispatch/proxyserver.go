package dispatch

import (
	"context"
	"net"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/wire"
)

// ProxyServer is cmd/posh-proxyd's engine: it accepts control connections
// carrying SubgraphRequests, runs the assigned subgraph locally, and
// demultiplexes incoming data connections onto the right StreamEdge by
// the 16-byte key every data connection opens with.
type ProxyServer struct {
	zerolog.Logger

	Self   mount.ProxyID
	TmpDir string

	// Folder is this proxy's local mount root: every suffix path in an
	// assigned subgraph is opened relative to it.
	Folder string

	// DataPort is the port ServeData listens on for raw StreamKey-prefixed
	// data connections; reported back to the client in every SubgraphAck.
	DataPort int

	mu        sync.Mutex
	pipelines map[string]*pipelineState

	// keyIndex demultiplexes incoming data connections by StreamKey; it
	// is hit concurrently by every handleData goroutine, hence the
	// lock-free map rather than mu.
	keyIndex *xsync.Map[[wire.StreamKeyLen]byte, *edgeBinding]

	metrics *metricSet
}

type pipelineState struct {
	sg *Subgraph
}

type edgeBinding struct {
	pipeline *pipelineState
	edgeID   string
}

// NewProxyServer constructs a server identified as self.
func NewProxyServer(log zerolog.Logger, self mount.ProxyID, folder, tmpDir string) *ProxyServer {
	return &ProxyServer{
		Logger: log, Self: self, Folder: folder, TmpDir: tmpDir,
		pipelines: make(map[string]*pipelineState),
		keyIndex:  xsync.NewMap[[wire.StreamKeyLen]byte, *edgeBinding](),
		metrics:   newMetricSet(),
	}
}

// Metrics exposes the server's VictoriaMetrics set so internal/trace can
// scrape it through its own /metrics handler.
func (p *ProxyServer) Metrics() *metrics.Set { return p.metrics.Set() }

// ServeControl accepts control connections on ln until ctx is canceled.
func (p *ProxyServer) ServeControl(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go p.handleControl(ctx, conn)
	}
}

func (p *ProxyServer) handleControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		env, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		switch env.Kind {
		case wire.MsgSubgraphRequest:
			p.handleSubgraphRequest(ctx, conn, env.SubgraphRequest)
		case wire.MsgCancelPipeline:
			p.handleCancel(env.CancelPipeline)
		}
	}
}

func (p *ProxyServer) handleSubgraphRequest(ctx context.Context, conn net.Conn, req *wire.SubgraphRequest) {
	g := &wire.Graph{PipelineID: req.PipelineID, Nodes: req.Nodes, Edges: req.Edges}

	sg, err := NewSubgraph(ctx, p.Logger, g, p.Self, p.Folder, p.metrics, nil)
	if err != nil {
		wire.WriteFrame(conn, &wire.Envelope{Kind: wire.MsgPipelineResult, PipelineResult: &wire.PipelineResult{
			PipelineID: req.PipelineID, Error: err.Error(),
		}})
		return
	}
	ps := &pipelineState{sg: sg}

	p.mu.Lock()
	p.pipelines[req.PipelineID] = ps
	p.mu.Unlock()
	for _, e := range req.Edges {
		key := wire.StreamKey(req.PipelineID, e.ID)
		p.keyIndex.Store(key, &edgeBinding{pipeline: ps, edgeID: e.ID})
	}

	if err := sg.Start(); err != nil {
		wire.WriteFrame(conn, &wire.Envelope{Kind: wire.MsgPipelineResult, PipelineResult: &wire.PipelineResult{
			PipelineID: req.PipelineID, Error: err.Error(),
		}})
		return
	}

	// This proxy is always the listening side for every data stream it
	// participates in (the client dials it, see internal/dispatch's
	// client-side Dispatcher); the port is fixed at server startup and
	// shared across pipelines.
	wire.WriteFrame(conn, &wire.Envelope{Kind: wire.MsgSubgraphAck, SubgraphAck: &wire.SubgraphAck{
		PipelineID: req.PipelineID, Ports: map[string]int{"data": p.DataPort},
	}})

	go func() {
		codes, err := sg.Wait()
		res := &wire.PipelineResult{PipelineID: req.PipelineID, ExitCodes: codes}
		if err != nil {
			res.Error = err.Error()
		}
		wire.WriteFrame(conn, &wire.Envelope{Kind: wire.MsgPipelineResult, PipelineResult: res})
		sg.Cancel(nil)

		p.mu.Lock()
		delete(p.pipelines, req.PipelineID)
		p.mu.Unlock()
		for _, e := range req.Edges {
			p.keyIndex.Delete(wire.StreamKey(req.PipelineID, e.ID))
		}
	}()
}

func (p *ProxyServer) handleCancel(c *wire.CancelPipeline) {
	p.mu.Lock()
	ps := p.pipelines[c.PipelineID]
	p.mu.Unlock()
	if ps != nil {
		p.metrics.pipelineCanceled(c.PipelineID)
		ps.sg.Stop(ErrNodeStopped)
	}
}

// ServeData accepts data connections on ln until ctx is canceled. Each
// connection opens with a 16-byte StreamKey identifying the
// (pipeline_id, edge_id) it carries bytes for; unrecognized keys are
// dropped (the pipeline may have already finished, or the client raced
// the Ack).
func (p *ProxyServer) ServeData(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go p.handleData(conn)
	}
}

func (p *ProxyServer) handleData(conn net.Conn) {
	key, err := wire.ReadStreamKey(conn)
	if err != nil {
		conn.Close()
		return
	}
	b, ok := p.keyIndex.Load(key)
	if !ok {
		p.Warn().Msg("data connection for unknown stream key")
		conn.Close()
		return
	}
	b.pipeline.sg.AttachRemote(b.edgeID, conn, nil)
}
