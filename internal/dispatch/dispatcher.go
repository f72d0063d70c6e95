// Package dispatch spawns the nodes of an ExecutionGraph and forwards
// bytes along its edges. It is used by both cmd/posh (as the Client-side
// orchestrator) and cmd/posh-proxyd (as the executor of whatever
// subgraph the client assigns to that proxy).
package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/wire"
)

// EventSink receives live execution events, feeding internal/trace's
// websocket viewers. Implementations must not block.
type EventSink interface {
	NodeStarted(pipelineID, nodeID string)
	NodeExited(pipelineID, nodeID string, exitCode int)
}

// Subgraph executes the portion of a wire.Graph whose nodes live at one
// Location: it starts every NodeProcess/NodeFile node there, wires every
// edge with both endpoints local to it as a direct pipe, and exposes a
// stream for every edge crossing to a different Location so the caller
// (the client's Dispatcher, or cmd/posh-proxyd's control loop) can attach
// it to a network connection.
//
// One struct owns the context, the logger, and the waitgroups that
// track when it is safe to tear down.
type Subgraph struct {
	zerolog.Logger

	Ctx    context.Context
	Cancel context.CancelCauseFunc

	loc     mount.ProxyID
	graph   *wire.Graph
	root    string // proxy-local mount root; "" at the Client
	metrics *metricSet
	sink    EventSink

	runners map[string]*NodeRunner
	wg      sync.WaitGroup // every process Run() + every local edge forwarder

	remoteOut map[string]io.Reader // edge id -> reader the caller must send out over the network
	remoteIn  map[string]io.Writer // edge id -> writer the caller must feed from the network

	mu      sync.Mutex
	cond    *sync.Cond     // signals pending-attachment changes; guards by mu
	pending map[string]bool // remote edges not yet bound to a network stream
	stopped bool
	results map[string]int // node id -> exit code, for NodeProcess nodes only
	errs    []error
}

// NewSubgraph prepares (but does not start) every node g assigns to loc.
// root is the proxy's local mount root ("" at the Client); sink may be nil.
func NewSubgraph(ctx context.Context, log zerolog.Logger, g *wire.Graph, loc mount.ProxyID, root string, metrics *metricSet, sink EventSink) (*Subgraph, error) {
	sg := &Subgraph{
		graph: g, loc: loc, root: root, metrics: metrics, sink: sink,
		runners:   make(map[string]*NodeRunner),
		remoteOut: make(map[string]io.Reader),
		remoteIn:  make(map[string]io.Writer),
		pending:   make(map[string]bool),
		results:   make(map[string]int),
	}
	sg.cond = sync.NewCond(&sg.mu)
	sg.Ctx, sg.Cancel = context.WithCancelCause(ctx)
	sg.Logger = log.With().Str("location", loc.String()).Logger()

	for _, n := range g.NodesAt(loc) {
		if n.Kind == wire.NodeAggregator {
			continue // aggregators are always Client-local; the Dispatcher drives them
		}
		r := NewNodeRunner(sg.Ctx, sg.Logger, n, fdUseOf(g, n.ID), loc.IsClient(), root)
		if err := r.Prepare(); err != nil {
			sg.teardown()
			return nil, fmt.Errorf("subgraph: prepare %s: %w", n.ID, err)
		}
		sg.runners[n.ID] = r
	}
	return sg, nil
}

// fdUseOf reports which standard descriptors of node id the graph has
// edges for; the rest stay unwired (inherited at the Client, closed on a
// proxy).
func fdUseOf(g *wire.Graph, id string) fdUse {
	var use fdUse
	for _, e := range g.Edges {
		if e.SrcNode == id {
			use[e.SrcFD] = true
		}
		if e.DstNode == id {
			use[e.DstFD] = true
		}
	}
	return use
}

// Start runs every local process node and wires every local edge. Edges
// crossing to another Location are exposed via AttachRemote for the
// caller to bind a network stream to.
func (sg *Subgraph) Start() error {
	for id, r := range sg.runners {
		if r.Node.Kind != wire.NodeProcess {
			continue // file endpoints are passive; their edges drive them
		}
		id, r := id, r
		sg.wg.Add(1)
		go func() {
			defer sg.wg.Done()
			sg.metrics.nodeSpawned(id)
			if sg.sink != nil {
				sg.sink.NodeStarted(sg.graph.PipelineID, id)
			}
			if err := r.Run(); err != nil {
				sg.addErr(err)
			}
			sg.mu.Lock()
			sg.results[id] = r.ExitCode()
			sg.mu.Unlock()
			if sg.sink != nil {
				sg.sink.NodeExited(sg.graph.PipelineID, id, r.ExitCode())
			}
		}()
	}

	for _, e := range sg.graph.Edges {
		srcHere := sg.runners[e.SrcNode] != nil
		dstHere := sg.runners[e.DstNode] != nil
		if !srcHere && !dstHere {
			continue
		}
		if srcHere && dstHere {
			sg.wireLocal(e)
			continue
		}
		// At the Client, aggregator-adjacent edges are driven directly by
		// the Dispatcher through Runner(); only genuinely remote edges
		// wait for an AttachRemote.
		if srcHere && !(sg.loc.IsClient() && sg.isAggregator(e.DstNode)) {
			sg.remoteOut[e.ID] = sg.endpointReader(e)
			sg.pending[e.ID] = true
		}
		if dstHere && !(sg.loc.IsClient() && sg.isAggregator(e.SrcNode)) {
			sg.remoteIn[e.ID] = sg.endpointWriter(e)
			sg.pending[e.ID] = true
		}
	}

	// Release Wait's pending-attachment gate if the run is canceled
	// before every remote edge got its stream.
	if len(sg.pending) > 0 {
		go func() {
			<-sg.Ctx.Done()
			sg.mu.Lock()
			sg.stopped = true
			sg.cond.Broadcast()
			sg.mu.Unlock()
		}()
	}
	return nil
}

func (sg *Subgraph) isAggregator(nodeID string) bool {
	n, ok := sg.graph.Node(nodeID)
	return ok && n.Kind == wire.NodeAggregator
}

func (sg *Subgraph) endpointReader(e wire.StreamEdge) io.Reader {
	src := sg.runners[e.SrcNode]
	if e.SrcFD == wire.FDStderr {
		return src.Stderr()
	}
	return src.Stdout()
}

func (sg *Subgraph) endpointWriter(e wire.StreamEdge) io.Writer {
	r := sg.runners[e.DstNode]
	if e.DstFD == wire.FDStderr {
		return nil // stderr is never a dispatch destination
	}
	return r.Stdin()
}

// wireLocal forwards e directly between two runners owned by this
// subgraph: a LocalPipe edge needs no network hop at all.
func (sg *Subgraph) wireLocal(e wire.StreamEdge) {
	r := sg.endpointReader(e)
	w := sg.endpointWriter(e)
	if r == nil || w == nil {
		return
	}

	sg.wg.Add(1)
	go func() {
		defer sg.wg.Done()
		defer closeWriter(w)
		defer closeReader(r)
		if err := forward(sg.Ctx, e.ID, sg.metrics, r, w, nil); !edgeErrIsBenign(err) {
			sg.addErr(fmt.Errorf("edge %s: %w", e.ID, err))
		}
	}()
}

// Runner returns the NodeRunner for a node this subgraph owns.
func (sg *Subgraph) Runner(id string) (*NodeRunner, bool) {
	r, ok := sg.runners[id]
	return r, ok
}

// AttachRemote wires a cross-location edge to a live network stream.
// The local source node's output is zstd-compressed into conn; conn's
// read side is decompressed into the local destination node — the
// symmetric wrap on the other end undoes it, cutting bytes moved over
// the wire. limiter, if non-nil, throttles to the edge's configured
// link bandwidth.
func (sg *Subgraph) AttachRemote(edgeID string, conn io.ReadWriter, limiter *rate.Limiter) {
	defer func() {
		sg.mu.Lock()
		delete(sg.pending, edgeID)
		sg.cond.Broadcast()
		sg.mu.Unlock()
	}()
	if r, ok := sg.remoteOut[edgeID]; ok {
		sg.wg.Add(1)
		go func() {
			defer sg.wg.Done()
			defer closeReader(r)
			enc, err := wire.CompressWriter(conn)
			if err != nil {
				sg.addErr(fmt.Errorf("edge %s (out): %w", edgeID, err))
				return
			}
			err = forward(sg.Ctx, edgeID, sg.metrics, r, enc, limiter)
			enc.Close()
			closeWrite(conn)
			// Wait for the peer's close before releasing the socket, so
			// queued payload is never cut off by an abortive close.
			io.Copy(io.Discard, conn)
			if c, ok := conn.(io.Closer); ok {
				c.Close()
			}
			if !edgeErrIsBenign(err) {
				sg.addErr(fmt.Errorf("edge %s (out): %w", edgeID, err))
			}
		}()
	}
	if w, ok := sg.remoteIn[edgeID]; ok {
		sg.wg.Add(1)
		go func() {
			defer sg.wg.Done()
			defer closeWriter(w)
			dec, err := wire.DecompressReader(conn)
			if err != nil {
				sg.addErr(fmt.Errorf("edge %s (in): %w", edgeID, err))
				return
			}
			err = forward(sg.Ctx, edgeID, sg.metrics, dec, w, limiter)
			dec.Close()
			if c, ok := conn.(io.Closer); ok {
				c.Close()
			}
			if !edgeErrIsBenign(err) {
				sg.addErr(fmt.Errorf("edge %s (in): %w", edgeID, err))
			}
		}()
	}
}

// RemoteEdgeIDs lists the edges this subgraph needs a network stream for.
func (sg *Subgraph) RemoteEdgeIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for id := range sg.remoteOut {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for id := range sg.remoteIn {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Wait blocks until every local node has exited and every local/attached
// edge forwarder has finished, then returns the per-node exit codes and
// the first error observed, if any.
func (sg *Subgraph) Wait() (map[string]int, error) {
	// First gate: every remote edge must have been bound to a network
	// stream (or the run canceled) — a proxy whose processes finish fast
	// must not report complete while the client is still dialing.
	sg.mu.Lock()
	for len(sg.pending) > 0 && !sg.stopped {
		sg.cond.Wait()
	}
	sg.mu.Unlock()

	sg.wg.Wait()
	sg.mu.Lock()
	defer sg.mu.Unlock()
	var err error
	if len(sg.errs) > 0 {
		err = sg.errs[0]
	}
	return sg.results, err
}

// Stop cancels every node with the given cause, escalating to SIGKILL
// after the grace period.
func (sg *Subgraph) Stop(cause error) {
	sg.Cancel(cause)
	var wg sync.WaitGroup
	for _, r := range sg.runners {
		r := r
		wg.Add(1)
		go func() { defer wg.Done(); r.Stop(cause) }()
	}
	wg.Wait()
}

func (sg *Subgraph) teardown() {
	for _, r := range sg.runners {
		r.Stop(ErrNodeStopped)
	}
}

func (sg *Subgraph) addErr(err error) {
	sg.mu.Lock()
	sg.errs = append(sg.errs, err)
	sg.mu.Unlock()
}
