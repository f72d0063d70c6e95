package dispatch

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/wire"
)

// Dispatcher is the Client-side orchestrator cmd/posh drives: it sends
// each proxy its SubgraphRequest, runs the Client-local subgraph, wires
// every cross-location StreamEdge, and drives the aggregator nodes of
// split stages (which always run at Client — see internal/graph).
type Dispatcher struct {
	zerolog.Logger

	graph       *wire.Graph
	table       *mount.Table
	tmpDir      string
	runtimePort int
	metrics     *metricSet

	// Events, if set before Run, receives live node start/exit events
	// for internal/trace's websocket feed.
	Events EventSink

	ctx    context.Context
	cancel context.CancelCauseFunc

	clientSG *Subgraph
	proxies  map[string]*proxyHandle // proxy IP -> control handle

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

type proxyHandle struct {
	conn     net.Conn
	dataAddr string
}

// NewDispatcher prepares (but does not start) a run of g.
func NewDispatcher(ctx context.Context, log zerolog.Logger, g *wire.Graph, table *mount.Table, tmpDir string, runtimePort int) *Dispatcher {
	d := &Dispatcher{
		graph: g, table: table, tmpDir: tmpDir, runtimePort: runtimePort,
		metrics: newMetricSet(), proxies: make(map[string]*proxyHandle),
	}
	d.ctx, d.cancel = context.WithCancelCause(ctx)
	d.Logger = log
	return d
}

// Run executes the whole pipeline end to end: dispatches every proxy
// subgraph, starts the Client-local subgraph and aggregators, waits for
// everything to finish, and returns the exit codes keyed by node id
// (cmd/posh derives the pipeline's own exit code from the last stage's).
func (d *Dispatcher) Run() (map[string]int, error) {
	// Releases every watcher goroutine once the run is over, whatever path
	// it took out of this function.
	defer d.cancel(nil)

	results := make(map[string]int)

	for _, loc := range d.graph.Locations() {
		if err := d.dispatchProxy(loc); err != nil {
			d.Stop(err)
			return nil, fmt.Errorf("dispatch %s: %w", loc, err)
		}
	}

	sg, err := NewSubgraph(d.ctx, d.Logger, d.graph, mount.Client(), "", d.metrics, d.Events)
	if err != nil {
		d.Stop(err)
		return nil, err
	}
	d.clientSG = sg
	if err := sg.Start(); err != nil {
		d.Stop(err)
		return nil, err
	}

	if err := d.wireCrossLocationEdges(); err != nil {
		d.Stop(err)
		return nil, err
	}
	d.startAggregators()

	codes, err := sg.Wait()
	for id, c := range codes {
		results[id] = c
	}
	d.wg.Wait()

	for _, ph := range d.proxies {
		for {
			env, rerr := wire.ReadFrame(ph.conn)
			if rerr != nil {
				break
			}
			if env.Kind == wire.MsgPipelineResult && env.PipelineResult != nil {
				for id, c := range env.PipelineResult.ExitCodes {
					results[id] = c
				}
				break
			}
		}
		ph.conn.Close()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil && len(d.errs) > 0 {
		err = d.errs[0]
	}
	return results, err
}

// Metrics exposes the dispatcher's VictoriaMetrics set so internal/trace
// can scrape it through its own /metrics handler.
func (d *Dispatcher) Metrics() *metrics.Set { return d.metrics.Set() }

// Stop cancels every proxy's pipeline and the local subgraph.
func (d *Dispatcher) Stop(cause error) {
	d.cancel(cause)
	d.metrics.pipelineCanceled(d.graph.PipelineID)
	for _, ph := range d.proxies {
		wire.WriteFrame(ph.conn, &wire.Envelope{Kind: wire.MsgCancelPipeline, CancelPipeline: &wire.CancelPipeline{
			PipelineID: d.graph.PipelineID,
		}})
	}
	if d.clientSG != nil {
		d.clientSG.Stop(cause)
	}
}

func (d *Dispatcher) dispatchProxy(loc mount.ProxyID) error {
	addr := net.JoinHostPort(loc.IP(), strconv.Itoa(d.runtimePort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProxyUnreachable, addr, err)
	}

	nodes := d.graph.NodesAt(loc)
	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n.ID] = true
	}
	var edges []wire.StreamEdge
	for _, e := range d.graph.Edges {
		if nodeSet[e.SrcNode] || nodeSet[e.DstNode] {
			edges = append(edges, e)
		}
	}

	req := &wire.Envelope{Kind: wire.MsgSubgraphRequest, SubgraphRequest: &wire.SubgraphRequest{
		PipelineID: d.graph.PipelineID, Nodes: nodes, Edges: edges,
	}}
	if err := wire.WriteFrame(conn, req); err != nil {
		conn.Close()
		return err
	}
	ack, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if ack.Kind == wire.MsgPipelineResult && ack.PipelineResult != nil && ack.PipelineResult.Error != "" {
		conn.Close()
		return fmt.Errorf("proxy %s: %s", loc, ack.PipelineResult.Error)
	}
	if ack.SubgraphAck == nil {
		conn.Close()
		return fmt.Errorf("proxy %s: no subgraph ack", loc)
	}

	port := ack.SubgraphAck.Ports["data"]
	d.proxies[loc.IP()] = &proxyHandle{conn: conn, dataAddr: net.JoinHostPort(loc.IP(), strconv.Itoa(port))}
	return nil
}

// dialData opens a fresh data connection to loc's data port and writes
// the StreamKey for edgeID as its first bytes.
func (d *Dispatcher) dialData(loc mount.ProxyID, edgeID string) (net.Conn, error) {
	ph := d.proxies[loc.IP()]
	if ph == nil {
		return nil, fmt.Errorf("%w: %s", ErrProxyUnreachable, loc)
	}
	conn, err := net.Dial("tcp", ph.dataAddr)
	if err != nil {
		return nil, err
	}
	key := wire.StreamKey(d.graph.PipelineID, edgeID)
	if err := wire.WriteStreamKey(conn, key); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dispatcher) limiterFor(a, b mount.ProxyID) *rate.Limiter {
	key := mount.ClientEnd(a.IP())
	if !a.IsClient() && !b.IsClient() {
		key = mount.ProxyLink(a.IP(), b.IP())
	} else if a.IsClient() {
		key = mount.ClientEnd(b.IP())
	}
	mbps, ok := d.table.LinkMbps(key)
	return rateLimiterFor(mbps, ok)
}

// wireCrossLocationEdges attaches every StreamEdge that isn't entirely
// local to one Subgraph: Client<->Proxy edges attach directly to the
// Client subgraph; Proxy<->Proxy edges are relayed through the client
// (the co-location repair already collapses the common case to a
// LocalPipe, so this path is the exception, not the rule).
func (d *Dispatcher) wireCrossLocationEdges() error {
	for _, e := range d.graph.Edges {
		srcNode, ok1 := d.graph.Node(e.SrcNode)
		dstNode, ok2 := d.graph.Node(e.DstNode)
		if !ok1 || !ok2 {
			continue
		}
		if srcNode.Kind == wire.NodeAggregator || dstNode.Kind == wire.NodeAggregator {
			continue // handled by startAggregators
		}
		if srcNode.Location == dstNode.Location {
			continue // local to one Subgraph already
		}

		limiter := d.limiterFor(srcNode.Location, dstNode.Location)

		switch {
		case srcNode.Location.IsClient():
			conn, err := d.dialData(dstNode.Location, e.ID)
			if err != nil {
				return err
			}
			d.clientSG.AttachRemote(e.ID, conn, limiter)
		case dstNode.Location.IsClient():
			conn, err := d.dialData(srcNode.Location, e.ID)
			if err != nil {
				return err
			}
			d.clientSG.AttachRemote(e.ID, conn, limiter)
		default:
			src, err := d.dialData(srcNode.Location, e.ID)
			if err != nil {
				return err
			}
			dst, err := d.dialData(dstNode.Location, e.ID)
			if err != nil {
				src.Close()
				return err
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer src.Close()
				defer dst.Close()
				if err := forward(d.ctx, e.ID, d.metrics, src, dst, limiter); !edgeErrIsBenign(err) {
					d.addErr(err)
				}
			}()
		}
	}
	return nil
}

func (d *Dispatcher) addErr(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

