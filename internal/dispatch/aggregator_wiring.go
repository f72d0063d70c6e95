package dispatch

import (
	"io"
	"os"
	"sync"

	"github.com/posh-sh/posh/internal/wire"
)

// startAggregators drives every NodeAggregator in the graph: a merge
// aggregator concatenates its clones' stdout in order onto whatever
// consumes its own output; a splitter fans its one input out across its
// clones' stdin. Aggregators always run at Client (internal/graph's
// design), and their peers usually don't, so most peer connections here
// go over the wire.
func (d *Dispatcher) startAggregators() {
	for _, n := range d.graph.Nodes {
		if n.Kind != wire.NodeAggregator {
			continue
		}
		n := n
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.runAggregator(n); err != nil {
				d.addErr(err)
			}
		}()
	}
}

func (d *Dispatcher) runAggregator(n wire.ProcessNode) error {
	if n.FanOut {
		return d.runSplitter(n)
	}
	return d.runMerger(n)
}

func (d *Dispatcher) runMerger(n wire.ProcessNode) error {
	peerReaders := make([]io.Reader, 0, len(n.AggregatorPeers))
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, peerID := range n.AggregatorPeers {
		edgeID := d.edgeBetween(peerID, n.ID)
		r, closer, err := d.readerFor(peerID, edgeID)
		if err != nil {
			return err
		}
		peerReaders = append(peerReaders, r)
		if closer != nil {
			closers = append(closers, closer)
		}
	}

	dstEdgeID, dstNodeID := d.edgeFrom(n.ID)
	if dstEdgeID == "" {
		// A terminal split stage: the merged stream is the pipeline's
		// own stdout.
		return MergeAggregator(d.ctx, peerReaders, noCloseWriter{os.Stdout}, d.tmpDir)
	}
	w, closer, err := d.writerFor(dstNodeID, dstEdgeID)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	if w == nil {
		return nil // the merged output has nowhere to go
	}
	defer closeWriter(w)

	return MergeAggregator(d.ctx, peerReaders, w, d.tmpDir)
}

func (d *Dispatcher) runSplitter(n wire.ProcessNode) error {
	srcEdgeID, srcNodeID := d.edgeInto(n.ID)
	r, closer, err := d.readerFor(srcNodeID, srcEdgeID)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	peerWriters := make([]io.Writer, 0, len(n.AggregatorPeers))
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, peerID := range n.AggregatorPeers {
		edgeID := d.edgeBetween(n.ID, peerID)
		w, wc, err := d.writerFor(peerID, edgeID)
		if err != nil {
			return err
		}
		peerWriters = append(peerWriters, w)
		if wc != nil {
			closers = append(closers, wc)
		}
	}

	return FanOutAggregator(d.ctx, r, peerWriters)
}

// readerFor resolves the readable end of the edge identified by edgeID,
// whose producing node is srcID: the Client subgraph's own runner stdout
// when the producer is local, else a freshly dialed (and decompressed,
// matching the remote AttachRemote's compressed write side) data
// connection.
func (d *Dispatcher) readerFor(srcID, edgeID string) (io.Reader, io.Closer, error) {
	if edgeID == "" {
		return emptyReader{}, nil, nil
	}
	node, ok := d.graph.Node(srcID)
	if !ok {
		return emptyReader{}, nil, nil
	}
	if node.Location.IsClient() {
		if r, ok := d.clientSG.Runner(srcID); ok && r.Stdout() != nil {
			return r.Stdout(), nil, nil
		}
		return emptyReader{}, nil, nil
	}
	conn, err := d.dialData(node.Location, edgeID)
	if err != nil {
		return nil, nil, err
	}
	dec, err := wire.DecompressReader(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return dec, &onceCloser{close: func() error {
		dec.Close()
		return conn.Close()
	}}, nil
}

// writerFor resolves the writable end of the edge identified by edgeID,
// whose consuming node is nodeID.
func (d *Dispatcher) writerFor(nodeID, edgeID string) (io.Writer, io.Closer, error) {
	if edgeID == "" {
		return nil, nil, nil
	}
	node, ok := d.graph.Node(nodeID)
	if !ok {
		return nil, nil, nil
	}
	if node.Location.IsClient() {
		if r, ok := d.clientSG.Runner(nodeID); ok {
			return r.Stdin(), nil, nil
		}
		return nil, nil, nil
	}
	conn, err := d.dialData(node.Location, edgeID)
	if err != nil {
		return nil, nil, err
	}
	enc, err := wire.CompressWriter(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return enc, &onceCloser{close: func() error {
		enc.Close()
		closeWrite(conn)
		return conn.Close()
	}}, nil
}

func (d *Dispatcher) edgeBetween(srcID, dstID string) string {
	for _, e := range d.graph.Edges {
		if e.SrcNode == srcID && e.DstNode == dstID {
			return e.ID
		}
	}
	return ""
}

func (d *Dispatcher) edgeFrom(nodeID string) (edgeID, dstID string) {
	for _, e := range d.graph.Edges {
		if e.SrcNode == nodeID {
			return e.ID, e.DstNode
		}
	}
	return "", ""
}

func (d *Dispatcher) edgeInto(nodeID string) (edgeID, srcID string) {
	for _, e := range d.graph.Edges {
		if e.DstNode == nodeID {
			return e.ID, e.SrcNode
		}
	}
	return "", ""
}

// onceCloser makes a composite close safe to run from both an explicit
// closeWriter and the function's deferred cleanup.
type onceCloser struct {
	once  sync.Once
	close func() error
	err   error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.close() })
	return c.err
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
