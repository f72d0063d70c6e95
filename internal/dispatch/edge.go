package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/time/rate"
)

// forwardBufSize bounds a single read/write cycle — backpressure comes
// from the blocking write, not from an unbounded queue.
const forwardBufSize = 64 * 1024

var edgePool bytebufferpool.Pool

// forward copies src to dst in forwardBufSize chunks until EOF, with
// the intermediate buffer drawn from a shared pool. limiter, if non-nil, throttles to the edge's
// configured link bandwidth.
func forward(ctx context.Context, edgeID string, metrics *metricSet, src io.Reader, dst io.Writer, limiter *rate.Limiter) error {
	bb := edgePool.Get()
	defer edgePool.Put(bb)
	bb.Reset()
	var buf []byte
	if cap(bb.B) < forwardBufSize {
		buf = make([]byte, forwardBufSize)
	} else {
		buf = bb.B[:forwardBufSize]
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return err
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			if metrics != nil {
				metrics.bytesForwarded(edgeID, n)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// closeWriter closes dst if it supports half-close (io.Closer), so a
// downstream reader observes EOF once this edge's source is drained —
// required for a pipeline's exit to propagate through a chain of pipes.
func closeWriter(dst io.Writer) {
	if c, ok := dst.(io.Closer); ok {
		c.Close()
	}
}

// edgeErrIsBenign reports whether a forwarder error merely reflects a
// consumer that stopped reading early (head-style), which POSIX
// pipelines treat as normal termination, not failure.
func edgeErrIsBenign(err error) bool {
	return err == nil || err == io.EOF ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

// closeReader closes src if it supports it, releasing the fd once the
// edge is drained.
func closeReader(src io.Reader) {
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
}

// closeWrite half-closes a connection's write side so the peer observes
// EOF while its own writes toward us can still drain.
func closeWrite(conn io.ReadWriter) {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	if c, ok := conn.(io.Closer); ok {
		c.Close()
	}
}

// rateLimiterFor builds a token-bucket limiter from a configured Mbps
// hint, or nil if none applies to this edge.
func rateLimiterFor(mbps int, ok bool) *rate.Limiter {
	if !ok || mbps <= 0 {
		return nil
	}
	bytesPerSec := float64(mbps) * 1_000_000 / 8
	return rate.NewLimiter(rate.Limit(bytesPerSec), forwardBufSize)
}
