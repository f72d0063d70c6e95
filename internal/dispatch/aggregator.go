package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dsnet/compress/bzip2"
)

// spillThreshold is how many bytes of a non-head peer's output the
// merge aggregator will hold in memory before spilling the rest to a
// bzip2-compressed scratch file, so a split stage's later clones don't
// have to block waiting for the earlier ones to finish.
const spillThreshold = 4 * 1024 * 1024

// MergeAggregator concatenates len(peers) readers onto dst, in order,
// the way an ArgSplit stage's results must be reassembled as if the
// unsplit command had produced them sequentially. Every peer is drained
// concurrently into its own scratch buffer (spilling to disk
// past spillThreshold) so slow peers don't stall fast ones; once a
// peer's full output is available it is replayed onto dst before moving
// to the next.
func MergeAggregator(ctx context.Context, peers []io.Reader, dst io.Writer, tmpDir string) error {
	if len(peers) == 0 {
		return nil
	}

	spools := make([]*spool, len(peers))
	for i, p := range peers {
		sp := newSpool(tmpDir, fmt.Sprintf("posh-agg-%d", i))
		spools[i] = sp
		go sp.drain(ctx, p)
	}

	for _, sp := range spools {
		if err := sp.replay(ctx, dst); err != nil {
			return err
		}
	}
	return nil
}

// FanOutAggregator distributes src's bytes across peers round-robin in
// line-aligned chunks of up to forwardBufSize, implementing a StdinSplit
// stage's fan-out point. A chunk ends at a newline unless a single line
// is longer than forwardBufSize, in which case the full buffer is sent
// as-is; order-insensitive line consumers (the only stages the
// splittable_across_input flag admits) see whole records of normal
// length. Each peer receives every len(peers)-th chunk, so its share of
// the input is disjoint from the others' but not contiguous.
func FanOutAggregator(ctx context.Context, src io.Reader, peers []io.Writer) error {
	if len(peers) == 0 {
		return nil
	}

	buf := make([]byte, forwardBufSize)
	carry := 0 // bytes of an unterminated trailing line held back
	i := 0
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}
		n, err := src.Read(buf[carry:])
		filled := carry + n
		if err != nil && err != io.EOF {
			return err
		}

		cut := filled
		if err == nil {
			if nl := bytes.LastIndexByte(buf[:filled], '\n'); nl >= 0 {
				cut = nl + 1
			} else if filled < len(buf) {
				carry = filled
				continue // no full line yet, keep accumulating
			}
		}

		if cut > 0 {
			if _, werr := peers[i%len(peers)].Write(buf[:cut]); werr != nil {
				return werr
			}
			i++
		}
		carry = copy(buf, buf[cut:filled])

		if err == io.EOF {
			if carry > 0 {
				if _, werr := peers[i%len(peers)].Write(buf[:carry]); werr != nil {
					return werr
				}
			}
			break
		}
	}
	for _, p := range peers {
		closeWriter(p)
	}
	return nil
}

// spool buffers one peer's byte stream: in memory up to spillThreshold,
// then bzip2-compressed on disk, so a merge aggregator can replay it
// later without having held the whole thing in RAM.
type spool struct {
	mem      []byte
	spillErr error
	file     *os.File
	wpath    string
	done     chan struct{}
}

func newSpool(tmpDir, name string) *spool {
	return &spool{wpath: filepath.Join(tmpDir, name+".bz2"), done: make(chan struct{})}
}

func (s *spool) drain(ctx context.Context, r io.Reader) {
	defer close(s.done)
	var zw *bzip2.Writer
	var f *os.File
	buf := make([]byte, forwardBufSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if len(s.mem)+n <= spillThreshold {
				s.mem = append(s.mem, buf[:n]...)
			} else {
				if zw == nil {
					var oerr error
					f, oerr = os.Create(s.wpath)
					if oerr != nil {
						s.spillErr = oerr
						return
					}
					zw, oerr = bzip2.NewWriter(f, &bzip2.WriterConfig{Level: 6})
					if oerr != nil {
						s.spillErr = oerr
						return
					}
					s.file = f
				}
				if _, werr := zw.Write(buf[:n]); werr != nil {
					s.spillErr = werr
					return
				}
			}
		}
		if err != nil {
			if zw != nil {
				zw.Close()
			}
			if err != io.EOF {
				s.spillErr = err
			}
			return
		}
	}
}

func (s *spool) replay(ctx context.Context, dst io.Writer) error {
	<-s.done
	if s.spillErr != nil {
		return s.spillErr
	}
	if len(s.mem) > 0 {
		if _, err := dst.Write(s.mem); err != nil {
			return err
		}
	}
	if s.file == nil {
		return nil
	}
	defer os.Remove(s.wpath)
	f, err := os.Open(s.wpath)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := bzip2.NewReader(f, nil)
	if err != nil {
		return err
	}
	defer zr.Close()
	_, err = io.Copy(dst, bufio.NewReader(zr))
	return err
}
