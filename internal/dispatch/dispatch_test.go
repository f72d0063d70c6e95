package dispatch

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/wire"
)

// TestLocalPipeTwoProcesses runs "echo hi | cat > out" entirely within
// one Client-located Subgraph: no network, just LocalPipe edges between
// two real processes and a file endpoint.
func TestLocalPipeTwoProcesses(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	g := &wire.Graph{
		PipelineID: "t1",
		Nodes: []wire.ProcessNode{
			{ID: "s0", Kind: wire.NodeProcess, Argv: []string{"echo", "hi"}},
			{ID: "s1", Kind: wire.NodeProcess, Argv: []string{"cat"}},
			{ID: "s1.stdout-file", Kind: wire.NodeFile, FileMode: wire.FileWrite, FilePath: out},
		},
		Edges: []wire.StreamEdge{
			{ID: "e0", SrcNode: "s0", SrcFD: wire.FDStdout, DstNode: "s1", DstFD: wire.FDStdin},
			{ID: "e1", SrcNode: "s1", SrcFD: wire.FDStdout, DstNode: "s1.stdout-file", DstFD: wire.FDStdin},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sg, err := NewSubgraph(ctx, zerolog.Nop(), g, mount.Client(), "", newMetricSet(), nil)
	require.NoError(t, err)
	require.NoError(t, sg.Start())

	codes, err := sg.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, codes["s0"])
	require.Equal(t, 0, codes["s1"])

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(b))
}

// TestNodeRunnerNonZeroExit confirms a failing process's exit code
// surfaces through NodeRunner.ExitCode without NodeRunner.Run itself
// returning an error: a stage's own non-zero exit is the normal case the
// dispatcher must report, not a dispatch failure.
func TestNodeRunnerNonZeroExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := NewNodeRunner(ctx, zerolog.Nop(), wire.ProcessNode{
		ID: "s0", Kind: wire.NodeProcess, Argv: []string{"false"},
	}, fdUse{}, false, "")
	require.NoError(t, r.Prepare())
	require.NoError(t, r.Run())
	require.Equal(t, 1, r.ExitCode())
}

// TestNodeRunnerPathArgs confirms a proxy-located runner prefixes its
// local mount root onto the argv slots marked as suffix paths.
func TestNodeRunnerPathArgs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("payload\n"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := NewNodeRunner(ctx, zerolog.Nop(), wire.ProcessNode{
		ID: "s0", Kind: wire.NodeProcess,
		Argv: []string{"cat", "/a.txt"}, PathArgs: []int{1},
	}, fdUse{wire.FDStdout: true}, false, root)
	require.NoError(t, r.Prepare())

	var got bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		got.ReadFrom(r.Stdout())
	}()
	require.NoError(t, r.Run())
	<-done
	require.Equal(t, "payload\n", got.String())
}

// slowReader serves its data one Read after an initial delay, to force
// out-of-order peer completion.
type slowReader struct {
	data  string
	delay time.Duration
	read  bool
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.read {
		return 0, io.EOF
	}
	time.Sleep(s.delay)
	s.read = true
	return copy(p, s.data), nil
}

// TestMergeAggregatorOrder verifies clone output is replayed strictly in
// peer order even when later peers finish first.
func TestMergeAggregatorOrder(t *testing.T) {
	peers := []io.Reader{
		&slowReader{data: "first\n", delay: 50 * time.Millisecond},
		&slowReader{data: "second\n"},
	}

	var out bytes.Buffer
	err := MergeAggregator(context.Background(), peers, &out, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", out.String())
}

// TestFanOutAggregatorLineFraming verifies the splitter never cuts a
// line across peers and covers the whole input.
func TestFanOutAggregatorLineFraming(t *testing.T) {
	var lines []string
	for i := 0; i < 5000; i++ {
		lines = append(lines, strings.Repeat("x", i%97)+"#")
	}
	input := strings.Join(lines, "\n") + "\n"

	var a, b bytes.Buffer
	err := FanOutAggregator(context.Background(), strings.NewReader(input), []io.Writer{&a, &b})
	require.NoError(t, err)

	require.Equal(t, len(input), a.Len()+b.Len())
	for _, part := range []string{a.String(), b.String()} {
		if part == "" {
			continue
		}
		require.True(t, strings.HasSuffix(part, "\n"), "peer chunk must end on a line boundary")
	}
}
