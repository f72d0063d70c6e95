package graph

import (
	"testing"

	"github.com/posh-sh/posh/internal/annotation"
	"github.com/posh-sh/posh/internal/invocation"
	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/schedule"
	"github.com/posh-sh/posh/internal/wire"
)

func strTok(raw string) invocation.Token {
	return invocation.Token{Raw: raw, Kind: invocation.KindStr}
}

// TestCatThenGrepOneProxy lowers "cat /m1/a.log |
// grep foo" placed entirely on Proxy(10.0.0.1) — a LocalPipe edge between
// the two, and grep's stdout carried to the client terminal over exactly
// one Tcp edge (the remote stdin/stderr terminal edges are Tcp as well).
func TestCatThenGrepOneProxy(t *testing.T) {
	p1 := mount.Proxy("10.0.0.1")
	argTok := annotation.ArgDescriptor{Kind: annotation.Param, Value: annotation.ValueSpec{Type: annotation.InputFile}}

	catTokens := []invocation.Token{{Raw: "/m1/a.log", Kind: invocation.KindInputFile, Path: "/m1/a.log", Arg: &argTok}}
	cat := &schedule.Stage{
		ID: 0, CommandName: "cat", Tokens: catTokens,
		Files:      []schedule.FileToken{{Token: catTokens[0], Loc: mount.Location{Proxy: p1, RemoteSuffix: "/a.log"}, Index: 0}},
		StdinKind:  schedule.StdinInherit,
		StdoutKind: schedule.StdoutPipe,
	}
	grep := &schedule.Stage{
		ID: 1, CommandName: "grep", Tokens: []invocation.Token{strTok("foo")},
		StdinKind: schedule.StdinPipe, StdoutKind: schedule.StdoutInherit,
	}

	plan := &schedule.Plan{Placements: []schedule.Placement{
		{StageID: 0, Location: p1},
		{StageID: 1, Location: p1},
	}}

	g, err := Build(&Input{PipelineID: "t", Stages: []*schedule.Stage{cat, grep}, Plan: plan})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var local, stdoutTCP int
	for _, e := range g.Edges {
		if !e.Transport.TCP {
			local++
			continue
		}
		if e.SrcNode == "s1" && e.SrcFD == wire.FDStdout {
			if dst, ok := g.Node(e.DstNode); !ok || !dst.Location.IsClient() {
				t.Fatalf("grep stdout Tcp edge does not end on the client: %+v", e)
			}
			stdoutTCP++
		}
	}
	if local != 1 {
		t.Fatalf("want exactly 1 LocalPipe edge, got %d (edges=%+v)", local, g.Edges)
	}
	if stdoutTCP != 1 {
		t.Fatalf("want exactly 1 Tcp edge carrying grep's stdout to the client, got %d", stdoutTCP)
	}

	catNode, ok := g.Node("s0")
	if !ok || catNode.Argv[0] != "cat" || catNode.Argv[1] != "/a.log" {
		t.Fatalf("cat argv not rewritten to remote suffix: %+v", catNode)
	}
}

// TestFilterPushdownSplitAcrossTwoProxies checks that a
// splittable-arg grep across two proxies produces two clone processes plus
// one process-less merge aggregator, peers in clone order.
func TestFilterPushdownSplitAcrossTwoProxies(t *testing.T) {
	p1, p2 := mount.Proxy("10.0.0.1"), mount.Proxy("10.0.0.2")
	argTok := annotation.ArgDescriptor{
		Kind: annotation.Param,
		Value: annotation.ValueSpec{
			Type: annotation.InputFile, Size: annotation.SizeList, ListSep: ' ', Splittable: true,
		},
	}
	tokens := []invocation.Token{
		{Raw: "/m1/a.log", Kind: invocation.KindInputFile, Path: "/m1/a.log", Arg: &argTok},
		{Raw: " ", Kind: invocation.KindListSep},
		{Raw: "/m2/b.log", Kind: invocation.KindInputFile, Path: "/m2/b.log", Arg: &argTok},
	}
	grep := &schedule.Stage{
		ID: 0, CommandName: "grep", Tokens: tokens,
		Files: []schedule.FileToken{
			{Token: tokens[0], Loc: mount.Location{Proxy: p1, RemoteSuffix: "/a.log"}, Index: 0},
			{Token: tokens[2], Loc: mount.Location{Proxy: p2, RemoteSuffix: "/b.log"}, Index: 2},
		},
		StdinKind: schedule.StdinInherit, StdoutKind: schedule.StdoutInherit,
	}

	plan := &schedule.Plan{Placements: []schedule.Placement{
		{StageID: 0, Split: schedule.ArgSplit, Clones: []schedule.Clone{
			{Location: p1, Files: []mount.Location{{Proxy: p1, RemoteSuffix: "/a.log"}}},
			{Location: p2, Files: []mount.Location{{Proxy: p2, RemoteSuffix: "/b.log"}}},
		}},
	}}

	g, err := Build(&Input{PipelineID: "t", Stages: []*schedule.Stage{grep}, Plan: plan})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	agg, ok := g.Node("s0.agg")
	if !ok || agg.Kind != wire.NodeAggregator || agg.FanOut {
		t.Fatalf("expected a non-fanout merge aggregator, got %+v", agg)
	}
	if len(agg.AggregatorPeers) != 2 || agg.AggregatorPeers[0] != "s0.c0" || agg.AggregatorPeers[1] != "s0.c1" {
		t.Fatalf("aggregator peers not in clone order: %+v", agg.AggregatorPeers)
	}

	c0, _ := g.Node("s0.c0")
	if c0.Argv[0] != "grep" || c0.Argv[1] != "/a.log" {
		t.Fatalf("clone 0 argv should carry only its own file: %+v", c0.Argv)
	}
	c1, _ := g.Node("s0.c1")
	if c1.Argv[1] != "/b.log" {
		t.Fatalf("clone 1 argv should carry only its own file: %+v", c1.Argv)
	}
}

// TestRedirectionToLocalFileWiresFileNode checks that a
// remote grep's stdout redirected to a local file becomes an edge to a
// synthetic File node, not a placement constraint.
func TestRedirectionToLocalFileWiresFileNode(t *testing.T) {
	p1 := mount.Proxy("10.0.0.1")
	argTok := annotation.ArgDescriptor{Kind: annotation.Param, Value: annotation.ValueSpec{Type: annotation.InputFile}}
	tokens := []invocation.Token{
		strTok("foo"),
		{Raw: "/m1/big.log", Kind: invocation.KindInputFile, Path: "/m1/big.log", Arg: &argTok},
	}
	grep := &schedule.Stage{
		ID: 0, CommandName: "grep", Tokens: tokens,
		Files:      []schedule.FileToken{{Token: tokens[1], Loc: mount.Location{Proxy: p1, RemoteSuffix: "/big.log"}, Index: 1}},
		StdinKind:  schedule.StdinInherit,
		StdoutKind: schedule.StdoutFile,
		StdoutPath: "/home/u/out.txt",
		StdoutLoc:  mount.Location{Proxy: mount.Client()},
	}
	plan := &schedule.Plan{Placements: []schedule.Placement{{StageID: 0, Location: p1}}}

	g, err := Build(&Input{PipelineID: "t", Stages: []*schedule.Stage{grep}, Plan: plan})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	fnode, ok := g.Node("s0.stdout-file")
	if !ok || fnode.Kind != wire.NodeFile || fnode.FileMode != wire.FileWrite || fnode.FilePath != "/home/u/out.txt" {
		t.Fatalf("expected stdout file node at client path: %+v", fnode)
	}
	if !fnode.Location.IsClient() {
		t.Fatalf("stdout file node should be on Client, got %v", fnode.Location)
	}

	found := false
	for _, e := range g.Edges {
		if e.SrcNode == "s0" && e.DstNode == "s0.stdout-file" {
			found = true
			if !e.Transport.TCP {
				t.Fatalf("edge from remote grep to client file should be Tcp")
			}
		}
	}
	if !found {
		t.Fatalf("no edge from grep's stdout to the file node: %+v", g.Edges)
	}
}
