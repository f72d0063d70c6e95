// Package graph lowers a placement plan into the execution graph of
// process nodes and stream edges the dispatcher drives.
package graph

import (
	"fmt"
	"strings"

	"github.com/posh-sh/posh/internal/invocation"
	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/schedule"
	"github.com/posh-sh/posh/internal/wire"
)

// Input is one shell pipeline, already typed, file-resolved, and
// placed, plus the exported environment and the canonical client-side
// working directory.
type Input struct {
	PipelineID string
	Cwd        string
	Env        []string
	Table      *mount.Table
	Stages     []*schedule.Stage
	Plan       *schedule.Plan
}

type builder struct {
	in    *Input
	nodes []wire.ProcessNode
	edges []wire.StreamEdge
	e     int
	c     int
}

func (b *builder) addNode(n wire.ProcessNode) string {
	b.nodes = append(b.nodes, n)
	return n.ID
}

func (b *builder) addEdge(srcNode string, srcFD wire.FD, dstNode string, dstFD wire.FD, srcLoc, dstLoc mount.ProxyID) string {
	id := fmt.Sprintf("e%d", b.e)
	b.e++
	t := wire.Transport{}
	if srcLoc != dstLoc {
		t.TCP = true
		t.Conn = fmt.Sprintf("c%d", b.c)
		b.c++
	}
	b.edges = append(b.edges, wire.StreamEdge{
		ID: id, SrcNode: srcNode, SrcFD: srcFD, DstNode: dstNode, DstFD: dstFD, Transport: t,
	})
	return id
}

// Build lowers in into an ExecutionGraph: each stage
// becomes one ProcessNode (or several plus an aggregator, if split);
// pipes between co-located nodes become LocalPipe edges, pipes crossing a
// location become Tcp edges; redirections become edges to synthetic File
// nodes; terminal stdin/stdout/stderr (no redirection, no pipe) become
// edges to a synthetic terminal node only when the producing/consuming
// process isn't already on the Client (otherwise the OS inherits it
// directly at spawn time, no graph wiring needed).
func Build(in *Input) (*wire.Graph, error) {
	if len(in.Stages) != len(in.Plan.Placements) {
		return nil, fmt.Errorf("graph: %d stages but %d placements", len(in.Stages), len(in.Plan.Placements))
	}
	if len(in.Stages) == 0 {
		return nil, fmt.Errorf("graph: empty pipeline")
	}

	b := &builder{in: in}

	// outputID[i]/inputIDs[i]: the node this stage's stdout flows from,
	// and the node(s) its piped stdin should be wired to.
	outputID := make([]string, len(in.Stages))
	inputIDs := make([][]string, len(in.Stages))
	locOf := make(map[string]mount.ProxyID)

	for i, s := range in.Stages {
		pl, ok := in.Plan.Get(s.ID)
		if !ok {
			return nil, fmt.Errorf("graph: stage %d has no placement", s.ID)
		}
		out, ins := b.emitStage(s, pl, locOf)
		outputID[i] = out
		inputIDs[i] = ins
	}

	for i, s := range in.Stages {
		if i > 0 && s.StdinKind == schedule.StdinPipe {
			prevLoc := locOf[outputID[i-1]]
			for _, dst := range inputIDs[i] {
				dstLoc := locOf[dst]
				b.addEdge(outputID[i-1], wire.FDStdout, dst, wire.FDStdin, prevLoc, dstLoc)
			}
			continue
		}
		b.wireStdin(s, inputIDs[i], locOf)
	}

	last := in.Stages[len(in.Stages)-1]
	b.wireStdout(last, outputID[len(outputID)-1], locOf)

	for i, s := range in.Stages {
		b.wireStderr(s, outputID[i], locOf)
	}

	return &wire.Graph{PipelineID: in.PipelineID, Nodes: b.nodes, Edges: b.edges}, nil
}

// emitStage creates the ProcessNode(s) for one stage, plus its
// fan-in/fan-out aggregator synthetic nodes if it was split. It returns
// the node representing the stage's stdout (a clone's node id if
// unsplit, else the merge aggregator), and the node(s) its upstream pipe
// stdin (if any) should target.
func (b *builder) emitStage(s *schedule.Stage, pl schedule.Placement, locOf map[string]mount.ProxyID) (output string, stdinTargets []string) {
	if pl.Split == schedule.NoSplit {
		id := fmt.Sprintf("s%d", s.ID)
		argv, pathArgs := rewriteArgv(s, pl.Location, nil)
		node := wire.ProcessNode{
			ID: id, Kind: wire.NodeProcess, StageID: s.ID, Location: pl.Location,
			Argv: argv, PathArgs: pathArgs,
			Env: append([]string(nil), b.in.Env...),
			Dir: b.stageDir(s, pl.Location),
		}
		b.addNode(node)
		locOf[id] = pl.Location
		return id, []string{id}
	}

	cloneIDs := make([]string, len(pl.Clones))
	for i, c := range pl.Clones {
		id := fmt.Sprintf("s%d.c%d", s.ID, i)
		var fileOverride map[int]mount.Location
		if pl.Split == schedule.ArgSplit {
			fileOverride = cloneFileOverride(s, c)
		}
		argv, pathArgs := rewriteArgv(s, c.Location, fileOverride)
		node := wire.ProcessNode{
			ID: id, Kind: wire.NodeProcess, StageID: s.ID, Location: c.Location,
			Argv: argv, PathArgs: pathArgs,
			Env: append([]string(nil), b.in.Env...),
			Dir: b.stageDir(s, c.Location),
		}
		b.addNode(node)
		locOf[id] = c.Location
		cloneIDs[i] = id
	}

	aggKind := wire.AggregatorArgSplit
	if pl.Split == schedule.StdinSplit {
		aggKind = wire.AggregatorStdinSplit
	}

	aggID := fmt.Sprintf("s%d.agg", s.ID)
	aggNode := wire.ProcessNode{
		ID: aggID, Kind: wire.NodeAggregator, StageID: s.ID, Location: mount.Client(),
		AggregatorKind: aggKind, AggregatorPeers: cloneIDs,
	}
	b.addNode(aggNode)
	locOf[aggID] = mount.Client()
	for _, cid := range cloneIDs {
		b.addEdge(cid, wire.FDStdout, aggID, wire.FDStdin, locOf[cid], mount.Client())
	}

	if pl.Split != schedule.StdinSplit {
		return aggID, nil // ArgSplit: clones read from files, not piped stdin
	}

	splitID := fmt.Sprintf("s%d.split", s.ID)
	splitNode := wire.ProcessNode{
		ID: splitID, Kind: wire.NodeAggregator, StageID: s.ID, Location: mount.Client(),
		AggregatorKind: aggKind, AggregatorPeers: cloneIDs, FanOut: true,
	}
	b.addNode(splitNode)
	locOf[splitID] = mount.Client()
	for _, cid := range cloneIDs {
		b.addEdge(splitID, wire.FDStdout, cid, wire.FDStdin, mount.Client(), locOf[cid])
	}

	return aggID, []string{splitID}
}

// cloneFileOverride maps each Files[] index bound to s's splittable
// argument to the subset this clone is responsible for: indices NOT
// owned by c are dropped from the clone's argv entirely.
func cloneFileOverride(s *schedule.Stage, c schedule.Clone) map[int]mount.Location {
	owned := make(map[string]bool, len(c.Files))
	for _, loc := range c.Files {
		owned[loc.String()] = true
	}
	override := make(map[int]mount.Location)
	for _, ft := range s.Files {
		if ft.Token.Arg != nil && ft.Token.Arg.Value.Splittable {
			if owned[ft.Loc.String()] {
				override[ft.Index] = ft.Loc
			} else {
				override[ft.Index] = mount.Location{} // sentinel: drop this token
			}
		}
	}
	return override
}

// wireStdin wires a stage's stdin when it is not a pipe from the
// previous stage: a redirected file, or the terminal (direct OS inherit
// when the stage runs on Client, an edge from a synthetic terminal node
// otherwise).
func (b *builder) wireStdin(s *schedule.Stage, targets []string, locOf map[string]mount.ProxyID) {
	if len(targets) == 0 {
		return
	}
	switch s.StdinKind {
	case schedule.StdinFile:
		fid := fmt.Sprintf("s%d.stdin-file", s.ID)
		fnode := wire.ProcessNode{ID: fid, Kind: wire.NodeFile, StageID: s.ID, Location: s.StdinLoc.Proxy, FileMode: wire.FileRead, FilePath: remotePath(s.StdinPath, s.StdinLoc)}
		b.addNode(fnode)
		locOf[fid] = s.StdinLoc.Proxy
		for _, dst := range targets {
			b.addEdge(fid, wire.FDStdout, dst, wire.FDStdin, s.StdinLoc.Proxy, locOf[dst])
		}
	case schedule.StdinInherit:
		for _, dst := range targets {
			if locOf[dst].IsClient() {
				continue // direct OS inherit, no edge needed
			}
			tid := "term.stdin"
			if !b.hasNode(tid) {
				b.addNode(wire.ProcessNode{ID: tid, Kind: wire.NodeFile, Location: mount.Client(), Inherit: true, FileMode: wire.FileRead, InheritFD: wire.FDStdin})
				locOf[tid] = mount.Client()
			}
			b.addEdge(tid, wire.FDStdout, dst, wire.FDStdin, mount.Client(), locOf[dst])
		}
	}
}

func (b *builder) wireStdout(s *schedule.Stage, src string, locOf map[string]mount.ProxyID) {
	switch s.StdoutKind {
	case schedule.StdoutFile:
		fid := fmt.Sprintf("s%d.stdout-file", s.ID)
		b.addNode(wire.ProcessNode{ID: fid, Kind: wire.NodeFile, StageID: s.ID, Location: s.StdoutLoc.Proxy, FileMode: wire.FileWrite, FilePath: remotePath(s.StdoutPath, s.StdoutLoc)})
		locOf[fid] = s.StdoutLoc.Proxy
		b.addEdge(src, wire.FDStdout, fid, wire.FDStdin, locOf[src], s.StdoutLoc.Proxy)
	case schedule.StdoutInherit:
		if locOf[src].IsClient() {
			return
		}
		tid := "term.stdout"
		if !b.hasNode(tid) {
			b.addNode(wire.ProcessNode{ID: tid, Kind: wire.NodeFile, Location: mount.Client(), Inherit: true, FileMode: wire.FileWrite, InheritFD: wire.FDStdout})
			locOf[tid] = mount.Client()
		}
		b.addEdge(src, wire.FDStdout, tid, wire.FDStdin, locOf[src], mount.Client())
	}
}

func (b *builder) wireStderr(s *schedule.Stage, src string, locOf map[string]mount.ProxyID) {
	if s.StderrIsFile {
		fid := fmt.Sprintf("s%d.stderr-file", s.ID)
		b.addNode(wire.ProcessNode{ID: fid, Kind: wire.NodeFile, StageID: s.ID, Location: s.StderrLoc.Proxy, FileMode: wire.FileWrite, FilePath: remotePath(s.StderrPath, s.StderrLoc)})
		locOf[fid] = s.StderrLoc.Proxy
		b.addEdge(src, wire.FDStderr, fid, wire.FDStdin, locOf[src], s.StderrLoc.Proxy)
		return
	}
	if locOf[src].IsClient() {
		return // direct OS inherit
	}
	tid := "term.stderr"
	if !b.hasNode(tid) {
		b.addNode(wire.ProcessNode{ID: tid, Kind: wire.NodeFile, Location: mount.Client(), Inherit: true, FileMode: wire.FileWrite, InheritFD: wire.FDStderr})
		locOf[tid] = mount.Client()
	}
	b.addEdge(src, wire.FDStderr, tid, wire.FDStdin, locOf[src], mount.Client())
}

func (b *builder) hasNode(id string) bool {
	for _, n := range b.nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// remotePath returns the path a node on loc.Proxy should open directly:
// the remote suffix if the file resolved to a proxy, the original
// canonical path if it stayed Local.
func remotePath(canonical string, loc mount.Location) string {
	if loc.IsLocal() {
		return canonical
	}
	return loc.RemoteSuffix
}

// rewriteArgv reconstructs the stage's argv from its typed tokens,
// rewriting every InputFile/OutputFile value to the proxy-local view when
// loc is not Client, and reporting which argv slots hold a
// mount suffix the executing proxy must prefix with its local root.
// override, if non-nil, replaces (or — with the zero Location — drops)
// specific token indices, used for an arg-split clone's file subset.
func rewriteArgv(s *schedule.Stage, loc mount.ProxyID, override map[int]mount.Location) ([]string, []int) {
	fileLoc := make(map[int]mount.Location, len(s.Files))
	for _, ft := range s.Files {
		fileLoc[ft.Index] = ft.Loc
	}

	argv := append([]string(nil), strings.Fields(s.CommandName)...)
	var pathArgs []int
	toks := s.Tokens
	for i := 0; i < len(toks); i++ {
		t := toks[i]

		if t.Kind == invocation.KindListSep {
			continue // consumed as part of the preceding file value's join, below
		}

		if t.Kind != invocation.KindInputFile && t.Kind != invocation.KindOutputFile {
			argv = append(argv, t.Raw)
			continue
		}

		// Collect this value's list run: a file token optionally followed
		// by repeated (ListSep, file) pairs sharing one original argv slot.
		var parts []string
		sep := ""
		rewrote := false
		j := i
		for {
			loc2, ok := resolveLoc(j, override, fileLoc)
			if ok {
				parts = append(parts, rewriteOne(loc, toks[j], loc2))
				if !loc.IsClient() && !loc2.IsLocal() {
					rewrote = true
				}
			}
			if j+1 < len(toks) && toks[j+1].Kind == invocation.KindListSep {
				sep = toks[j+1].Raw
				j += 2
				continue
			}
			break
		}
		i = j
		if len(parts) > 0 {
			// A single remote path is marked for root-prefixing by the
			// proxy; a sep-joined run of remote suffixes is not (the
			// prefix would only reach its first element), so those rely
			// on the proxy exporting its tree at its own root.
			if len(parts) == 1 && rewrote {
				pathArgs = append(pathArgs, len(argv))
			}
			argv = append(argv, strings.Join(parts, sep))
		}
	}
	return argv, pathArgs
}

func resolveLoc(idx int, override map[int]mount.Location, fileLoc map[int]mount.Location) (mount.Location, bool) {
	if override != nil {
		if loc, ok := override[idx]; ok {
			if loc == (mount.Location{}) {
				return mount.Location{}, false // dropped: not this clone's file
			}
			return loc, true
		}
	}
	loc, ok := fileLoc[idx]
	return loc, ok
}

func rewriteOne(execLoc mount.ProxyID, t invocation.Token, fileLoc mount.Location) string {
	if execLoc.IsClient() {
		return t.Raw
	}
	return remotePath(t.Path, fileLoc)
}

// stageDir picks the node's working directory: the canonical client cwd
// at the Client, its proxy-side translation (a mount suffix the executing
// host prefixes with its local root, which also becomes the node's PWD)
// for a proxy stage that needs the current directory, nothing otherwise.
func (b *builder) stageDir(s *schedule.Stage, loc mount.ProxyID) string {
	if loc.IsClient() {
		return b.in.Cwd
	}
	if !s.NeedsCurrentDir() || b.in.Table == nil {
		return ""
	}
	if suffix, ok := b.in.Table.Translate(loc, b.in.Cwd); ok {
		return suffix
	}
	return ""
}
