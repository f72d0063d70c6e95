package schedule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/posh-sh/posh/internal/annotation"
	"github.com/posh-sh/posh/internal/invocation"
	"github.com/posh-sh/posh/internal/mount"
)

func mustTable(t *testing.T) *mount.Table {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "mounts.yaml")
	body := "mounts:\n  \"10.0.0.1\": /m1\n  \"10.0.0.2\": /m2\n"
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tbl, err := mount.LoadConfig(cfg)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return tbl
}

func inputFile(tbl *mount.Table, path string) FileToken {
	loc := tbl.Resolve(path)
	return FileToken{Token: invocation.Token{Kind: invocation.KindInputFile, Path: path}, Loc: loc}
}

// grepDescriptor is a minimal filtering, stdin-splittable command.
func grepDescriptor() *annotation.CommandDescriptor {
	return &annotation.CommandDescriptor{
		CommandName: "grep",
		Flags: map[annotation.CommandFlag]bool{
			annotation.FiltersInput:          true,
			annotation.SplittableAcrossInput: true,
		},
	}
}

func catDescriptor(splittableArg bool) *annotation.CommandDescriptor {
	d := &annotation.CommandDescriptor{CommandName: "cat"}
	if splittableArg {
		d.Args = []annotation.ArgDescriptor{{
			Kind:  annotation.Param,
			Value: annotation.ValueSpec{Type: annotation.InputFile, Size: annotation.SizeList, ListSep: ' ', Splittable: true},
		}}
	}
	return d
}

func TestLocalGrepPinsToClient(t *testing.T) {
	tbl := mustTable(t)
	s := &Stage{ID: 0, CommandName: "grep", Descriptor: grepDescriptor(),
		Files: []FileToken{inputFile(tbl, "/tmp/x.txt")}}

	plan := Compute([]*Stage{s}, Options{Table: tbl, Cwd: "/home/u", SplittingFactor: 1})
	p, _ := plan.Get(0)
	if !p.Location.IsClient() {
		t.Fatalf("want Client, got %s", p.Location)
	}
}

func TestCatThenGrepOneProxy(t *testing.T) {
	tbl := mustTable(t)
	cat := &Stage{ID: 0, CommandName: "cat", Descriptor: catDescriptor(false),
		Files: []FileToken{inputFile(tbl, "/m1/a.txt"), inputFile(tbl, "/m1/b.txt")}}
	grep := &Stage{ID: 1, CommandName: "grep", Descriptor: grepDescriptor(), StdinKind: StdinPipe}

	plan := Compute([]*Stage{cat, grep}, Options{Table: tbl, Cwd: "/home/u", SplittingFactor: 1})
	pc, _ := plan.Get(0)
	pg, _ := plan.Get(1)
	if pc.Location.IP() != "10.0.0.1" {
		t.Fatalf("cat: want Proxy(10.0.0.1), got %s", pc.Location)
	}
	if pg.Location != pc.Location {
		t.Fatalf("grep: want co-located with cat (%s), got %s", pc.Location, pg.Location)
	}
}

func TestCatAcrossTwoProxiesPinsClient(t *testing.T) {
	tbl := mustTable(t)
	cat := &Stage{ID: 0, CommandName: "cat", Descriptor: catDescriptor(false),
		Files: []FileToken{inputFile(tbl, "/m1/a.txt"), inputFile(tbl, "/m2/b.txt")}}
	grep := &Stage{ID: 1, CommandName: "grep", Descriptor: grepDescriptor(), StdinKind: StdinPipe}

	plan := Compute([]*Stage{cat, grep}, Options{Table: tbl, Cwd: "/home/u", SplittingFactor: 1})
	pc, _ := plan.Get(0)
	pg, _ := plan.Get(1)
	if !pc.Location.IsClient() {
		t.Fatalf("cat: want Client (empty admissible set), got %s", pc.Location)
	}
	if !pg.Location.IsClient() {
		t.Fatalf("grep: want Client (its only input is Local now), got %s", pg.Location)
	}
}

func TestFilterPushdownSplitAcrossTwoProxies(t *testing.T) {
	tbl := mustTable(t)
	cat := &Stage{ID: 0, CommandName: "cat", Descriptor: catDescriptor(true),
		Files: []FileToken{inputFile(tbl, "/m1/a.txt"), inputFile(tbl, "/m2/b.txt")}}
	cat.Files[0].Token.Arg = &cat.Descriptor.Args[0]
	cat.Files[1].Token.Arg = &cat.Descriptor.Args[0]
	grep := &Stage{ID: 1, CommandName: "grep", Descriptor: grepDescriptor(), StdinKind: StdinPipe}

	plan := Compute([]*Stage{cat, grep}, Options{Table: tbl, Cwd: "/home/u", SplittingFactor: 2})
	pc, _ := plan.Get(0)
	if pc.Split != ArgSplit {
		t.Fatalf("cat: want ArgSplit, got %v", pc.Split)
	}
	if len(pc.Clones) != 2 {
		t.Fatalf("cat: want 2 clones, got %d", len(pc.Clones))
	}
	if pc.Clones[0].Location.IP() != "10.0.0.1" || pc.Clones[1].Location.IP() != "10.0.0.2" {
		t.Fatalf("cat: clone order not deterministic by first appearance: %+v", pc.Clones)
	}

	pg, _ := plan.Get(1)
	if pg.Split != NoSplit {
		t.Fatalf("grep: want no stdin split (its stream arrives at the client aggregator), got %v", pg.Split)
	}
	if !pg.Location.IsClient() {
		t.Fatalf("grep: want Client (aggregator feeds it locally), got %s", pg.Location)
	}
}

func TestRedirectionToLocalFilePinsTerminalStage(t *testing.T) {
	tbl := mustTable(t)
	grep := &Stage{ID: 0, CommandName: "grep", Descriptor: grepDescriptor(),
		Files:      []FileToken{inputFile(tbl, "/m1/big.log")},
		StdoutKind: StdoutFile, StdoutLoc: tbl.Resolve("/home/u/out.txt")}

	plan := Compute([]*Stage{grep}, Options{Table: tbl, Cwd: "/home/u", SplittingFactor: 1})
	p, _ := plan.Get(0)
	if p.Location.IP() != "10.0.0.1" {
		t.Fatalf("want Proxy(10.0.0.1) (reads remote input; output redirect doesn't touch it directly), got %s", p.Location)
	}
}

func TestEmptyAdmissibleSetPinsClientSilently(t *testing.T) {
	tbl := mustTable(t)
	s := &Stage{ID: 0, CommandName: "x", Descriptor: &annotation.CommandDescriptor{Flags: map[annotation.CommandFlag]bool{annotation.NeedsCurrentDir: true}},
		Files: []FileToken{inputFile(tbl, "/m1/a.txt")}}
	// cwd is on no proxy's mount and stage needs it, but a remote input file
	// forces the proxy -> admissible set is empty -> pin to Client.
	plan := Compute([]*Stage{s}, Options{Table: tbl, Cwd: "/home/other", SplittingFactor: 1})
	p, _ := plan.Get(0)
	if !p.Location.IsClient() {
		t.Fatalf("want Client, got %s", p.Location)
	}
}
