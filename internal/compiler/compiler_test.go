package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/posh-sh/posh/internal/annotation"
	"github.com/posh-sh/posh/internal/invocation"
	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/schedule"
	"github.com/posh-sh/posh/internal/shellparse"
)

func testTables(t *testing.T) (annotation.Table, *mount.Table) {
	t.Helper()
	ann, err := annotation.Load(strings.NewReader(
		"cat: PARAMS:[(type:input_file,size:list(list_separator:( )),splittable)]\n" +
			"grep[filters_input,splittable_across_input]: PARAMS:[(type:str,size:1),(type:input_file,size:1)]\n"))
	if err != nil {
		t.Fatalf("annotation.Load: %v", err)
	}

	dir := t.TempDir()
	cfg := filepath.Join(dir, "mounts.yaml")
	if err := os.WriteFile(cfg, []byte("mounts:\n  \"10.0.0.1\": /m1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mtab, err := mount.LoadConfig(cfg)
	if err != nil {
		t.Fatalf("mount.LoadConfig: %v", err)
	}
	return ann, mtab
}

func parseLine(t *testing.T, line string) *shellparse.Pipeline {
	t.Helper()
	stmts, err := shellparse.Parse(line)
	if err != nil {
		t.Fatalf("shellparse.Parse(%q): %v", line, err)
	}
	if len(stmts) != 1 || stmts[0].Pipeline == nil {
		t.Fatalf("expected one pipeline statement, got %+v", stmts)
	}
	return stmts[0].Pipeline
}

func TestCompileTypesAndResolves(t *testing.T) {
	ann, mtab := testTables(t)
	pl := parseLine(t, "cat /m1/a.txt b.txt | grep foo")

	out := Compile(pl, ann, mtab, "/home/u")
	if len(out.Stages) != 2 {
		t.Fatalf("want 2 stages, got %d", len(out.Stages))
	}

	cat := out.Stages[0]
	if !cat.Accelerated {
		t.Fatalf("cat should be accelerated: %+v", cat.Sched)
	}
	if len(cat.Sched.Files) != 2 {
		t.Fatalf("cat: want 2 resolved files, got %+v", cat.Sched.Files)
	}
	if cat.Sched.Files[0].Loc.Proxy.IP() != "10.0.0.1" || cat.Sched.Files[0].Loc.RemoteSuffix != "/a.txt" {
		t.Fatalf("cat file 0 resolution wrong: %v", cat.Sched.Files[0].Loc)
	}
	// relative path canonicalized against cwd, outside any mount -> Local
	if !cat.Sched.Files[1].Loc.IsLocal() || cat.Sched.Files[1].Token.Path != "/home/u/b.txt" {
		t.Fatalf("cat file 1 resolution wrong: %+v", cat.Sched.Files[1])
	}
	if cat.Sched.StdoutKind != schedule.StdoutPipe {
		t.Fatalf("cat stdout should be a pipe")
	}

	grep := out.Stages[1]
	if grep.Sched.StdinKind != schedule.StdinPipe || grep.Sched.StdoutKind != schedule.StdoutInherit {
		t.Fatalf("grep stdio wiring wrong: %+v", grep.Sched)
	}
}

func TestCompileNoMatchFallsBackToClient(t *testing.T) {
	ann, mtab := testTables(t)
	pl := parseLine(t, "frobnicate --x 1")

	out := Compile(pl, ann, mtab, "/home/u")
	st := out.Stages[0]
	if st.Accelerated {
		t.Fatalf("unannotated command must not be accelerated")
	}
	if !st.Sched.ForceClient {
		t.Fatalf("unannotated command must be pinned to Client")
	}
	if st.Sched.CommandName != "frobnicate" || len(st.Sched.Tokens) != 2 {
		t.Fatalf("original argv must survive untouched: %+v", st.Sched)
	}
	for _, tok := range st.Sched.Tokens {
		if tok.Kind != invocation.KindStr {
			t.Fatalf("fallback tokens must stay untyped strings: %+v", tok)
		}
	}
}

func TestCompileAnnotatedFlagMismatchFallsBack(t *testing.T) {
	ann, mtab := testTables(t)
	pl := parseLine(t, "grep --count foo /m1/x.txt")

	out := Compile(pl, ann, mtab, "/home/u")
	st := out.Stages[0]
	if st.Accelerated {
		t.Fatalf("invocation with an unannotated flag must fall back to local execution")
	}
}

func TestCompileRedirectResolution(t *testing.T) {
	ann, mtab := testTables(t)
	pl := parseLine(t, "grep foo /m1/big.log > out.txt")

	out := Compile(pl, ann, mtab, "/home/u")
	st := out.Stages[0]
	if st.Sched.StdoutKind != schedule.StdoutFile {
		t.Fatalf("redirect not picked up: %+v", st.Sched)
	}
	if st.Sched.StdoutPath != "/home/u/out.txt" || !st.Sched.StdoutLoc.IsLocal() {
		t.Fatalf("redirect target resolution wrong: %q %v", st.Sched.StdoutPath, st.Sched.StdoutLoc)
	}
}
