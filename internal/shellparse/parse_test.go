package shellparse

import (
	"errors"
	"testing"
)

func TestParsePipeline(t *testing.T) {
	stmts, err := Parse(`cat A B | grep foo | tee out`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(stmts) != 1 || stmts[0].Pipeline == nil {
		t.Fatalf("expected a single pipeline statement, got %+v", stmts)
	}
	stages := stmts[0].Pipeline.Stages
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if stages[0].Command() != "cat" || len(stages[0].Args()) != 2 {
		t.Fatalf("stage 0 wrong: %+v", stages[0])
	}
	if stages[1].Command() != "grep" {
		t.Fatalf("stage 1 wrong: %+v", stages[1])
	}
	if stages[2].Command() != "tee" {
		t.Fatalf("stage 2 wrong: %+v", stages[2])
	}
}

func TestParseRedirections(t *testing.T) {
	stmts, err := Parse(`grep foo < in.txt > out.txt 2> err.txt`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	stage := stmts[0].Pipeline.Stages[0]
	if len(stage.Redirects) != 3 {
		t.Fatalf("expected 3 redirects, got %+v", stage.Redirects)
	}
	want := map[RedirKind]string{RedirStdin: "in.txt", RedirStdout: "out.txt", RedirStderr: "err.txt"}
	for _, r := range stage.Redirects {
		if want[r.Kind] != r.Path {
			t.Fatalf("redirect %v: got %q want %q", r.Kind, r.Path, want[r.Kind])
		}
	}
}

func TestParseExport(t *testing.T) {
	stmts, err := Parse(`export FOO=bar`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(stmts) != 1 || stmts[0].Export == nil {
		t.Fatalf("expected export statement, got %+v", stmts)
	}
	if stmts[0].Export.Name != "FOO" || stmts[0].Export.Value != "bar" {
		t.Fatalf("unexpected export: %+v", stmts[0].Export)
	}
}

func TestParseMultiStatementLine(t *testing.T) {
	stmts, err := Parse(`export FOO=bar; cat A | grep foo`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if stmts[0].Export == nil || stmts[1].Pipeline == nil {
		t.Fatalf("unexpected statement shapes: %+v", stmts)
	}
}

func TestParseQuotedWords(t *testing.T) {
	stmts, err := Parse(`grep "hello world" 'a b'`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	args := stmts[0].Pipeline.Stages[0].Args()
	if len(args) != 2 || args[0] != "hello world" || args[1] != "a b" {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestParseRejectsControlFlow(t *testing.T) {
	_, err := Parse(`if true; then cat; fi`)
	if !errors.Is(err, ErrShellParse) {
		t.Fatalf("expected ErrShellParse, got %v", err)
	}
}

func TestParseRejectsBackground(t *testing.T) {
	_, err := Parse(`cat file &`)
	if !errors.Is(err, ErrShellParse) {
		t.Fatalf("expected ErrShellParse, got %v", err)
	}
}

func TestParseRejectsVariableExpansion(t *testing.T) {
	_, err := Parse(`grep $PATTERN file`)
	if !errors.Is(err, ErrShellParse) {
		t.Fatalf("expected ErrShellParse, got %v", err)
	}
}

func TestParseRejectsCommandSubstitution(t *testing.T) {
	_, err := Parse("grep $(cat pat) file")
	if !errors.Is(err, ErrShellParse) {
		t.Fatalf("expected ErrShellParse, got %v", err)
	}
}

func TestParseRejectsAndOr(t *testing.T) {
	_, err := Parse(`cat a && cat b`)
	if !errors.Is(err, ErrShellParse) {
		t.Fatalf("expected ErrShellParse, got %v", err)
	}
}

func TestParseRejectsPrefixAssignment(t *testing.T) {
	_, err := Parse(`FOO=bar cat file`)
	if !errors.Is(err, ErrShellParse) {
		t.Fatalf("expected ErrShellParse, got %v", err)
	}
}

func TestParseRejectsAppendRedirect(t *testing.T) {
	_, err := Parse(`cat file >> out.txt`)
	if !errors.Is(err, ErrShellParse) {
		t.Fatalf("expected ErrShellParse, got %v", err)
	}
}
