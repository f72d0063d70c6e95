package shellparse

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Parse tokenizes a shell line into a sequence of Statements. It delegates lexing/quoting to mvdan.cc/sh/v3's POSIX parser and
// then walks the resulting AST, accepting only the grammar's subset and
// rejecting everything else — control-flow, job control, globbing,
// variable expansion beyond export, and quoting beyond paired quotes —
// with ErrShellParse rather than approximating it.
func Parse(line string) ([]Statement, error) {
	p := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	f, err := p.Parse(strings.NewReader(line), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShellParse, err)
	}

	stmts := make([]Statement, 0, len(f.Stmts))
	for _, s := range f.Stmts {
		stmt, err := convertStmt(s)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func convertStmt(s *syntax.Stmt) (Statement, error) {
	if s.Negated || s.Background || s.Coprocess {
		return Statement{}, fmt.Errorf("%w: negation/background/coprocess not supported", ErrShellParse)
	}

	switch cmd := s.Cmd.(type) {
	case *syntax.CallExpr:
		if exp, ok, err := tryExport(cmd); err != nil {
			return Statement{}, err
		} else if ok {
			if len(s.Redirs) != 0 {
				return Statement{}, fmt.Errorf("%w: export does not take redirections", ErrShellParse)
			}
			return Statement{Export: exp}, nil
		}
		stage, err := convertCall(cmd, s.Redirs)
		if err != nil {
			return Statement{}, err
		}
		return Statement{Pipeline: &Pipeline{Stages: []Stage{stage}}}, nil

	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe {
			return Statement{}, fmt.Errorf("%w: only \"|\" is supported, not %q", ErrShellParse, cmd.Op)
		}
		stages, err := flattenPipe(s)
		if err != nil {
			return Statement{}, err
		}
		return Statement{Pipeline: &Pipeline{Stages: stages}}, nil

	default:
		return Statement{}, fmt.Errorf("%w: unsupported construct %T", ErrShellParse, s.Cmd)
	}
}

// flattenPipe walks a left-associative chain of BinaryCmd{Op: Pipe} nodes
// into an ordered list of Stages.
func flattenPipe(s *syntax.Stmt) ([]Stage, error) {
	bc, ok := s.Cmd.(*syntax.BinaryCmd)
	if !ok {
		return convertSingleStage(s)
	}
	if bc.Op != syntax.Pipe {
		return nil, fmt.Errorf("%w: only \"|\" is supported, not %q", ErrShellParse, bc.Op)
	}
	if s.Negated || s.Background || s.Coprocess || len(s.Redirs) != 0 {
		return nil, fmt.Errorf("%w: pipeline segment cannot carry redirections/negation/background", ErrShellParse)
	}

	left, err := flattenPipe(bc.X)
	if err != nil {
		return nil, err
	}
	right, err := convertSingleStage(bc.Y)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func convertSingleStage(s *syntax.Stmt) ([]Stage, error) {
	if s.Negated || s.Background || s.Coprocess {
		return nil, fmt.Errorf("%w: negation/background/coprocess not supported", ErrShellParse)
	}
	call, ok := s.Cmd.(*syntax.CallExpr)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported construct %T in pipeline", ErrShellParse, s.Cmd)
	}
	stage, err := convertCall(call, s.Redirs)
	if err != nil {
		return nil, err
	}
	return []Stage{stage}, nil
}

func convertCall(call *syntax.CallExpr, redirs []*syntax.Redirect) (Stage, error) {
	if len(call.Assigns) != 0 {
		return Stage{}, fmt.Errorf("%w: prefix variable assignment is not supported, use export", ErrShellParse)
	}
	if len(call.Args) == 0 {
		return Stage{}, fmt.Errorf("%w: empty command", ErrShellParse)
	}

	argv := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		lit, err := wordLiteral(w)
		if err != nil {
			return Stage{}, err
		}
		argv = append(argv, lit)
	}

	rs, err := convertRedirs(redirs)
	if err != nil {
		return Stage{}, err
	}
	return Stage{Argv: argv, Redirects: rs}, nil
}

func convertRedirs(redirs []*syntax.Redirect) ([]Redirect, error) {
	seen := make(map[RedirKind]bool)
	out := make([]Redirect, 0, len(redirs))
	for _, r := range redirs {
		var kind RedirKind
		switch r.Op {
		case syntax.RdrIn:
			if r.N != nil {
				return nil, fmt.Errorf("%w: unsupported redirection fd %q", ErrShellParse, r.N.Value)
			}
			kind = RedirStdin
		case syntax.RdrOut:
			if r.N != nil {
				if r.N.Value != "2" {
					return nil, fmt.Errorf("%w: unsupported redirection fd %q", ErrShellParse, r.N.Value)
				}
				kind = RedirStderr
			} else {
				kind = RedirStdout
			}
		default:
			return nil, fmt.Errorf("%w: unsupported redirection operator %q", ErrShellParse, r.Op)
		}

		if seen[kind] {
			return nil, fmt.Errorf("%w: duplicate %s redirection", ErrShellParse, kind)
		}
		seen[kind] = true

		path, err := wordLiteral(r.Word)
		if err != nil {
			return nil, err
		}
		out = append(out, Redirect{Kind: kind, Path: path})
	}
	return out, nil
}

// tryExport recognizes "export ident=word" and reports whether cmd was one.
func tryExport(call *syntax.CallExpr) (*Export, bool, error) {
	if len(call.Assigns) != 0 || len(call.Args) != 2 {
		return nil, false, nil
	}
	name, err := wordLiteral(call.Args[0])
	if err != nil || name != "export" {
		return nil, false, nil
	}

	assignment, err := wordLiteral(call.Args[1])
	if err != nil {
		return nil, false, err
	}
	ident, value, ok := strings.Cut(assignment, "=")
	if !ok || ident == "" {
		return nil, false, fmt.Errorf("%w: export requires ident=word", ErrShellParse)
	}
	return &Export{Name: ident, Value: value}, true, nil
}

// wordLiteral renders a Word as a plain string, accepting only literal
// text and paired single/double quotes — no parameter expansion, command
// substitution, arithmetic, process substitution or extended globs.
func wordLiteral(w *syntax.Word) (string, error) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			if strings.ContainsAny(p.Value, "*?[") {
				return "", fmt.Errorf("%w: globbing is not supported: %q", ErrShellParse, p.Value)
			}
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				lit, ok := dp.(*syntax.Lit)
				if !ok {
					return "", fmt.Errorf("%w: unsupported expansion inside double quotes", ErrShellParse)
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", fmt.Errorf("%w: unsupported word part %T", ErrShellParse, part)
		}
	}
	return sb.String(), nil
}
