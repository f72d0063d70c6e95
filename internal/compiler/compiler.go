// Package compiler glues the invocation parser and the mount resolver
// onto the stage list the shell parser produces, yielding the typed,
// location-resolved []*schedule.Stage the scheduler and the graph
// builder consume.
package compiler

import (
	"strings"

	"github.com/posh-sh/posh/internal/annotation"
	"github.com/posh-sh/posh/internal/invocation"
	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/schedule"
	"github.com/posh-sh/posh/internal/shellparse"
)

// maxCommandWords bounds the lookahead for multi-word command names
// like "git status"; no annotation file in practice needs more than a
// handful of leading words.
const maxCommandWords = 4

// Stage pairs one shell-level stage with the schedule.Stage the
// scheduler places. Accelerated is false when no annotation matched:
// the stage is still
// represented as a schedule.Stage, with every token typed Str and
// ForceClient set, so the graph builder can lower it exactly like any
// other stage, but it always executes on Client with its original argv
// untouched.
type Stage struct {
	Shell       shellparse.Stage
	Sched       *schedule.Stage
	Accelerated bool
}

// Pipeline is one compiled shell pipeline: every stage typed and
// file-resolved, ready for schedule.Compute and graph.Build.
type Pipeline struct {
	Stages []*Stage
}

// SchedStages returns the schedule.Stage list, in pipeline order, for
// handing to schedule.Compute.
func (p *Pipeline) SchedStages() []*schedule.Stage {
	out := make([]*schedule.Stage, len(p.Stages))
	for i, s := range p.Stages {
		out[i] = s.Sched
	}
	return out
}

// Compile types and file-resolves every stage of pl.
func Compile(pl *shellparse.Pipeline, table annotation.Table, mtab *mount.Table, cwd string) *Pipeline {
	out := &Pipeline{Stages: make([]*Stage, len(pl.Stages))}
	for i, st := range pl.Stages {
		out.Stages[i] = compileStage(i, st, len(pl.Stages), table, mtab, cwd)
	}
	return out
}

func compileStage(i int, st shellparse.Stage, n int, table annotation.Table, mtab *mount.Table, cwd string) *Stage {
	cmdName, rest, set := matchCommandName(st.Argv, table)

	var desc *annotation.CommandDescriptor
	var toks []invocation.Token
	accelerated := false
	if set != nil {
		if d, t, err := invocation.Parse(set, rest); err == nil {
			desc, toks, accelerated = d, t, true
		}
	}
	if !accelerated {
		cmdName = st.Command()
		rest = st.Args()
		toks = make([]invocation.Token, len(rest))
		for j, a := range rest {
			toks[j] = invocation.Token{Raw: a, Kind: invocation.KindStr}
		}
	}

	sched := &schedule.Stage{
		ID: i, CommandName: cmdName, Descriptor: desc, Tokens: toks,
		ForceClient: !accelerated,
	}
	resolveFiles(sched, toks, mtab, cwd)
	resolveRedirects(sched, st.Redirects, mtab, cwd)
	applyStdioDefaults(sched, i, n)

	return &Stage{Shell: st, Sched: sched, Accelerated: accelerated}
}

// matchCommandName tries the longest leading run of argv's words, accepting the first one present in
// table, and returns the matched name, the remaining argv, and its
// overload set. No match returns ("", nil, nil).
func matchCommandName(argv []string, table annotation.Table) (string, []string, annotation.OverloadSet) {
	if len(argv) == 0 {
		return "", nil, nil
	}
	limit := len(argv)
	if limit > maxCommandWords {
		limit = maxCommandWords
	}
	for n := limit; n >= 1; n-- {
		name := strings.Join(argv[:n], " ")
		if set := table.Lookup(name); set != nil {
			return name, argv[n:], set
		}
	}
	return "", nil, nil
}

// resolveFiles resolves a stage's typed argument tokens: every
// InputFile/OutputFile token is canonicalized and resolved against mtab,
// producing the schedule.FileToken list placement is restricted by.
func resolveFiles(s *schedule.Stage, toks []invocation.Token, mtab *mount.Table, cwd string) {
	for i, t := range toks {
		if t.Kind != invocation.KindInputFile && t.Kind != invocation.KindOutputFile {
			continue
		}
		canonical := mount.Canonicalize(t.Path, cwd)
		loc := mtab.Resolve(canonical)
		toks[i].Path = canonical
		s.Files = append(s.Files, schedule.FileToken{Token: toks[i], Loc: loc, Index: i})
	}
}

// resolveRedirects resolves a stage's shell-level "<"/">"/"2>" targets
// — these never restrict placement, they only tell the graph builder
// which synthetic File node to wire.
func resolveRedirects(s *schedule.Stage, redirs []shellparse.Redirect, mtab *mount.Table, cwd string) {
	for _, r := range redirs {
		canonical := mount.Canonicalize(r.Path, cwd)
		loc := mtab.Resolve(canonical)
		switch r.Kind {
		case shellparse.RedirStdin:
			s.StdinKind, s.StdinPath, s.StdinLoc = schedule.StdinFile, canonical, loc
		case shellparse.RedirStdout:
			s.StdoutKind, s.StdoutPath, s.StdoutLoc = schedule.StdoutFile, canonical, loc
		case shellparse.RedirStderr:
			s.StderrIsFile, s.StderrPath, s.StderrLoc = true, canonical, loc
		}
	}
}

// applyStdioDefaults fills in the stdin/stdout wiring left implicit
// when no explicit redirect named it: a piped connection to the
// adjacent stage, or Inherit at the pipeline's two ends.
func applyStdioDefaults(s *schedule.Stage, i, n int) {
	if s.StdinKind == schedule.StdinInherit && i > 0 {
		s.StdinKind = schedule.StdinPipe
	}
	if s.StdoutKind == schedule.StdoutInherit && i < n-1 {
		s.StdoutKind = schedule.StdoutPipe
	}
}
