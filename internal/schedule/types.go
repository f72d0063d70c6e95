// Package schedule assigns each pipeline stage a
// location (the client or a proxy) honoring data-locality, filtering, and
// splittability hints.
package schedule

import (
	"github.com/posh-sh/posh/internal/annotation"
	"github.com/posh-sh/posh/internal/invocation"
	"github.com/posh-sh/posh/internal/mount"
)

// StdinKind says where a stage's standard input comes from.
type StdinKind int

const (
	StdinInherit StdinKind = iota
	StdinPipe
	StdinFile
)

// StdoutKind says where a stage's standard output goes.
type StdoutKind int

const (
	StdoutInherit StdoutKind = iota
	StdoutPipe
	StdoutFile
)

// FileToken pairs one InputFile/OutputFile typed token with the
// mount.Location it resolved to. Index is the token's position in the
// owning Stage.Tokens, so the graph builder can rewrite exactly that
// slot when lowering the stage's argv for remote execution.
type FileToken struct {
	Token invocation.Token
	Loc   mount.Location
	Index int
}

// IsInput reports whether the token is an InputFile reference.
func (f FileToken) IsInput() bool { return f.Token.Kind == invocation.KindInputFile }

// Stage is the scheduler's input: one shell pipeline stage already
// typed and file-resolved. A stage with a nil Descriptor is
// non-acceleratable (no annotation matched its invocation).
type Stage struct {
	ID          int
	CommandName string
	Descriptor  *annotation.CommandDescriptor
	Tokens      []invocation.Token
	Files       []FileToken

	// ForceClient marks a stage that matched no annotation and must run
	// locally with its original argv untouched. Its admissible set is
	// always {Client}, regardless of Descriptor/Files, since there is no
	// typed file information to restrict it any other way.
	ForceClient bool

	// Redirections, already path-resolved but never constraining this
	// stage's placement — only the graph builder consults these, to wire
	// synthetic File nodes.
	StdinKind StdinKind
	StdinPath string         // canonical path, valid iff StdinKind == StdinFile
	StdinLoc  mount.Location // valid iff StdinKind == StdinFile

	StdoutKind StdoutKind
	StdoutPath string
	StdoutLoc  mount.Location // valid iff StdoutKind == StdoutFile

	StderrIsFile bool
	StderrPath   string
	StderrLoc    mount.Location
}

func (s *Stage) flag(f annotation.CommandFlag) bool {
	return s.Descriptor != nil && s.Descriptor.Has(f)
}

func (s *Stage) NeedsCurrentDir() bool       { return s.flag(annotation.NeedsCurrentDir) }
func (s *Stage) FiltersInput() bool          { return s.flag(annotation.FiltersInput) }
func (s *Stage) SplittableAcrossInput() bool { return s.flag(annotation.SplittableAcrossInput) }

// SplittableArg returns the stage's at most one splittable argument and
// the resolved locations of the file values bound to it, in the order
// they appeared on the command line. Returns nil if the stage has none.
func (s *Stage) SplittableArg() (*annotation.ArgDescriptor, []mount.Location) {
	for i := range s.Files {
		ft := &s.Files[i]
		if ft.Token.Arg != nil && ft.Token.Arg.Value.Splittable {
			var locs []mount.Location
			for _, g := range s.Files {
				if g.Token.Arg == ft.Token.Arg {
					locs = append(locs, g.Loc)
				}
			}
			return ft.Token.Arg, locs
		}
	}
	return nil, nil
}

// SplitKind distinguishes the two ways a stage may be data-parallelized.
type SplitKind int

const (
	NoSplit SplitKind = iota
	ArgSplit
	StdinSplit
)

// Clone is one parallel instance of a split stage, bound to one proxy.
// For ArgSplit, Files holds the subset of the splittable argument's file
// values this clone is responsible for, preserving their original order.
type Clone struct {
	Location mount.ProxyID
	Files    []mount.Location
}

// Placement is the outcome for one input stage: either a single location,
// or (if Split != NoSplit) a set of Clones plus an implied aggregator.
type Placement struct {
	StageID  int
	Location mount.ProxyID
	Split    SplitKind
	Clones   []Clone
}

// Plan is the full placement plan, one Placement per input Stage in
// pipeline order.
type Plan struct {
	Placements []Placement
}

func (p *Plan) Get(stageID int) (Placement, bool) {
	for _, pl := range p.Placements {
		if pl.StageID == stageID {
			return pl, true
		}
	}
	return Placement{}, false
}
