// Package annotation parses the annotation file that describes each
// external command's argument structure and data-flow semantics into
// typed command descriptors.
package annotation

import "fmt"

// ValueType is the data-flow type of an argument's value.
type ValueType int

const (
	InputFile ValueType = iota
	OutputFile
	Str
)

func (t ValueType) String() string {
	switch t {
	case InputFile:
		return "input_file"
	case OutputFile:
		return "output_file"
	case Str:
		return "str"
	default:
		return "unknown"
	}
}

// SizeKind is the shape of a value block consumed for one argument.
type SizeKind int

const (
	SizeOne SizeKind = iota
	SizeExact
	SizeList
)

// ValueSpec describes the value block of an OptParam or Param.
type ValueSpec struct {
	Type       ValueType
	Size       SizeKind
	Exact      int  // valid iff Size == SizeExact, >= 1
	ListSep    byte // valid iff Size == SizeList
	Splittable bool
}

// ArgKind distinguishes the three argument descriptor shapes.
type ArgKind int

const (
	Flag ArgKind = iota
	OptParam
	Param
)

func (k ArgKind) String() string {
	switch k {
	case Flag:
		return "Flag"
	case OptParam:
		return "OptParam"
	case Param:
		return "Param"
	default:
		return "unknown"
	}
}

// ArgDescriptor is one parsed "arg" entry from a FLAGS/OPTPARAMS/PARAMS block.
type ArgDescriptor struct {
	Kind ArgKind

	Short byte   // 0 if absent
	Long  string // "" if absent

	Value ValueSpec // meaningful iff Kind != Flag
}

// HasShort reports whether a short name was given.
func (a ArgDescriptor) HasShort() bool { return a.Short != 0 }

// HasLong reports whether a long name was given.
func (a ArgDescriptor) HasLong() bool { return a.Long != "" }

func (a ArgDescriptor) String() string {
	switch a.Kind {
	case Flag:
		return fmt.Sprintf("Flag(short:%c,long:%s)", a.Short, a.Long)
	default:
		return fmt.Sprintf("%s(short:%c,long:%s,type:%s)", a.Kind, a.Short, a.Long, a.Value.Type)
	}
}

// CommandFlag is one of the five per-command behavior flags.
type CommandFlag string

const (
	NeedsCurrentDir        CommandFlag = "needs_current_dir"
	SplittableAcrossInput  CommandFlag = "splittable_across_input"
	FiltersInput           CommandFlag = "filters_input"
	LongArgsSingleDash     CommandFlag = "long_args_single_dash"
	ReadsStdin             CommandFlag = "reads_stdin"
)

// CommandDescriptor is one parsed annotation entry.
type CommandDescriptor struct {
	CommandName string
	Flags       map[CommandFlag]bool
	Args        []ArgDescriptor // in the order the argblocks appear on the annotation line
}

// Has reports whether the descriptor declares the given command-level flag.
func (d *CommandDescriptor) Has(f CommandFlag) bool { return d.Flags[f] }

// Params returns the Param-kind args, in declared order.
func (d *CommandDescriptor) Params() []ArgDescriptor {
	var out []ArgDescriptor
	for _, a := range d.Args {
		if a.Kind == Param {
			out = append(out, a)
		}
	}
	return out
}

// OverloadSet groups same-named descriptors in source order.
type OverloadSet []*CommandDescriptor

// Table maps a command name to its overload set.
type Table map[string]OverloadSet

// Lookup returns the overload set for cmd, or nil if the command is
// unannotated — the caller must then treat the stage as non-acceleratable.
func (t Table) Lookup(cmd string) OverloadSet { return t[cmd] }
