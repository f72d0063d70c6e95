// Package invocation re-parses a stage's concrete argv
// against the matching annotation descriptor, assigning a file/string/
// stream type to every token.
package invocation

import "github.com/posh-sh/posh/internal/annotation"

// Kind is the assigned type of one token.
type Kind int

const (
	KindFlag Kind = iota
	KindOptParamKey
	KindStr
	KindInputFile
	KindOutputFile
	KindListSep
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindFlag:
		return "Flag"
	case KindOptParamKey:
		return "OptParamKey"
	case KindStr:
		return "Str"
	case KindInputFile:
		return "InputFile"
	case KindOutputFile:
		return "OutputFile"
	case KindListSep:
		return "ListSep"
	default:
		return "Unknown"
	}
}

// Token is a shell-level lexeme plus its assigned Kind.
type Token struct {
	Raw  string
	Kind Kind

	// Name is the matched arg's canonical name (long name, or the short
	// name if no long name exists), valid for KindFlag/KindOptParamKey.
	Name string

	// Path is the literal path text, valid for KindInputFile/KindOutputFile.
	// Equal to Raw for single-value tokens; for a value split out of a
	// List(sep) block, Path is the individual split segment.
	Path string

	// Arg is the descriptor entry this token was matched against, if any
	// (nil for the KindListSep tokens placed between the values of a split
	// list; each split value keeps its list block's Arg).
	Arg *annotation.ArgDescriptor
}
