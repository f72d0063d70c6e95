// Package shellparse tokenizes a user's shell line into
// the minimal POSIX subset POSH accelerates — pipelines, redirections and
// export statements — rejecting everything else.
package shellparse

// RedirKind distinguishes the three redirection operators the grammar
// allows.
type RedirKind int

const (
	RedirStdin RedirKind = iota
	RedirStdout
	RedirStderr
)

func (k RedirKind) String() string {
	switch k {
	case RedirStdin:
		return "<"
	case RedirStdout:
		return ">"
	case RedirStderr:
		return "2>"
	default:
		return "?"
	}
}

// Redirect is one "<"/">"/"2>" attached to a Stage.
type Redirect struct {
	Kind RedirKind
	Path string
}

// Stage is one pipeline stage: a command name, its argv, and any
// redirections attached to it.
type Stage struct {
	Argv      []string
	Redirects []Redirect
}

// Command returns the stage's command name, or "" if Argv is empty.
func (s Stage) Command() string {
	if len(s.Argv) == 0 {
		return ""
	}
	return s.Argv[0]
}

// Args returns the stage's arguments, excluding the command name.
func (s Stage) Args() []string {
	if len(s.Argv) == 0 {
		return nil
	}
	return s.Argv[1:]
}

// Pipeline is a "|"-chained sequence of Stages.
type Pipeline struct {
	Stages []Stage
}

// Export is a parsed "export ident=word" statement.
type Export struct {
	Name  string
	Value string
}

// Statement is one ";"-separated top-level line: exactly one of Export or
// Pipeline is non-nil.
type Statement struct {
	Export   *Export
	Pipeline *Pipeline
}
