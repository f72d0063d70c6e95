package shellparse

import "errors"

// ErrShellParse is wrapped by every rejection: control-flow constructs,
// job control, globbing beyond literal characters, variable expansion
// beyond export, and quoting beyond paired quotes are all out of scope
// and fail closed rather than being approximated.
var ErrShellParse = errors.New("shell parse")
