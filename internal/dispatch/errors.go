package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel errors for the dispatcher: declared once, wrapped with
// fmt.Errorf at call sites.
var (
	ErrNodeStopped      = errors.New("node stopped")
	ErrNodeNonZeroExit  = errors.New("node exited non-zero")
	ErrProxyUnreachable = errors.New("proxy unreachable")
)

// wrapErrorf prefixes an error message with its owner's name.
func wrapErrorf(prefix, format string, a ...any) error {
	return fmt.Errorf(prefix+": "+format, a...)
}
