package invocation

import "errors"

var (
	// ErrUnknownArgument is returned by a single descriptor attempt when a
	// token is neither a recognized flag/optparam key nor consumable by a
	// remaining positional Param.
	ErrUnknownArgument = errors.New("unknown argument")

	// ErrTooFewValues is returned when a value block needs more tokens
	// than remain in the input.
	ErrTooFewValues = errors.New("too few values")

	// ErrTooManyValues is returned when a greedy List(' ') block consumes
	// tokens all the way to end-of-input while later required Params are
	// still unfilled, starving them.
	ErrTooManyValues = errors.New("too many values")

	// ErrNoMatch is returned when no descriptor in the overload set
	// produces a complete assignment. The stage is then non-acceleratable.
	ErrNoMatch = errors.New("no matching descriptor")
)
