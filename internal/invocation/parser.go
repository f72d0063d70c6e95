package invocation

import (
	"fmt"
	"strings"

	"github.com/posh-sh/posh/internal/annotation"
)

// Parse re-parses args (the stage's argv with the command name already
// stripped) against set, trying descriptors in source order and accepting
// the first total assignment. It returns the matched
// descriptor alongside the typed tokens.
//
// Parse is pure: the same (set, args) always yields the same result.
func Parse(set annotation.OverloadSet, args []string) (*annotation.CommandDescriptor, []Token, error) {
	var lastErr error
	for _, d := range set {
		toks, err := attempt(d, args)
		if err == nil {
			return d, toks, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty overload set")
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrNoMatch, lastErr)
}

// keyTable indexes a descriptor's Flag/OptParam args by their matchable
// key strings, built once per attempt.
type keyTable struct {
	long  map[string]*annotation.ArgDescriptor
	short map[byte]*annotation.ArgDescriptor
}

func buildKeyTable(d *annotation.CommandDescriptor) *keyTable {
	kt := &keyTable{long: make(map[string]*annotation.ArgDescriptor), short: make(map[byte]*annotation.ArgDescriptor)}
	for i := range d.Args {
		a := &d.Args[i]
		if a.Kind != annotation.Flag && a.Kind != annotation.OptParam {
			continue
		}
		if a.HasLong() {
			kt.long[a.Long] = a
		}
		if a.HasShort() {
			kt.short[a.Short] = a
		}
	}
	return kt
}

// matchKey reports whether tok is a recognized flag/optparam key for d.
func matchKey(tok string, kt *keyTable, longSingleDash bool) (*annotation.ArgDescriptor, string, bool) {
	switch {
	case strings.HasPrefix(tok, "--"):
		name := tok[2:]
		if a, ok := kt.long[name]; ok {
			return a, name, true
		}
		return nil, "", false

	case strings.HasPrefix(tok, "-") && len(tok) > 1:
		rest := tok[1:]
		if longSingleDash {
			if a, ok := kt.long[rest]; ok {
				return a, rest, true
			}
			return nil, "", false
		}
		if len(rest) == 1 {
			if a, ok := kt.short[rest[0]]; ok {
				return a, string(rest[0]), true
			}
		}
		return nil, "", false

	default:
		return nil, "", false
	}
}

func argName(a *annotation.ArgDescriptor, matched string) string {
	if a.HasLong() {
		return a.Long
	}
	return matched
}

// attempt runs one descriptor's greedy left-to-right scan over args.
func attempt(d *annotation.CommandDescriptor, args []string) ([]Token, error) {
	kt := buildKeyTable(d)
	longSingleDash := d.Has(annotation.LongArgsSingleDash)
	params := d.Params()

	var toks []Token
	paramIdx := 0
	i := 0

	for i < len(args) {
		tok := args[i]

		if a, matched, ok := matchKey(tok, kt, longSingleDash); ok {
			name := argName(a, matched)
			if a.Kind == annotation.Flag {
				toks = append(toks, Token{Raw: tok, Kind: KindFlag, Name: name, Arg: a})
				i++
				continue
			}

			// OptParam: consume the key, then its value block.
			toks = append(toks, Token{Raw: tok, Kind: KindOptParamKey, Name: name, Arg: a})
			i++

			consumed, valToks, err := consumeValue(a, args, i, kt, longSingleDash)
			if err != nil {
				return nil, fmt.Errorf("optparam %s: %w", name, err)
			}
			toks = append(toks, valToks...)
			i += consumed
			continue
		}

		if paramIdx < len(params) {
			p := &params[paramIdx]
			consumed, valToks, err := consumeValue(p, args, i, kt, longSingleDash)
			if err != nil {
				return nil, fmt.Errorf("param %d: %w", paramIdx, err)
			}

			// A greedy space-list Param that ran to end-of-input while
			// later required Params remain unfilled starved them: that's
			// this Param taking too many values, not the later ones
			// taking too few.
			morePending := paramIdx+1 < len(params)
			if p.Value.Size == annotation.SizeList && p.Value.ListSep == ' ' && i+consumed >= len(args) && morePending {
				return nil, fmt.Errorf("param %d: %w", paramIdx, ErrTooManyValues)
			}

			toks = append(toks, valToks...)
			i += consumed
			paramIdx++
			continue
		}

		return nil, fmt.Errorf("%w: %q", ErrUnknownArgument, tok)
	}

	if paramIdx < len(params) {
		return nil, fmt.Errorf("%w: missing %d param(s)", ErrTooFewValues, len(params)-paramIdx)
	}

	return toks, nil
}

// tokenKindFor maps a value_spec's value_type to a Kind.
func tokenKindFor(vt annotation.ValueType) Kind {
	switch vt {
	case annotation.InputFile:
		return KindInputFile
	case annotation.OutputFile:
		return KindOutputFile
	default:
		return KindStr
	}
}

// consumeValue consumes a's value block starting at args[start]. It
// returns how many raw tokens were consumed and
// the typed tokens produced.
func consumeValue(a *annotation.ArgDescriptor, args []string, start int, kt *keyTable, longSingleDash bool) (int, []Token, error) {
	vs := a.Value
	kind := tokenKindFor(vs.Type)

	mkToken := func(raw string) Token {
		t := Token{Raw: raw, Kind: kind, Arg: a}
		if kind == KindInputFile || kind == KindOutputFile {
			t.Path = raw
		}
		return t
	}

	switch vs.Size {
	case annotation.SizeOne:
		if start >= len(args) {
			return 0, nil, ErrTooFewValues
		}
		return 1, []Token{mkToken(args[start])}, nil

	case annotation.SizeExact:
		if start+vs.Exact > len(args) {
			return 0, nil, ErrTooFewValues
		}
		toks := make([]Token, vs.Exact)
		for j := 0; j < vs.Exact; j++ {
			toks[j] = mkToken(args[start+j])
		}
		return vs.Exact, toks, nil

	case annotation.SizeList:
		if vs.ListSep != ' ' {
			// Non-space separator: exactly one raw token, split into
			// multiple typed values, joined by a synthetic ListSep token
			// so the original separator survives in the typed stream.
			if start >= len(args) {
				return 0, nil, ErrTooFewValues
			}
			parts := strings.Split(args[start], string(vs.ListSep))
			var toks []Token
			for j, p := range parts {
				if j > 0 {
					toks = append(toks, Token{Raw: string(vs.ListSep), Kind: KindListSep})
				}
				toks = append(toks, mkToken(p))
			}
			return 1, toks, nil
		}

		// Space-separated greedy list: consume until a recognized key or EOF.
		var toks []Token
		n := 0
		for start+n < len(args) {
			if _, _, ok := matchKey(args[start+n], kt, longSingleDash); ok {
				break
			}
			toks = append(toks, mkToken(args[start+n]))
			n++
		}
		return n, toks, nil

	default:
		return 0, nil, fmt.Errorf("unknown size kind")
	}
}
