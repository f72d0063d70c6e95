package annotation

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Load parses an annotation file into an overload-set table.
// One descriptor is parsed per non-blank, non-"#" line.
func Load(r io.Reader) (Table, error) {
	table := make(Table)

	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineno := 0
	for scan.Scan() {
		lineno++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		d, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %w", lineno, ErrBadAnnotation, err)
		}
		if err := validate(d); err != nil {
			return nil, fmt.Errorf("line %d: %w: %w", lineno, ErrBadAnnotation, err)
		}

		table[d.CommandName] = append(table[d.CommandName], d)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAnnotation, err)
	}

	return table, nil
}

// cursor is a minimal hand-rolled scanner over one annotation line. The
// grammar is small and line-scoped, so a cursor over the raw string is
// simpler and cheaper than building a generic token stream.
type cursor struct {
	s   string
	pos int
}

func (c *cursor) eof() bool { return c.pos >= len(c.s) }

func (c *cursor) peek() byte {
	if c.eof() {
		return 0
	}
	return c.s[c.pos]
}

func (c *cursor) skipSpaces() {
	for !c.eof() && c.s[c.pos] == ' ' {
		c.pos++
	}
}

func (c *cursor) expect(b byte) error {
	c.skipSpaces()
	if c.eof() || c.s[c.pos] != b {
		return fmt.Errorf("expected %q at %q", b, c.rest())
	}
	c.pos++
	return nil
}

// readSepChar consumes exactly one raw byte as a list separator. It
// must not trim: a space is the most common separator of all.
func (c *cursor) readSepChar() (byte, error) {
	if c.eof() {
		return 0, fmt.Errorf("expected a separator character at end of line")
	}
	ch := c.s[c.pos]
	c.pos++
	return ch, nil
}

func (c *cursor) rest() string {
	if c.pos >= len(c.s) {
		return ""
	}
	return c.s[c.pos:]
}

// readUntil consumes a run of bytes not in stop, trimming surrounding spaces.
func (c *cursor) readUntil(stop string) string {
	start := c.pos
	for !c.eof() && !strings.ContainsRune(stop, rune(c.s[c.pos])) {
		c.pos++
	}
	return strings.TrimSpace(c.s[start:c.pos])
}

func parseLine(line string) (*CommandDescriptor, error) {
	c := &cursor{s: line}

	name := c.readUntil("[:")
	if name == "" {
		return nil, fmt.Errorf("missing command name")
	}
	d := &CommandDescriptor{CommandName: name, Flags: make(map[CommandFlag]bool)}

	c.skipSpaces()
	if c.peek() == '[' {
		c.pos++
		flags, err := parseFlagList(c)
		if err != nil {
			return nil, err
		}
		for _, f := range flags {
			d.Flags[f] = true
		}
		if err := c.expect(']'); err != nil {
			return nil, err
		}
	}

	if err := c.expect(':'); err != nil {
		return nil, err
	}

	c.skipSpaces()
	for !c.eof() {
		kw := c.readUntil(":")
		kw = strings.TrimSpace(kw)
		if err := c.expect(':'); err != nil {
			return nil, err
		}
		if err := c.expect('['); err != nil {
			return nil, err
		}

		var kind ArgKind
		switch kw {
		case "FLAGS":
			kind = Flag
		case "OPTPARAMS":
			kind = OptParam
		case "PARAMS":
			kind = Param
		default:
			return nil, fmt.Errorf("unknown argblock keyword %q", kw)
		}

		args, err := parseArgList(c, kind)
		if err != nil {
			return nil, err
		}
		if err := c.expect(']'); err != nil {
			return nil, err
		}

		d.Args = append(d.Args, args...)
		c.skipSpaces()
	}

	return d, nil
}

func parseFlagList(c *cursor) ([]CommandFlag, error) {
	var out []CommandFlag
	for {
		c.skipSpaces()
		if c.peek() == ']' {
			break
		}
		word := c.readUntil(",]")
		switch CommandFlag(word) {
		case NeedsCurrentDir, SplittableAcrossInput, FiltersInput, LongArgsSingleDash, ReadsStdin:
			out = append(out, CommandFlag(word))
		default:
			return nil, fmt.Errorf("unknown command flag %q", word)
		}
		c.skipSpaces()
		if c.peek() == ',' {
			c.pos++
			continue
		}
		break
	}
	return out, nil
}

func parseArgList(c *cursor, kind ArgKind) ([]ArgDescriptor, error) {
	var out []ArgDescriptor
	c.skipSpaces()
	if c.peek() == ']' {
		return out, nil
	}
	for {
		a, err := parseArg(c, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, a)

		c.skipSpaces()
		if c.peek() == ',' {
			c.pos++
			continue
		}
		break
	}
	return out, nil
}

func parseArg(c *cursor, kind ArgKind) (ArgDescriptor, error) {
	a := ArgDescriptor{Kind: kind}
	var sawType, sawSize bool

	if err := c.expect('('); err != nil {
		return a, err
	}

	c.skipSpaces()
	for c.peek() != ')' {
		attr := c.readUntil(":,)")
		attr = strings.TrimSpace(attr)

		// "splittable" has no value
		if attr == "splittable" {
			a.Value.Splittable = true
			c.skipSpaces()
			if c.peek() == ',' {
				c.pos++
				c.skipSpaces()
				continue
			}
			break
		}

		if kind == Flag && (attr == "type" || attr == "size" || attr == "list_separator") {
			return a, fmt.Errorf("%w: Flag must not declare %q", ErrBadAnnotation, attr)
		}
		if kind == Param && (attr == "short" || attr == "long") {
			return a, fmt.Errorf("%w: Param is positional, must not declare %q", ErrBadAnnotation, attr)
		}

		if err := c.expect(':'); err != nil {
			return a, err
		}
		c.skipSpaces()

		switch attr {
		case "short":
			v := c.readUntil(",)")
			if len(v) != 1 {
				return a, fmt.Errorf("short: expects a single character, got %q", v)
			}
			a.Short = v[0]
		case "long":
			v := c.readUntil(",)")
			a.Long = v
		case "type":
			v := c.readUntil(",)")
			switch v {
			case "input_file":
				a.Value.Type = InputFile
			case "output_file":
				a.Value.Type = OutputFile
			case "str":
				a.Value.Type = Str
			default:
				return a, fmt.Errorf("unknown type %q", v)
			}
			sawType = true
		case "size":
			if err := parseSize(c, &a.Value); err != nil {
				return a, err
			}
			sawSize = true
		case "list_separator":
			if err := c.expect('('); err != nil {
				return a, err
			}
			ch, err := c.readSepChar()
			if err != nil {
				return a, err
			}
			a.Value.ListSep = ch
			if err := c.expect(')'); err != nil {
				return a, err
			}
		default:
			return a, fmt.Errorf("unknown attribute %q", attr)
		}

		c.skipSpaces()
		if c.peek() == ',' {
			c.pos++
			c.skipSpaces()
			continue
		}
		break
	}

	if err := c.expect(')'); err != nil {
		return a, err
	}

	if kind != Flag && !(sawType && sawSize) {
		return a, fmt.Errorf("%w: %s requires both type and size", ErrBadAnnotation, kind)
	}

	return a, nil
}

// parseSize parses the "size:" attribute value, one of:
//
//	1
//	specific_size(N)
//	list(list_separator:(C))
func parseSize(c *cursor, v *ValueSpec) error {
	word := c.readUntil(",()")
	c.skipSpaces()

	switch {
	case word == "1":
		v.Size = SizeOne
		return nil

	case word == "specific_size":
		if err := c.expect('('); err != nil {
			return err
		}
		numstr := c.readUntil(")")
		n, err := strconv.Atoi(numstr)
		if err != nil || n < 1 {
			return fmt.Errorf("specific_size: expects a positive integer, got %q", numstr)
		}
		v.Size = SizeExact
		v.Exact = n
		return c.expect(')')

	case word == "list":
		if err := c.expect('('); err != nil {
			return err
		}
		attr := c.readUntil(":")
		if attr != "list_separator" {
			return fmt.Errorf("list(...) expects list_separator, got %q", attr)
		}
		if err := c.expect(':'); err != nil {
			return err
		}
		if err := c.expect('('); err != nil {
			return err
		}
		ch, err := c.readSepChar()
		if err != nil {
			return err
		}
		if err := c.expect(')'); err != nil {
			return err
		}
		if err := c.expect(')'); err != nil {
			return err
		}
		v.Size = SizeList
		v.ListSep = ch
		return nil

	default:
		return fmt.Errorf("unknown size %q", word)
	}
}
