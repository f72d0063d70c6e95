package annotation

import (
	"fmt"
	"sort"
	"strings"
)

// Serialize renders d back into one annotation line such that
// parse(Serialize(d)) == d modulo attribute order — Serialize always emits
// attributes in a fixed canonical order, so re-parsing never depends on
// the order the original line happened to use.
func Serialize(d *CommandDescriptor) string {
	var b strings.Builder
	b.WriteString(d.CommandName)

	if len(d.Flags) > 0 {
		var flags []string
		for f, on := range d.Flags {
			if on {
				flags = append(flags, string(f))
			}
		}
		sort.Strings(flags)
		b.WriteString("[")
		b.WriteString(strings.Join(flags, ","))
		b.WriteString("]")
	}
	b.WriteString(":")

	for _, kind := range []ArgKind{Flag, OptParam, Param} {
		var args []ArgDescriptor
		for _, a := range d.Args {
			if a.Kind == kind {
				args = append(args, a)
			}
		}
		if args == nil {
			continue
		}

		switch kind {
		case Flag:
			b.WriteString("FLAGS:[")
		case OptParam:
			b.WriteString("OPTPARAMS:[")
		case Param:
			b.WriteString("PARAMS:[")
		}
		for i, a := range args {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(serializeArg(a))
		}
		b.WriteString("]")
	}

	return b.String()
}

func serializeArg(a ArgDescriptor) string {
	var attrs []string
	if a.HasShort() {
		attrs = append(attrs, fmt.Sprintf("short:%c", a.Short))
	}
	if a.HasLong() {
		attrs = append(attrs, fmt.Sprintf("long:%s", a.Long))
	}
	if a.Kind != Flag {
		attrs = append(attrs, fmt.Sprintf("type:%s", a.Value.Type))
		attrs = append(attrs, "size:"+serializeSize(a.Value))
	}
	if a.Value.Splittable {
		attrs = append(attrs, "splittable")
	}
	return "(" + strings.Join(attrs, ",") + ")"
}

func serializeSize(v ValueSpec) string {
	switch v.Size {
	case SizeOne:
		return "1"
	case SizeExact:
		return fmt.Sprintf("specific_size(%d)", v.Exact)
	case SizeList:
		return fmt.Sprintf("list(list_separator:(%c))", v.ListSep)
	default:
		return "1"
	}
}
