package annotation

import "fmt"

// validate enforces the rules that parseLine
// can't check purely syntactically: name uniqueness, Flag/OptParam name
// presence, and the single-splittable-argument rule.
func validate(d *CommandDescriptor) error {
	names := make(map[string]bool)
	sawSplittable := false

	for _, a := range d.Args {
		switch a.Kind {
		case Flag, OptParam:
			if !a.HasShort() && !a.HasLong() {
				return fmt.Errorf("%w: %s needs at least one of short/long", ErrBadAnnotation, a.Kind)
			}
		}

		if a.HasShort() {
			key := "short:" + string(a.Short)
			if names[key] {
				return fmt.Errorf("%w: duplicate short name %q", ErrBadAnnotation, string(a.Short))
			}
			names[key] = true
		}
		if a.HasLong() {
			key := "long:" + a.Long
			if names[key] {
				return fmt.Errorf("%w: duplicate long name %q", ErrBadAnnotation, a.Long)
			}
			names[key] = true
		}

		if a.Value.Splittable {
			if sawSplittable {
				return fmt.Errorf("%w: at most one argument may be splittable", ErrBadAnnotation)
			}
			sawSplittable = true
		}

		if a.Value.Size == SizeList && a.Value.ListSep == 0 {
			return fmt.Errorf("%w: list size requires a single-char separator", ErrBadAnnotation)
		}
	}

	return nil
}
