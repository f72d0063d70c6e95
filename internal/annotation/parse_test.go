package annotation

import (
	"errors"
	"strings"
	"testing"
)

func TestLoadGrepDescriptor(t *testing.T) {
	src := `grep[filters_input,splittable_across_input]: FLAGS:[(short:v,long:invert)] PARAMS:[(type:str,size:1),(type:input_file,size:list(list_separator:( )),splittable)]`

	tbl, err := Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	set := tbl.Lookup("grep")
	if len(set) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(set))
	}
	d := set[0]

	if !d.Has(FiltersInput) || !d.Has(SplittableAcrossInput) {
		t.Fatalf("command flags not parsed: %+v", d.Flags)
	}

	params := d.Params()
	if len(params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(params))
	}
	if params[0].Value.Type != Str || params[0].Value.Size != SizeOne {
		t.Fatalf("param 0 wrong: %+v", params[0])
	}
	if params[1].Value.Type != InputFile || params[1].Value.Size != SizeList || params[1].Value.ListSep != ' ' {
		t.Fatalf("param 1 wrong: %+v", params[1])
	}
	if !params[1].Value.Splittable {
		t.Fatalf("param 1 should be splittable")
	}
}

func TestLoadOverloadSet(t *testing.T) {
	src := "cp: PARAMS:[(type:input_file,size:1),(type:output_file,size:1)]\n" +
		"cp: FLAGS:[(short:r)] PARAMS:[(type:input_file,size:list(list_separator:( ))),(type:output_file,size:1)]\n"

	tbl, err := Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tbl.Lookup("cp")) != 2 {
		t.Fatalf("expected overload set of 2, got %d", len(tbl.Lookup("cp")))
	}
}

func TestLoadSkipsBlankAndComments(t *testing.T) {
	src := "\n# a comment\n\ncat: PARAMS:[(type:input_file,size:list(list_separator:( )),splittable)]\n"
	tbl, err := Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tbl.Lookup("cat")) != 1 {
		t.Fatalf("expected 1 descriptor")
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	src := "x: OPTPARAMS:[(short:a,type:str,size:1),(short:a,type:str,size:1)]"
	_, err := Load(strings.NewReader(src))
	if !errors.Is(err, ErrBadAnnotation) {
		t.Fatalf("expected ErrBadAnnotation, got %v", err)
	}
}

func TestLoadRejectsMultipleSplittable(t *testing.T) {
	src := "x: PARAMS:[(type:input_file,size:1,splittable),(type:input_file,size:1,splittable)]"
	_, err := Load(strings.NewReader(src))
	if !errors.Is(err, ErrBadAnnotation) {
		t.Fatalf("expected ErrBadAnnotation, got %v", err)
	}
}

func TestLoadRejectsFlagWithType(t *testing.T) {
	src := "x: FLAGS:[(short:v,type:str,size:1)]"
	_, err := Load(strings.NewReader(src))
	if !errors.Is(err, ErrBadAnnotation) {
		t.Fatalf("expected ErrBadAnnotation, got %v", err)
	}
}

func TestLoadRejectsOptParamWithoutName(t *testing.T) {
	src := "x: OPTPARAMS:[(type:str,size:1)]"
	_, err := Load(strings.NewReader(src))
	if !errors.Is(err, ErrBadAnnotation) {
		t.Fatalf("expected ErrBadAnnotation, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	srcs := []string{
		"grep[filters_input]: FLAGS:[(short:v,long:invert)] PARAMS:[(type:str,size:1),(type:input_file,size:1)]",
		"tee[reads_stdin]: FLAGS:[(short:a,long:append)] PARAMS:[(type:output_file,size:list(list_separator:( )),splittable)]",
		"head: OPTPARAMS:[(short:n,long:lines,type:str,size:1)] PARAMS:[(type:input_file,size:1)]",
	}

	for _, src := range srcs {
		tbl, err := Load(strings.NewReader(src))
		if err != nil {
			t.Fatalf("Load(%q): %v", src, err)
		}
		var d *CommandDescriptor
		for _, set := range tbl {
			d = set[0]
		}

		again := Serialize(d)
		tbl2, err := Load(strings.NewReader(again))
		if err != nil {
			t.Fatalf("Load(Serialize(d)) for %q: %v", src, err)
		}
		var d2 *CommandDescriptor
		for _, set := range tbl2 {
			d2 = set[0]
		}

		if Serialize(d2) != Serialize(d) {
			t.Fatalf("round trip mismatch:\n  got:  %s\n  want: %s", Serialize(d2), Serialize(d))
		}
	}
}
