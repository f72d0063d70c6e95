package annotation

import "errors"

// ErrBadAnnotation is the sentinel for every grammar/validation failure
// in the annotation file.
var ErrBadAnnotation = errors.New("bad annotation")
