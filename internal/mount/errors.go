package mount

import "errors"

// ErrBadMountConfig is wrapped by every LoadConfig failure.
var ErrBadMountConfig = errors.New("bad mount config")
