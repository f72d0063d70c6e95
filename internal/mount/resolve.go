package mount

import (
	"path/filepath"
	"strings"
)

// Canonicalize normalizes a user-supplied path: if p is relative, prepend
// cwd; collapse "."/".." textually. The path is not required to exist, so
// this never touches the filesystem (output files may not exist yet).
func Canonicalize(p, cwd string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	return filepath.Clean(p)
}

// Resolve maps a canonical absolute path to its Location: the proxy
// whose client_mount_prefix is the longest prefix match, or the Client
// if none matches.
func (t *Table) Resolve(canonicalPath string) Location {
	var best *entry
	for i := range t.entries {
		e := &t.entries[i]
		if !hasPathPrefix(canonicalPath, e.prefix) {
			continue
		}
		if best == nil || len(e.prefix) > len(best.prefix) {
			best = e
		}
	}

	if best == nil {
		return Location{Proxy: Client()}
	}
	return Location{
		Proxy:        best.proxy,
		RemoteSuffix: strings.TrimPrefix(canonicalPath, best.prefix),
	}
}

// hasPathPrefix reports whether prefix is a path-segment-aligned prefix
// of p, so "/m1" matches "/m1/x" but not "/m10/x".
func hasPathPrefix(p, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true // root mount "/"
	}
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix) && p[len(prefix)] == '/'
}
