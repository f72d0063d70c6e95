// Package mount resolves client filesystem paths to the
// proxy that owns them, plus loading the mount configuration file that
// describes the topology.
package mount

import (
	"encoding/json"
	"fmt"
)

// ProxyID identifies either the client host or a named remote proxy.
// The zero value is the Client.
type ProxyID struct {
	ip string
}

// Client is the local host, as opposed to any Proxy(ip).
func Client() ProxyID { return ProxyID{} }

// Proxy names a remote proxy by its control-plane IP address.
func Proxy(ip string) ProxyID { return ProxyID{ip: ip} }

// IsClient reports whether id refers to the local host.
func (id ProxyID) IsClient() bool { return id.ip == "" }

// IP returns the proxy's IP address, or "" for the Client.
func (id ProxyID) IP() string { return id.ip }

func (id ProxyID) String() string {
	if id.IsClient() {
		return "client"
	}
	return id.ip
}

// MarshalJSON encodes a ProxyID as its IP string, or "" for the Client,
// so wire.ProcessNode.Location survives a client<->proxy control frame
// despite the unexported ip field.
func (id ProxyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.ip)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (id *ProxyID) UnmarshalJSON(data []byte) error {
	var ip string
	if err := json.Unmarshal(data, &ip); err != nil {
		return err
	}
	id.ip = ip
	return nil
}

// Location is the outcome of resolving one path against the MountTable.
type Location struct {
	Proxy ProxyID

	// RemoteSuffix is the path with the matched mount prefix stripped,
	// valid only when Proxy is not the Client.
	RemoteSuffix string
}

// IsLocal reports whether the path resolved to the client host.
func (l Location) IsLocal() bool { return l.Proxy.IsClient() }

func (l Location) String() string {
	if l.IsLocal() {
		return "Local"
	}
	return fmt.Sprintf("Remote(%s,%s)", l.Proxy, l.RemoteSuffix)
}

// entry is one (proxy, client_mount_prefix) pair from the mount config.
type entry struct {
	proxy  ProxyID
	prefix string
}

// LinkKey identifies one undirected link between two endpoints for the
// optional bandwidth hints. ClientEnd() names
// the Client side of a link to a proxy.
type LinkKey struct {
	A, B string
}

// ClientEnd returns the LinkKey for the link between the Client and a proxy.
func ClientEnd(proxyIP string) LinkKey { return normalizeLink("client", proxyIP) }

// ProxyLink returns the LinkKey for the link between two proxies.
func ProxyLink(ipA, ipB string) LinkKey { return normalizeLink(ipA, ipB) }

func normalizeLink(a, b string) LinkKey {
	if a > b {
		a, b = b, a
	}
	return LinkKey{A: a, B: b}
}

// Table is the read-only mount topology: the ordered mount list plus the
// optional link-speed and temp-directory hints. It is immutable after LoadConfig and safe for
// concurrent use by every pipeline.
type Table struct {
	entries []entry
	linksMb map[LinkKey]int
	tmpDirs map[string]string // proxy IP -> absolute tmp directory
}

// LinkMbps returns the configured bandwidth hint between two endpoints
// ("client" or a proxy IP), and whether one was configured.
func (t *Table) LinkMbps(key LinkKey) (int, bool) {
	mb, ok := t.linksMb[key]
	return mb, ok
}

// TmpDir returns the configured scratch directory for a proxy, and
// whether one was configured.
func (t *Table) TmpDir(proxyIP string) (string, bool) {
	d, ok := t.tmpDirs[proxyIP]
	return d, ok
}

// Proxies returns every proxy named in the mount table, in ascending
// order of IP string (LoadConfig sorts the entries).
func (t *Table) Proxies() []ProxyID {
	seen := make(map[string]bool)
	var out []ProxyID
	for _, e := range t.entries {
		if e.proxy.IsClient() {
			continue
		}
		if !seen[e.proxy.ip] {
			seen[e.proxy.ip] = true
			out = append(out, e.proxy)
		}
	}
	return out
}

// Translate maps a canonical client path to proxy's view of it: the
// suffix left after stripping proxy's longest matching mount prefix.
// ok is false when none of proxy's mounts contain the path.
func (t *Table) Translate(proxy ProxyID, canonicalPath string) (suffix string, ok bool) {
	best := -1
	for i, e := range t.entries {
		if e.proxy != proxy || !hasPathPrefix(canonicalPath, e.prefix) {
			continue
		}
		if best < 0 || len(e.prefix) > len(t.entries[best].prefix) {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	suffix = canonicalPath[len(t.entries[best].prefix):]
	if suffix == "" {
		suffix = "/"
	}
	return suffix, true
}

// Owns reports whether proxy's mount contains the canonical path cwd,
// used by the scheduler's needs_current_dir restriction.
func (t *Table) Owns(proxy ProxyID, canonicalCwd string) bool {
	if proxy.IsClient() {
		return true
	}
	for _, e := range t.entries {
		if e.proxy == proxy && hasPathPrefix(canonicalCwd, e.prefix) {
			return true
		}
	}
	return false
}
