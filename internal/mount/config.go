package mount

import (
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// rawConfig mirrors the mount config file's YAML shape:
// mounts (required), links and tmp_directory (both optional).
type rawConfig struct {
	Mounts       map[string]string `koanf:"mounts"`
	Links        map[string]int    `koanf:"links"`
	TmpDirectory map[string]string `koanf:"tmp_directory"`
}

// LoadConfig reads and validates the mount configuration file at path,
// producing the read-only Table the rest of POSH resolves paths against.
func LoadConfig(path string) (*Table, error) {
	// ":" rather than "." as the path delimiter: proxy IPs are map keys
	// in this config, and koanf's flatten/unflatten would otherwise treat
	// the dots in "10.0.0.1" as nesting separators.
	k := koanf.New(":")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMountConfig, err)
	}

	var raw rawConfig
	if err := k.Unmarshal("", &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMountConfig, err)
	}

	if len(raw.Mounts) == 0 {
		return nil, fmt.Errorf("%w: mounts: must declare at least one proxy", ErrBadMountConfig)
	}

	t := &Table{
		linksMb: make(map[LinkKey]int),
		tmpDirs: make(map[string]string),
	}

	// Sorted so proxy enumeration order (and with it every lexicographic
	// tie-break downstream) is stable across runs despite the map source.
	ips := make([]string, 0, len(raw.Mounts))
	for ip := range raw.Mounts {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	for _, ip := range ips {
		prefix := raw.Mounts[ip]
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("%w: mounts[%s]: %q must be an absolute path", ErrBadMountConfig, ip, prefix)
		}
		t.entries = append(t.entries, entry{proxy: Proxy(ip), prefix: strings.TrimSuffix(prefix, "/")})
	}

	for linkSpec, mbps := range raw.Links {
		key, err := parseLinkKey(linkSpec)
		if err != nil {
			return nil, fmt.Errorf("%w: links: %w", ErrBadMountConfig, err)
		}
		if mbps <= 0 {
			return nil, fmt.Errorf("%w: links[%s]: must be a positive Mbps value", ErrBadMountConfig, linkSpec)
		}
		t.linksMb[key] = mbps
	}

	for ip, dir := range raw.TmpDirectory {
		if !strings.HasPrefix(dir, "/") {
			return nil, fmt.Errorf("%w: tmp_directory[%s]: %q must be an absolute path", ErrBadMountConfig, ip, dir)
		}
		t.tmpDirs[ip] = dir
	}

	return t, nil
}

// parseLinkKey parses a "(a,b)" link endpoint pair, e.g. "(10.0.0.1,10.0.0.2)"
// or "(10.0.0.1,client)".
func parseLinkKey(s string) (LinkKey, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return LinkKey{}, fmt.Errorf("%q: expected \"(a,b)\"", s)
	}
	parts := strings.SplitN(s[1:len(s)-1], ",", 2)
	if len(parts) != 2 {
		return LinkKey{}, fmt.Errorf("%q: expected exactly two endpoints", s)
	}
	a, b := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if a == "" || b == "" {
		return LinkKey{}, fmt.Errorf("%q: empty endpoint", s)
	}
	return normalizeLink(a, b), nil
}
