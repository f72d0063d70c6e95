package schedule

import (
	"sort"

	"github.com/posh-sh/posh/internal/mount"
)

// Options configures Compute beyond the stage list itself.
type Options struct {
	// Table is the mount topology: admissible-set restriction and the
	// per-stage input-byte tie-break both consult it.
	Table *mount.Table

	// Cwd is the canonicalized current working directory.
	Cwd string

	// SplittingFactor is the configured S >= 1 bounding parallel clones.
	SplittingFactor int
}

// Compute produces a placement plan for a linear pipeline of stages:
// admissible-set restriction, per-stage
// location choice, cross-stage co-location repair, and splitting.
//
// Compute is pure and side-effect-free: no goroutines, no I/O.
func Compute(stages []*Stage, opt Options) *Plan {
	factor := opt.SplittingFactor
	if factor < 1 {
		factor = 1
	}

	admissible := make([][]mount.ProxyID, len(stages))
	chosen := make([]mount.ProxyID, len(stages))
	for i, s := range stages {
		admissible[i] = admissibleSet(s, opt.Table, opt.Cwd)
		upstream := mount.Client()
		if i > 0 {
			upstream = chosen[i-1]
		}
		chosen[i] = choose(s, admissible[i], upstream)
	}

	chosen = repair(stages, admissible, chosen)

	plan := &Plan{Placements: make([]Placement, len(stages))}
	for i, s := range stages {
		plan.Placements[i] = split(s, admissible[i], chosen[i], factor)
	}
	return plan
}

// allLocations returns Client plus every proxy in the mount table, in a
// stable order (Client first, then proxies in table.Proxies() order).
func allLocations(table *mount.Table) []mount.ProxyID {
	out := []mount.ProxyID{mount.Client()}
	if table != nil {
		out = append(out, table.Proxies()...)
	}
	return out
}

func containsProxy(set []mount.ProxyID, p mount.ProxyID) bool {
	for _, q := range set {
		if q == p {
			return true
		}
	}
	return false
}

func intersect(a, b []mount.ProxyID) []mount.ProxyID {
	var out []mount.ProxyID
	for _, p := range a {
		if containsProxy(b, p) {
			out = append(out, p)
		}
	}
	return out
}

// fileRestriction is the admissible set a single InputFile/OutputFile
// token's Location restricts candidates to: the owning proxy for a
// remote file, or just Client for a local one.
func fileRestriction(loc mount.Location) []mount.ProxyID {
	if loc.IsLocal() {
		return []mount.ProxyID{mount.Client()}
	}
	return []mount.ProxyID{loc.Proxy}
}

// admissibleSet computes the intersection of every placement
// restriction: the needs_current_dir restriction, and one restriction per
// argument-level InputFile/OutputFile token (redirected stdin/stdout/stderr
// files do not restrict placement).
func admissibleSet(s *Stage, table *mount.Table, cwd string) []mount.ProxyID {
	if s.ForceClient {
		return []mount.ProxyID{mount.Client()}
	}

	cand := allLocations(table)

	if s.NeedsCurrentDir() {
		var next []mount.ProxyID
		for _, p := range cand {
			if table == nil || table.Owns(p, cwd) {
				next = append(next, p)
			}
		}
		cand = next
	}

	// Only argument-level InputFile/OutputFile tokens restrict placement:
	// the process opens that path itself from its own (rewritten) argv.
	// Shell-level redirections (<, >, 2>) are wired as synthetic File
	// nodes connected by a stream edge regardless of where the
	// stage runs, so they never constrain its location.
	for _, ft := range s.Files {
		cand = intersect(cand, fileRestriction(ft.Loc))
	}

	return cand
}

// choose picks one location from the admissible set. An empty
// admissible set pins to Client silently. upstream is where the
// stage's stdin stream originates: the filtering/splittability
// preference for remote placement only applies when that stream is
// itself remote — a filter whose input is already local gains nothing
// from moving.
func choose(s *Stage, admissible []mount.ProxyID, upstream mount.ProxyID) mount.ProxyID {
	if len(admissible) == 0 {
		return mount.Client()
	}

	var proxies []mount.ProxyID
	hasClient := false
	for _, p := range admissible {
		if p.IsClient() {
			hasClient = true
		} else {
			proxies = append(proxies, p)
		}
	}
	if len(proxies) == 0 {
		return mount.Client()
	}

	hasRemoteInput := false
	for _, ft := range s.Files {
		if ft.IsInput() && !ft.Loc.IsLocal() {
			hasRemoteInput = true
			break
		}
	}

	streamRemote := false
	switch s.StdinKind {
	case StdinPipe:
		streamRemote = !upstream.IsClient()
	case StdinFile:
		streamRemote = !s.StdinLoc.IsLocal()
	}

	preferRemote := ((s.FiltersInput() || s.SplittableAcrossInput()) && streamRemote) || hasRemoteInput

	if preferRemote || !hasClient {
		return pickByInputBytes(proxies, s)
	}
	return mount.Client()
}

// pickByInputBytes picks the proxy owning the most input bytes,
// approximated by input-file count when sizes are unavailable, tie-broken
// lexicographically by proxy id.
func pickByInputBytes(proxies []mount.ProxyID, s *Stage) mount.ProxyID {
	counts := make(map[string]int)
	for _, ft := range s.Files {
		if ft.IsInput() && !ft.Loc.IsLocal() {
			counts[ft.Loc.Proxy.IP()]++
		}
	}

	sorted := append([]mount.ProxyID(nil), proxies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].IP() < sorted[j].IP() })

	best := sorted[0]
	bestCount := -1
	for _, p := range sorted {
		if c := counts[p.IP()]; c > bestCount {
			bestCount = c
			best = p
		}
	}
	return best
}

// repair is the cross-stage co-location walk: a
// left-to-right walk that collapses a remote<->remote hop into a local
// pipe when doing so doesn't violate either stage's admissible set, unless
// the upstream stage already filters its input (in which case the split
// already shrank the stream and is kept).
func repair(stages []*Stage, admissible [][]mount.ProxyID, chosen []mount.ProxyID) []mount.ProxyID {
	out := append([]mount.ProxyID(nil), chosen...)
	for i := 0; i+1 < len(out); i++ {
		a, b := out[i], out[i+1]
		if a.IsClient() || b.IsClient() || a == b {
			continue
		}
		if stages[i].FiltersInput() {
			continue
		}
		if containsProxy(admissible[i+1], a) {
			out[i+1] = a
			continue
		}
		if containsProxy(admissible[i], b) {
			out[i] = b
		}
	}
	return out
}

// split data-parallelizes one stage: if the
// splitting factor allows it and the stage is splittable either across
// stdin or across a file-list argument, replace the single placement
// with min(S, k) parallel clones.
func split(s *Stage, admissible []mount.ProxyID, chosen mount.ProxyID, factor int) Placement {
	base := Placement{StageID: s.ID, Location: chosen}
	if factor < 2 {
		return base
	}

	var nonClient []mount.ProxyID
	for _, p := range admissible {
		if !p.IsClient() {
			nonClient = append(nonClient, p)
		}
	}
	sort.Slice(nonClient, func(i, j int) bool { return nonClient[i].IP() < nonClient[j].IP() })

	// A stdin split only pays when the stream already runs remote; a
	// Client-placed stage would route its input out and back for nothing.
	if s.SplittableAcrossInput() && !chosen.IsClient() && len(nonClient) >= 2 {
		n := min(factor, len(nonClient))
		clones := make([]Clone, n)
		for i := 0; i < n; i++ {
			clones[i] = Clone{Location: nonClient[i]}
		}
		return Placement{StageID: s.ID, Split: StdinSplit, Clones: clones}
	}

	if _, locs := s.SplittableArg(); locs != nil {
		byProxy := make(map[string][]mount.Location)
		var order []string
		for _, loc := range locs {
			if loc.IsLocal() {
				continue
			}
			ip := loc.Proxy.IP()
			if _, ok := byProxy[ip]; !ok {
				order = append(order, ip)
			}
			byProxy[ip] = append(byProxy[ip], loc)
		}
		if len(order) >= 2 {
			n := min(factor, len(order))
			clones := make([]Clone, n)
			for i := 0; i < n; i++ {
				ip := order[i]
				clones[i] = Clone{Location: mount.Proxy(ip), Files: byProxy[ip]}
			}
			return Placement{StageID: s.ID, Split: ArgSplit, Clones: clones}
		}
	}

	return base
}
