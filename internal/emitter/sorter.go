package emitter

import (
	"os"
	"regexp"
	"sort"
	"strconv"

	"segupload/internal/segfile"
)

// SortDirection is asc or desc for one sort rule.
type SortDirection int

const (
	Asc SortDirection = iota
	Desc
)

// SortField names where a sort rule's value comes from: a captured regex
// group ("path.N") or a stat attribute ("stat.st_size", "stat.st_mtime").
type SortField struct {
	// PathGroup is the 0-based regex capture group index when the field is
	// "path.N"; -1 when the field is a stat attribute.
	PathGroup int
	// Stat is "st_size" or "st_mtime" when PathGroup is -1.
	Stat      string
	Direction SortDirection
}

// Sorter orders discovered files by one or more keys captured from their
// path via a regex, or from filesystem stat attributes (§4.E).
type Sorter struct {
	PathRegexp *regexp.Regexp
	Rules      []SortField
}

type sortKey struct {
	path   string
	groups []string
	size   int64
	mtime  int64
}

// Sort orders paths per the configured rules. A path that fails to match
// PathRegexp is reported as a *segfile.InvalidSegmentFile error.
func (s *Sorter) Sort(paths []string) ([]string, error) {
	keys := make([]sortKey, len(paths))
	for i, p := range paths {
		m := s.PathRegexp.FindStringSubmatch(p)
		if m == nil {
			return nil, &segfile.InvalidSegmentFile{Name: p, Reason: "path does not match sorting.file_path_regexp"}
		}
		info, err := os.Stat(p)
		var size, mtime int64
		if err == nil {
			size = info.Size()
			mtime = info.ModTime().Unix()
		}
		keys[i] = sortKey{path: p, groups: m[1:], size: size, mtime: mtime}
	}

	out := make([]string, len(paths))
	copy(out, paths)
	outKeys := make([]sortKey, len(keys))
	copy(outKeys, keys)

	// Apply rules in reverse so the first rule in the config is the
	// dominant (primary) sort key once all stable sorts are layered (a
	// stable sort applied last decides ties first).
	for i := len(s.Rules) - 1; i >= 0; i-- {
		rule := s.Rules[i]
		sort.SliceStable(outKeys, func(a, b int) bool {
			va, vb := fieldValue(outKeys[a], rule), fieldValue(outKeys[b], rule)
			if rule.Direction == Desc {
				return va > vb
			}
			return va < vb
		})
	}

	for i, k := range outKeys {
		out[i] = k.path
	}
	return out, nil
}

// fieldValue produces a comparable numeric key for a sort rule. Stat fields
// and path groups that parse as numbers sort numerically; any other path
// group sorts by its first byte only, so groups sharing a first byte tie.
func fieldValue(k sortKey, rule SortField) float64 {
	if rule.PathGroup >= 0 {
		if rule.PathGroup < len(k.groups) {
			if n, err := strconv.ParseFloat(k.groups[rule.PathGroup], 64); err == nil {
				return n
			}
			// Non-numeric capture (e.g. a single letter): compare by its
			// first byte so "a" < "s" orders as expected.
			if len(k.groups[rule.PathGroup]) > 0 {
				return float64(k.groups[rule.PathGroup][0])
			}
		}
		return 0
	}
	switch rule.Stat {
	case "st_size":
		return float64(k.size)
	case "st_mtime":
		return float64(k.mtime)
	default:
		return 0
	}
}
