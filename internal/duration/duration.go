// Package duration parses the human-readable retention strings used by
// template configuration (e.g. "30D", "1D1h", "5D2m4s").
package duration

import (
	"fmt"
	"regexp"
)

// units lists the supported suffixes in descending magnitude. A duration
// string may use them in any order.
var units = []struct {
	suffix  byte
	seconds int64
}{
	{'Y', 365 * 86400},
	{'M', 30 * 86400},
	{'W', 7 * 86400},
	{'D', 86400},
	{'h', 3600},
	{'m', 60},
	{'s', 1},
}

var token = regexp.MustCompile(`^([0-9]+)([YMWDhms])`)

// fullPattern validates the whole string is a sequence of value/unit
// pairs with nothing left over. The original implementation only
// anchored each token at the front and silently dropped trailing
// garbage once no further token matched; we require a full match so a
// typo'd unit (or garbage suffix) is rejected rather than ignored.
var fullPattern = regexp.MustCompile(`^([0-9]+[YMWDhms])+$`)

// ParseSeconds converts a duration string like "1D1h" or "30D" into a
// number of seconds. Units may appear in any order and may repeat; all
// of the input must be consumed or the string is rejected.
func ParseSeconds(s string) (int64, error) {
	if s == "" || !fullPattern.MatchString(s) {
		return 0, fmt.Errorf("duration: bad interval format for %q", s)
	}

	var total int64
	rest := s
	for rest != "" {
		m := token.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("duration: bad interval format for %q", s)
		}
		var value int64
		for i := 0; i < len(m[1]); i++ {
			value = value*10 + int64(m[1][i]-'0')
		}
		unit := m[2][0]
		seconds, ok := unitSeconds(unit)
		if !ok {
			return 0, fmt.Errorf("duration: unknown unit %q in %q", string(unit), s)
		}
		total += value * seconds
		rest = rest[len(m[0]):]
	}
	return total, nil
}

func unitSeconds(suffix byte) (int64, bool) {
	for _, u := range units {
		if u.suffix == suffix {
			return u.seconds, true
		}
	}
	return 0, false
}
