package fetch

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/telarc/telarc"
)

// hasGlobMeta reports whether a pattern uses glob metacharacters.
func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// matchMSID matches one canonicalized pattern against one MSID name,
// case-insensitively. For derived channels the DP_ prefix is optional on
// the pattern.
func matchMSID(pattern, name string) bool {
	if ok, err := path.Match(pattern, name); err == nil && ok {
		return true
	}
	if strings.HasPrefix(name, "DP_") && !strings.HasPrefix(pattern, "DP_") {
		if ok, err := path.Match("DP_"+pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// expandGlobs resolves patterns against the set of known MSID names. Exact
// names (no metacharacters) must resolve; a pattern matching nothing is
// ErrUnknownMSID; more than limit total matches is ErrGlobOverMatch.
func expandGlobs(known []string, patterns []string, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		p = telarc.CanonicalName(p)
		var matches []string
		if hasGlobMeta(p) {
			for _, name := range known {
				if matchMSID(p, name) {
					matches = append(matches, name)
				}
			}
			sort.Strings(matches)
		} else {
			for _, name := range known {
				if name == p || (strings.HasPrefix(name, "DP_") && name == "DP_"+p) {
					matches = append(matches, name)
					break
				}
			}
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%s: %w", p, telarc.ErrUnknownMSID)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
		if len(out) > limit {
			return nil, fmt.Errorf("%d matches exceed limit %d: %w",
				len(out), limit, telarc.ErrGlobOverMatch)
		}
	}
	return out, nil
}
