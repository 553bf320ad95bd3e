package scope

import (
	"fmt"
	"sort"

	"scopeline/internal/workspace"
)

// Normalize cleans declared scope prefixes. "." or "" claims the whole tree,
// which collapses the scope to the single empty prefix.
func Normalize(prefixes []string) ([]string, error) {
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("scope must declare at least one prefix")
	}
	out, err := workspace.CleanAll(prefixes)
	if err != nil {
		return nil, err
	}
	for _, p := range out {
		if p == "" {
			return []string{""}, nil
		}
	}
	// drop prefixes already covered by a broader one
	sort.Strings(out)
	kept := out[:0]
	for _, p := range out {
		covered := false
		for _, k := range kept {
			if workspace.Under(p, k) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// Matches reports whether a workspace path falls inside the scope. Directory
// paths above a prefix also match, since creating the prefix needs them.
func Matches(path string, scope []string) bool {
	for _, pre := range scope {
		if workspace.Under(path, pre) {
			return true
		}
		if workspace.IsDir(path) && workspace.Above(path, pre) {
			return true
		}
	}
	return false
}

// Overlaps reports whether two scopes could claim a common path.
func Overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if workspace.Under(x, y) || workspace.Under(y, x) {
				return true
			}
		}
	}
	return false
}
