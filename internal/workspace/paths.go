package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPathEscape is returned for any path that would leave the workspace root.
var ErrPathEscape = errors.New("path escapes workspace root")

// Clean normalizes a workspace-relative path to slash-separated form.
// Directory paths keep a single trailing slash. The workspace root itself
// cleans to "".
func Clean(p string) (string, error) {
	raw := strings.TrimSpace(p)
	if filepath.IsAbs(raw) || filepath.VolumeName(raw) != "" {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, p)
	}
	raw = filepath.ToSlash(raw)
	if path.IsAbs(raw) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, p)
	}
	if raw == "" {
		return "", nil
	}
	dir := strings.HasSuffix(raw, "/")
	c := path.Clean(raw)
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	if c == "." {
		return "", nil
	}
	if dir {
		c += "/"
	}
	return c, nil
}

// CleanAll cleans a list of paths, dropping duplicates, and returns them sorted.
func CleanAll(paths []string) ([]string, error) {
	seen := map[string]bool{}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := Clean(p)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Under reports whether p equals prefix or lies beneath it, on path
// segment boundaries. The empty prefix covers the whole tree.
func Under(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	base := strings.TrimSuffix(prefix, "/")
	q := strings.TrimSuffix(p, "/")
	return q == base || strings.HasPrefix(q, base+"/")
}

// Above reports whether the directory p is a strict ancestor of prefix.
func Above(p, prefix string) bool {
	dir := strings.TrimSuffix(p, "/")
	base := strings.TrimSuffix(prefix, "/")
	if base == "" || dir == base {
		return false
	}
	return dir == "" || strings.HasPrefix(base, dir+"/")
}

// IsDir reports whether a cleaned path names a directory entry.
func IsDir(p string) bool {
	return strings.HasSuffix(p, "/")
}

func underAny(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if Under(p, pre) {
			return true
		}
	}
	return false
}

func aboveAny(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if Above(p, pre) {
			return true
		}
	}
	return false
}

// resolve maps a cleaned relative path to an absolute one, refusing paths
// whose existing ancestors resolve outside the root through symlinks.
func (w *Workspace) resolve(rel string) (string, error) {
	c, err := Clean(rel)
	if err != nil {
		return "", err
	}
	if c == "" {
		return "", fmt.Errorf("%w: workspace root is not a path", ErrPathEscape)
	}
	abs := filepath.Join(w.Root, filepath.FromSlash(strings.TrimSuffix(c, "/")))
	parent := filepath.Dir(abs)
	for {
		real, err := filepath.EvalSymlinks(parent)
		if err == nil {
			if !inside(w.Root, real) {
				return "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscape, rel, real)
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if parent == w.Root {
			break
		}
		parent = filepath.Dir(parent)
	}
	return abs, nil
}

func inside(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
