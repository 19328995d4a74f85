package nar

import (
	"path"
)

// Filter decides which entries of a tree get serialized.  It is
// called with the slash-separated path of each entry relative to the
// root; the root itself is ".".  Excluding a directory excludes its
// whole subtree; the serializer does not descend into it.
type Filter interface {
	Include(path string) bool
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(path string) bool

func (f FilterFunc) Include(path string) bool {
	return f(path)
}

// AcceptAll includes every entry.
var AcceptAll Filter = FilterFunc(func(string) bool { return true })

// ExcludeGlobs rejects any entry whose relative path, or whose base
// name, matches one of patterns (path.Match syntax).  Malformed
// patterns match nothing.
func ExcludeGlobs(patterns ...string) Filter {
	pats := append([]string(nil), patterns...)
	return FilterFunc(func(p string) bool {
		if p == "." {
			return true
		}
		base := path.Base(p)
		for _, pat := range pats {
			if ok, _ := path.Match(pat, p); ok {
				return false
			}
			if ok, _ := path.Match(pat, base); ok {
				return false
			}
		}
		return true
	})
}

// All includes an entry only if every non-nil filter does.
func All(filters ...Filter) Filter {
	return FilterFunc(func(p string) bool {
		for _, f := range filters {
			if f != nil && !f.Include(p) {
				return false
			}
		}
		return true
	})
}
