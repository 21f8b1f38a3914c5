// Package imagefilter implements the image name filter (spec.md §4.7): a
// closed variant deciding which images in a pool a backup pass considers.
package imagefilter

import "regexp"

// Filter decides whether an image name is included in a pool's backup pass.
type Filter interface {
	Accepts(imageName string) bool
}

// acceptAll is the default filter (spec.md §9: "absent a configured filter,
// every image in the pool is accepted").
type acceptAll struct{}

func (acceptAll) Accepts(string) bool { return true }

// AcceptAll is the filter that accepts every image.
var AcceptAll Filter = acceptAll{}

// regexFilter accepts names the pattern matches at the start of the string,
// mirroring Python's re.match rather than a full-string match (spec.md §9).
type regexFilter struct {
	re *regexp.Regexp
}

func (r regexFilter) Accepts(name string) bool {
	loc := r.re.FindStringIndex(name)
	return loc != nil && loc[0] == 0
}

// Regex builds a filter that accepts image names the given pattern matches
// at position 0 (spec.md §4.7, §9). The pattern is not implicitly anchored
// at the end, matching re.match semantics: "foo" matches "foobar".
func Regex(pattern string) (Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return regexFilter{re: re}, nil
}
