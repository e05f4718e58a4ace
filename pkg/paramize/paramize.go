// Package paramize replaces dynamic path segments with a canonical
// {id} template so that concrete request paths such as /users/1 and
// /users/2 collapse onto the same inventory endpoint record.
package paramize

import (
	"regexp"
	"strings"
)

var (
	uuidSegment  = regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	digitSegment = regexp.MustCompile(`^[0-9]+$`)
)

const idPlaceholder = "{id}"

// Parameterize templates a concrete path. It is idempotent:
// Parameterize(Parameterize(p)) == Parameterize(p).
func Parameterize(path string) string {
	if path == "" {
		return path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = parameterizeSegment(seg)
	}
	return strings.Join(segments, "/")
}

func parameterizeSegment(seg string) string {
	if seg == "" {
		return seg
	}
	if isPreservedTemplate(seg) {
		return seg
	}
	if uuidSegment.MatchString(seg) {
		return idPlaceholder
	}
	if digitSegment.MatchString(seg) {
		return idPlaceholder
	}
	return seg
}

// isPreservedTemplate reports whether seg is already one of the
// recognized template forms ({name}, :name, @name) and must pass
// through untouched.
func isPreservedTemplate(seg string) bool {
	if len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return true
	}
	if len(seg) >= 2 && (seg[0] == ':' || seg[0] == '@') {
		return true
	}
	return false
}
