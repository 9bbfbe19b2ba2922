// Package pathutil guards the scheduler-supplied repository public id that
// the pipeline joins onto the workspace root before it is ever written to
// disk or handed to a container volume mount. A scheduler is trusted, but
// its response bodies are ordinary JSON over HTTP; nothing stops a public
// id from containing "../" segments.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// IsSafePathSegment returns true if id is safe to join directly onto a base
// directory: no absolute paths, no parent-directory traversal.
func IsSafePathSegment(id string) bool {
	if id == "" {
		return true
	}
	if filepath.IsAbs(id) {
		return false
	}
	clean := filepath.Clean(id)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}
