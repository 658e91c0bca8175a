package remote

import (
	"path"
	"strings"
)

// Remote paths are POSIX regardless of the local platform. Normalize
// collapses duplicate separators and trailing slashes; the root stays
// "/".
func Normalize(remotePath string) string {
	if remotePath == "" {
		return "/"
	}
	rooted := strings.HasPrefix(remotePath, "/")
	cleaned := path.Clean(remotePath)
	if cleaned == "." {
		if rooted {
			return "/"
		}
		return ""
	}
	return cleaned
}

// Join joins remote path elements with POSIX separators and normalises
// the result.
func Join(elem ...string) string {
	return Normalize(path.Join(elem...))
}

// Base returns the final element of a remote path.
func Base(remotePath string) string {
	return path.Base(Normalize(remotePath))
}

// Dir returns the parent of a remote path.
func Dir(remotePath string) string {
	return path.Dir(Normalize(remotePath))
}

// ToKey translates a normalised remote path to an object-store key by
// stripping the leading slash.
func ToKey(remotePath string) string {
	return strings.TrimPrefix(Normalize(remotePath), "/")
}
