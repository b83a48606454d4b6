package paths

import (
	"path"
	"strings"
)

// SplitPath splits a path into segments
func SplitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Dir returns the directory of a relative slash path, "" for top level files
func Dir(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

// IsWithin reports whether p equals dir or lies below it. The empty dir
// contains everything.
func IsWithin(dir, p string) bool {
	return dir == "" || p == dir || strings.HasPrefix(p, dir+"/")
}

// SanitizeFilename replaces characters that are unsafe in remote filenames
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "_"
	}
	return out
}

// PackfileName is the upload filename of a packfile built for a container
// label, e.g. "acq1.dicom.zip"
func PackfileName(label, packfileType string) string {
	name := SanitizeFilename(label)
	if packfileType != "" {
		name += "." + SanitizeFilename(packfileType)
	}
	return name + ".zip"
}
