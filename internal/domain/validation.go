package domain

import (
	"fmt"
	"path"
	"strings"
)

// ValidateTaskType validates a task type
func ValidateTaskType(t string) error {
	switch TaskType(t) {
	case TaskTypeScan, TaskTypeResolve, TaskTypeDetectDuplicates, TaskTypePrepare,
		TaskTypePrepareSidecar, TaskTypeUpload, TaskTypeFinalize:
		return nil
	default:
		return fmt.Errorf("invalid task type: must be one of: scan, resolve, detect_duplicates, prepare, prepare_sidecar, upload, finalize")
	}
}

// ValidateItemType validates an item type
func ValidateItemType(t string) error {
	switch ItemType(t) {
	case ItemTypeFile, ItemTypePackfile:
		return nil
	default:
		return fmt.Errorf("invalid item type: must be one of: file, packfile")
	}
}

// ValidateIngestStatus validates an ingest status name
func ValidateIngestStatus(s string) error {
	if s == string(IngestUnstarted) || !IngestMachine.Known(IngestStatus(s)) {
		return fmt.Errorf("invalid ingest status %q", s)
	}
	return nil
}

// ValidateTaskStatus validates a task status name
func ValidateTaskStatus(s string) error {
	if s == string(TaskUnstarted) || !TaskMachine.Known(TaskStatus(s)) {
		return fmt.Errorf("invalid task status %q", s)
	}
	return nil
}

// ValidateContainerPath checks that child extends parent by exactly one
// non-empty element
func ValidateContainerPath(parent, child string) error {
	if child == "" {
		return fmt.Errorf("invalid container path: empty")
	}
	if parent == "" {
		if strings.Contains(child, "/") {
			return fmt.Errorf("invalid container path %q: root path has separators", child)
		}
		return nil
	}
	if !strings.HasPrefix(child, parent+"/") || len(child) == len(parent)+1 {
		return fmt.Errorf("invalid container path %q: does not extend %q", child, parent)
	}
	return nil
}

// IsPathPrefix reports whether prefix equals p or is an ancestor of p
func IsPathPrefix(prefix, p string) bool {
	return prefix == p || strings.HasPrefix(p, prefix+"/")
}

// pathEscaper escapes the separator and the escape character itself, so
// distinct elements never produce the same path
var pathEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// JoinPath appends an escaped element to a container path
func JoinPath(parent, element string) string {
	element = pathEscaper.Replace(element)
	if parent == "" {
		return element
	}
	return parent + "/" + element
}

// PathAncestors returns every strict ancestor path of p, root first
func PathAncestors(p string) []string {
	var out []string
	for {
		dir := path.Dir(p)
		if dir == "." || dir == "/" || dir == p {
			break
		}
		out = append([]string{dir}, out...)
		p = dir
	}
	return out
}
