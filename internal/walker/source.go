package walker

import (
	"fmt"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// File is one source file, relative to the source root with slash separators
type File struct {
	Path string
	Size int64
}

// FSSource walks root on fs in directory order: the files of a directory
// sorted by name, then each subdirectory recursively. Every directory's
// files, and every subtree, are therefore contiguous in the sequence.
// Iteration stops at the first error, which is yielded.
func FSSource(fs afero.Fs, root string) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		walkDir(fs, root, "", yield)
	}
}

// SubtreeSource restricts a walk to the files below dir. Paths stay
// relative to the source root.
func SubtreeSource(fs afero.Fs, root, dir string) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		walkDir(fs, root, dir, yield)
	}
}

func walkDir(fs afero.Fs, root, rel string, yield func(File, error) bool) bool {
	entries, err := afero.ReadDir(fs, filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		yield(File{}, fmt.Errorf("failed to read %q: %w", rel, err))
		return false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var dirs []os.FileInfo
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
			continue
		}
		if !e.Mode().IsRegular() {
			continue
		}
		if !yield(File{Path: path.Join(rel, e.Name()), Size: e.Size()}, nil) {
			return false
		}
	}
	for _, d := range dirs {
		if !walkDir(fs, root, path.Join(rel, d.Name()), yield) {
			return false
		}
	}
	return true
}

// SliceSource yields files from a slice. The caller is responsible for
// directory order.
func SliceSource(files []File) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		for _, f := range files {
			if !yield(f, nil) {
				return
			}
		}
	}
}
