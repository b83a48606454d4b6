// Package upload sends item bytes to the destination container. Plain
// files are streamed as they are; packfile members are zipped on the fly.
package upload

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/remote"
)

// FileUploader reads items from a source filesystem and hands them to a
// remote.FileSink
type FileUploader struct {
	fs   afero.Fs
	root string
	sink remote.FileSink
	log  logrus.FieldLogger
}

// New creates an uploader reading files below root
func New(fs afero.Fs, root string, sink remote.FileSink, log logrus.FieldLogger) *FileUploader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileUploader{fs: fs, root: root, sink: sink, log: log}
}

// Upload sends one item into c, which must already exist remotely
func (u *FileUploader) Upload(ctx context.Context, item *domain.Item, c *domain.Container) error {
	if c.DstContext == nil || c.DstContext.ID == "" {
		return fmt.Errorf("container %s has no remote id", c.Path)
	}
	if item.Filename == "" {
		return fmt.Errorf("item %s has no filename", item.ID)
	}
	u.log.WithField("item", item.ID).WithField("filename", item.Filename).WithField("container", c.Path).Debug("uploading item")

	switch item.Type {
	case domain.ItemTypeFile:
		if len(item.Files) != 1 {
			return fmt.Errorf("file item %s has %d files", item.ID, len(item.Files))
		}
		f, err := u.fs.Open(u.abs(item.Files[0]))
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", item.Files[0], err)
		}
		defer f.Close()
		return u.sink.PutFile(ctx, c.DstContext.ID, item.Filename, f)

	case domain.ItemTypePackfile:
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(u.writeZip(ctx, pw, item))
		}()
		err := u.sink.PutFile(ctx, c.DstContext.ID, item.Filename, pr)
		pr.CloseWithError(err)
		return err
	}
	return fmt.Errorf("item %s has unknown type %q", item.ID, item.Type)
}

func (u *FileUploader) abs(rel string) string {
	return filepath.Join(u.root, filepath.FromSlash(rel))
}

// writeZip archives the members of a packfile, named relative to its dir
func (u *FileUploader) writeZip(ctx context.Context, w io.Writer, item *domain.Item) error {
	zw := zip.NewWriter(w)
	for _, name := range item.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.addZipEntry(zw, item.Dir, name); err != nil {
			return err
		}
	}
	return zw.Close()
}

func (u *FileUploader) addZipEntry(zw *zip.Writer, dir, name string) error {
	f, err := u.fs.Open(u.abs(name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	entry := path.Base(name)
	if rel, ok := strings.CutPrefix(name, dir+"/"); ok && dir != "" {
		entry = rel
	}
	dst, err := zw.Create(entry)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", entry, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	return nil
}
