package walker

import (
	"context"
	"fmt"
	"iter"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lherron/ingest/internal/domain"
)

// SubScanner produces the items of a directory handed over by a scanner
// node. files yields the directory's files in directory order.
type SubScanner interface {
	Scan(ctx context.Context, job ScanJob, files iter.Seq2[File, error], emit func(*domain.Item) error) error
}

// ScanJob describes one delegated directory
type ScanJob struct {
	IngestID string
	Dir      string
	Context  domain.Context
}

// SubScannerFunc adapts a function to SubScanner
type SubScannerFunc func(ctx context.Context, job ScanJob, files iter.Seq2[File, error], emit func(*domain.Item) error) error

// Scan implements SubScanner
func (f SubScannerFunc) Scan(ctx context.Context, job ScanJob, files iter.Seq2[File, error], emit func(*domain.Item) error) error {
	return f(ctx, job, files, emit)
}

var (
	scannersMu sync.RWMutex
	scanners   = map[string]SubScanner{
		"flat":   SubScannerFunc(flatScan),
		"folder": SubScannerFunc(folderScan),
	}
)

// Register makes a scanner available to templates under name
func Register(name string, s SubScanner) {
	scannersMu.Lock()
	defer scannersMu.Unlock()
	scanners[name] = s
}

// Lookup returns the scanner registered under name
func Lookup(name string) (SubScanner, error) {
	scannersMu.RLock()
	defer scannersMu.RUnlock()
	s, ok := scanners[name]
	if !ok {
		return nil, fmt.Errorf("unknown scanner %q", name)
	}
	return s, nil
}

// Scanners lists the registered scanner names
func Scanners() []string {
	scannersMu.RLock()
	defer scannersMu.RUnlock()
	names := make([]string, 0, len(scanners))
	for n := range scanners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// flatScan emits every file as a file item of the job context. The
// acquisition label defaults to the file's directory name.
func flatScan(ctx context.Context, job ScanJob, files iter.Seq2[File, error], emit func(*domain.Item) error) error {
	for f, err := range files {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := path.Dir(f.Path)
		ictx := job.Context
		if !ictx.Has(domain.LevelAcquisition) && dir != "." {
			ictx = ictx.WithLevel(domain.LevelAcquisition, domain.LevelInfo{Label: path.Base(dir)})
		}
		item := &domain.Item{
			ID:       uuid.NewString(),
			IngestID: job.IngestID,
			Dir:      dir,
			Type:     domain.ItemTypeFile,
			Files:    []string{f.Path},
			FilesCnt: 1,
			BytesSum: f.Size,
			Context:  ictx,
		}
		if err := emit(item); err != nil {
			return err
		}
	}
	return nil
}

// folderScan packs each leaf directory into one packfile item whose
// acquisition is named after the directory.
func folderScan(ctx context.Context, job ScanJob, files iter.Seq2[File, error], emit func(*domain.Item) error) error {
	var cur *domain.Item
	flush := func() error {
		if cur == nil {
			return nil
		}
		item := cur
		cur = nil
		return emit(item)
	}

	for f, err := range files {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := path.Dir(f.Path)
		if cur == nil || cur.Dir != dir {
			if err := flush(); err != nil {
				return err
			}
			ictx := job.Context.WithPackfile("folder")
			if !ictx.Has(domain.LevelAcquisition) {
				ictx = ictx.WithLevel(domain.LevelAcquisition, domain.LevelInfo{Label: path.Base(dir)})
			}
			cur = &domain.Item{
				ID:       uuid.NewString(),
				IngestID: job.IngestID,
				Dir:      dir,
				Type:     domain.ItemTypePackfile,
				Context:  ictx,
			}
		}
		cur.Files = append(cur.Files, f.Path)
		cur.FilesCnt++
		cur.BytesSum += f.Size
	}
	return flush()
}
