// Package walker turns a source file tree and a template into Items tagged
// with their destination context.
package walker

import (
	"context"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/paths"
)

// SubScan is a directory delegated to a scanner
type SubScan struct {
	Dir     string
	Scanner string
	Context domain.Context
}

// Handler receives what a walk produces
type Handler struct {
	Item    func(*domain.Item) error
	SubScan func(SubScan) error
}

// Walker applies a template to a file sequence
type Walker struct {
	tmpl     *Template
	cfg      domain.IngestConfig
	ingestID string
	log      logrus.FieldLogger
}

// New creates a walker for one ingest
func New(tmpl *Template, cfg domain.IngestConfig, ingestID string, log logrus.FieldLogger) *Walker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Walker{tmpl: tmpl, cfg: cfg, ingestID: ingestID, log: log}
}

// group is the run of files sharing one active directory
type group struct {
	dir   string
	ctx   domain.Context
	files []File
}

// descent is where the template walk of one file stopped
type descent struct {
	dir     string // active directory
	ctx     domain.Context
	scanner string
}

// Walk consumes files and emits Items and SubScans to h. Files must arrive
// in directory order (see FSSource).
func (w *Walker) Walk(ctx context.Context, files iter.Seq2[File, error], h Handler) error {
	if w.tmpl.RootScanner != "" {
		return h.SubScan(SubScan{Dir: "", Scanner: w.tmpl.RootScanner, Context: domain.Context{}.Merge(w.cfg)})
	}

	var cur *group
	lastScan := ""
	scanning := false

	for f, err := range files {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// files below the directory being scanned belong to that scanner
		if scanning && paths.IsWithin(lastScan, f.Path) {
			continue
		}
		scanning = false

		d := w.descend(f)
		if d.scanner != "" {
			if err := w.flush(cur, h); err != nil {
				return err
			}
			cur = nil
			scanning, lastScan = true, d.dir
			if err := h.SubScan(SubScan{Dir: d.dir, Scanner: d.scanner, Context: d.ctx.Merge(w.cfg)}); err != nil {
				return err
			}
			continue
		}

		if cur == nil || cur.dir != d.dir {
			if err := w.flush(cur, h); err != nil {
				return err
			}
			cur = &group{dir: d.dir, ctx: d.ctx}
		}
		cur.files = append(cur.files, f)
	}
	return w.flush(cur, h)
}

// descend follows the directories of f down the template. Each step yields
// a new context value; a directory no node matches ends the descent with
// the last context that did match.
func (w *Walker) descend(f File) descent {
	dir := paths.Dir(f.Path)
	parts := paths.SplitPath(dir)
	d := descent{dir: dir}

	nodes := w.tmpl.Nodes
	for i, name := range parts {
		relPath := strings.Join(parts[:i+1], "/")

		var matched *Node
		for _, n := range nodes {
			if next, ok := n.match(d.ctx, name, relPath); ok {
				d.ctx = next
				matched = n
				break
			}
		}
		if matched == nil {
			return d
		}
		if matched.Scanner != "" {
			d.dir = relPath
			d.scanner = matched.Scanner
			return d
		}
		if matched.Terminal {
			d.dir = relPath
			return d
		}
		nodes = matched.Children
	}
	return d
}

func (w *Walker) flush(g *group, h Handler) error {
	if g == nil || len(g.files) == 0 {
		return nil
	}
	ctx := g.ctx.Merge(w.cfg)

	if ctx.Packfile() != "" {
		item := w.newItem(g.dir, domain.ItemTypePackfile, ctx)
		for _, f := range g.files {
			item.Files = append(item.Files, f.Path)
			item.BytesSum += f.Size
		}
		item.FilesCnt = len(g.files)
		return h.Item(item)
	}

	for _, f := range g.files {
		item := w.newItem(g.dir, domain.ItemTypeFile, ctx)
		item.Files = []string{f.Path}
		item.FilesCnt = 1
		item.BytesSum = f.Size
		if err := h.Item(item); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) newItem(dir string, typ domain.ItemType, ctx domain.Context) *domain.Item {
	if _, ok := ctx.Deepest(); !ok {
		w.log.WithField("dir", dir).Debug("directory matched no template level")
	}
	return &domain.Item{
		ID:       uuid.NewString(),
		IngestID: w.ingestID,
		Dir:      dir,
		Type:     typ,
		Context:  ctx,
		UIDs:     contextUIDs(ctx),
	}
}

// contextUIDs collects the session and acquisition uids a context carries
func contextUIDs(ctx domain.Context) []string {
	var uids []string
	for _, l := range []domain.ContainerLevel{domain.LevelSession, domain.LevelAcquisition} {
		if uid := ctx.Level(l).UID; uid != "" {
			uids = append(uids, uid)
		}
	}
	return uids
}
