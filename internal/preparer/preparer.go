// Package preparer creates the missing remote containers of an ingest and
// picks the items that will be uploaded.
package preparer

import (
	"context"
	"fmt"
	"path"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/lherron/ingest/internal/batch"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/remote"
	"github.com/lherron/ingest/internal/store"
)

// Options configure a Preparer
type Options struct {
	IngestID  string
	Config    domain.IngestConfig
	Log       logrus.FieldLogger
	BatchSize int
	// Check runs before every item and container; an error stops the pass
	Check func() error
	// Progress is called for every container visited
	Progress func(done, total int)
}

// Result summarizes a prepare pass
type Result struct {
	// Upload holds the ids of the items to upload, in storage order
	Upload   []string
	Skipped  int
	Visited  int
	Relevant int
	Created  int
}

// Preparer runs one prepare pass. It is owned by a single task and is not
// safe for concurrent use.
type Preparer struct {
	store  *store.Store
	remote remote.Client
	opts   Options
	log    logrus.FieldLogger

	ancestors  *lru.Cache[string, *domain.Container]
	pending    map[string]bool
	evicted    bool
	containers *batch.Writer[*domain.Container]
	items      *batch.Writer[*domain.Item]
}

// New creates a preparer for one ingest
func New(st *store.Store, client remote.Client, opts Options) (*Preparer, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = batch.DefaultSize
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	p := &Preparer{
		store:   st,
		remote:  client,
		opts:    opts,
		log:     opts.Log,
		pending: make(map[string]bool),
	}

	cache, err := lru.NewWithEvict(opts.BatchSize, func(_ string, c *domain.Container) {
		if p.pending[c.ID] {
			p.evicted = true
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ancestor cache: %w", err)
	}
	p.ancestors = cache

	p.containers = batch.NewWriter("containers", opts.BatchSize, func(_ context.Context, cs []*domain.Container) error {
		if err := st.Containers.UpdateBatch(cs); err != nil {
			return err
		}
		for _, c := range cs {
			delete(p.pending, c.ID)
		}
		return nil
	})
	p.items = batch.NewWriter("items", opts.BatchSize, func(_ context.Context, its []*domain.Item) error {
		return st.Items.UpdateBatch(its)
	}).After(p.containers)
	return p, nil
}

// Run selects the items to upload and creates every relevant container
// that has no remote identity yet, parents first. All writes are flushed
// before it returns successfully.
func (p *Preparer) Run(ctx context.Context) (Result, error) {
	var res Result

	relevant, err := p.selectItems(ctx, &res)
	if err != nil {
		return res, err
	}

	// paths of errored containers and their descendants
	blocked := make(map[string]bool)

	total, err := p.store.Containers.Count(p.opts.IngestID)
	if err != nil {
		return res, err
	}

	err = p.store.Containers.Each(p.opts.IngestID, p.opts.BatchSize, func(c *domain.Container) error {
		if err := p.check(ctx); err != nil {
			return err
		}
		res.Visited++
		defer func() {
			if p.opts.Progress != nil {
				p.opts.Progress(res.Visited, total)
			}
		}()

		if c.Error || blocked[path.Dir(c.Path)] {
			blocked[c.Path] = true
		}
		if blocked[c.Path] || !(relevant[c.Path] || c.Level <= domain.LevelProject) {
			p.ancestors.Add(c.ID, c)
			return p.flushEvicted(ctx)
		}
		res.Relevant++

		if c.DstContext == nil {
			if err := p.create(ctx, c); err != nil {
				return err
			}
			res.Created++
		}
		p.ancestors.Add(c.ID, c)
		return p.flushEvicted(ctx)
	})
	if err != nil {
		return res, err
	}

	if err := batch.FlushAll(ctx, p.containers, p.items); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Preparer) check(ctx context.Context) error {
	if p.opts.Check != nil {
		if err := p.opts.Check(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// selectItems marks skipped items and returns the set of container paths
// that lead to an item to upload.
func (p *Preparer) selectItems(ctx context.Context, res *Result) (map[string]bool, error) {
	relevant := make(map[string]bool)
	cfg := p.opts.Config

	err := p.store.Items.EachWithErrors(p.opts.IngestID, p.opts.BatchSize, func(it *domain.ItemWithErrors) error {
		if err := p.check(ctx); err != nil {
			return err
		}

		reason := ""
		switch {
		case it.ContainerID == nil || it.Skipped:
			reason = "unresolved"
		case it.ContainerError:
			reason = "container error"
		case cfg.SkipExisting && it.Existing:
			reason = "already present"
		case cfg.DetectDuplicates && it.ErrorCount > 0:
			reason = "has errors"
		}
		if reason != "" {
			res.Skipped++
			p.log.WithField("item", it.ID).WithField("reason", reason).Debug("skipping item")
			if it.Skipped {
				return nil
			}
			item := it.Item
			item.Skipped = true
			return p.items.Push(ctx, &item)
		}

		res.Upload = append(res.Upload, it.ID)
		if !relevant[it.ContainerPath] {
			relevant[it.ContainerPath] = true
			for _, a := range domain.PathAncestors(it.ContainerPath) {
				relevant[a] = true
			}
		}
		return nil
	})
	return relevant, err
}

// parent returns the container with id from the ancestor cache or storage
func (p *Preparer) parent(id *string) (*domain.Container, error) {
	if id == nil {
		return nil, fmt.Errorf("container has no parent")
	}
	if c, ok := p.ancestors.Get(*id); ok {
		return c, nil
	}
	c, err := p.store.Containers.Get(*id)
	if err != nil {
		return nil, err
	}
	p.ancestors.Add(c.ID, c)
	return c, nil
}

func remoteID(c *domain.Container) (string, error) {
	if c.DstContext == nil || c.DstContext.ID == "" {
		return "", fmt.Errorf("%s %s has no remote id", c.Level, c.Path)
	}
	return c.DstContext.ID, nil
}

// create adds c to the remote store. Its parent is already there because
// containers are visited in path order.
func (p *Preparer) create(ctx context.Context, c *domain.Container) error {
	doc := remote.Doc{
		Label: c.SrcContext.Label,
		ID:    c.SrcContext.ID,
		UID:   c.SrcContext.UID,
		Code:  c.SrcContext.Code,
	}
	if c.Level != domain.LevelGroup {
		doc.ID = ""
		parent, err := p.parent(c.ParentID)
		if err != nil {
			return fmt.Errorf("parent of %s: %w", c.Path, err)
		}
		parentID, err := remoteID(parent)
		if err != nil {
			return err
		}
		switch c.Level {
		case domain.LevelProject:
			doc.Group = parentID
		case domain.LevelSubject:
			doc.Project = parentID
		case domain.LevelSession:
			doc.Subject = parentID
			project, err := p.parent(parent.ParentID)
			if err != nil {
				return fmt.Errorf("project of %s: %w", c.Path, err)
			}
			if doc.Project, err = remoteID(project); err != nil {
				return err
			}
		case domain.LevelAcquisition:
			doc.Session = parentID
		}
	}

	id, err := remote.Add(ctx, p.remote, c.Level, doc)
	if err != nil {
		return err
	}
	label := doc.Label
	if label == "" {
		label = id
	}
	c.DstContext = &domain.DstContext{ID: id, Label: label, UID: doc.UID, Code: doc.Code}
	p.log.WithField("path", c.Path).WithField("id", id).Debug("created container")

	p.pending[c.ID] = true
	return p.containers.Push(ctx, c)
}

func (p *Preparer) flushEvicted(ctx context.Context) error {
	if !p.evicted {
		return nil
	}
	p.evicted = false
	return p.containers.Flush(ctx)
}
