// Package resolver links scanned items to destination containers, reusing
// containers by path and resolving new ones against the remote store.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/lherron/ingest/internal/batch"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/paths"
	"github.com/lherron/ingest/internal/remote"
	"github.com/lherron/ingest/internal/store"
)

// ErrMissingProject is returned when require_project is set and an item
// targets a group or project that does not exist remotely.
var ErrMissingProject = errors.New("missing project")

// MissingProjectError names the container that would have been created
type MissingProjectError struct {
	Level domain.ContainerLevel
	Path  string
}

func (e *MissingProjectError) Error() string {
	return fmt.Sprintf("missing project: %s %q does not exist and require_project is set", e.Level, e.Path)
}

// Is matches ErrMissingProject
func (e *MissingProjectError) Is(target error) bool { return target == ErrMissingProject }

// PermissionErrors is every permission failure of one resolve pass
type PermissionErrors []*remote.PermissionError

func (pe PermissionErrors) Error() string {
	msgs := make([]string, len(pe))
	for i, e := range pe {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d permission error(s): %s", len(pe), strings.Join(msgs, "; "))
}

// Options configure a Resolver
type Options struct {
	IngestID string
	TaskID   string
	Config   domain.IngestConfig
	Log      logrus.FieldLogger
	// BatchSize sizes the writers and the path cache
	BatchSize int
	// Check runs before every item; an error stops the pass
	Check func() error
	// Progress is called after every item with the number processed
	Progress func(done int)
}

// Resolver runs one resolve pass. It is owned by a single task and is not
// safe for concurrent use.
type Resolver struct {
	store  *store.Store
	remote remote.Client
	opts   Options
	log    logrus.FieldLogger

	cache      *lru.Cache[string, *domain.Container]
	pending    map[string]bool
	evicted    bool
	containers *batch.Writer[*domain.Container]
	items      *batch.Writer[*domain.Item]
	uids       *batch.Writer[*domain.UID]
	errs       *batch.Writer[*domain.Error]

	checkedProjects map[string]bool
	permErrs        PermissionErrors
	stats           Stats
}

// Stats counts what a pass did
type Stats struct {
	Items      int
	Linked     int
	Unmatched  int
	Containers int
	Existing   int
	Lookups    int
}

// New creates a resolver for one ingest
func New(st *store.Store, client remote.Client, opts Options) (*Resolver, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = batch.DefaultSize
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	r := &Resolver{
		store:           st,
		remote:          client,
		opts:            opts,
		log:             opts.Log,
		pending:         make(map[string]bool),
		checkedProjects: make(map[string]bool),
	}

	cache, err := lru.NewWithEvict(opts.BatchSize, func(_ string, c *domain.Container) {
		if r.pending[c.ID] {
			r.evicted = true
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create path cache: %w", err)
	}
	r.cache = cache

	r.containers = batch.NewWriter("containers", opts.BatchSize, func(_ context.Context, cs []*domain.Container) error {
		if err := st.Containers.InsertBatch(cs); err != nil {
			return err
		}
		for _, c := range cs {
			delete(r.pending, c.ID)
		}
		return nil
	})
	r.items = batch.NewWriter("items", opts.BatchSize, func(_ context.Context, its []*domain.Item) error {
		return st.Items.UpdateBatch(its)
	}).After(r.containers)
	r.uids = batch.NewWriter("uids", opts.BatchSize, func(_ context.Context, us []*domain.UID) error {
		return st.UIDs.InsertBatch(us)
	}).After(r.containers, r.items)
	r.errs = batch.NewWriter("errors", opts.BatchSize, func(_ context.Context, es []*domain.Error) error {
		return st.Errors.InsertBatch(es)
	}).After(r.items)
	return r, nil
}

// Stats returns the counters of the pass so far
func (r *Resolver) Stats() Stats { return r.stats }

// Run resolves every item of the ingest. Already flushed work stays durable
// when it fails. Permission problems are collected over the whole pass and
// returned together as PermissionErrors.
func (r *Resolver) Run(ctx context.Context) error {
	done := 0
	err := r.store.Items.Each(r.opts.IngestID, r.opts.BatchSize, func(it *domain.Item) error {
		if r.opts.Check != nil {
			if err := r.opts.Check(); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.ResolveItem(ctx, it); err != nil {
			return err
		}
		done++
		if r.opts.Progress != nil {
			r.opts.Progress(done)
		}
		return nil
	})
	if err != nil {
		if flushErr := r.Flush(ctx); flushErr != nil {
			r.log.WithError(flushErr).Warn("failed to flush after resolve error")
		}
		return err
	}

	if err := r.Flush(ctx); err != nil {
		return err
	}
	if len(r.permErrs) > 0 {
		return r.permErrs
	}
	return nil
}

// Flush writes every buffered record
func (r *Resolver) Flush(ctx context.Context) error {
	return batch.FlushAll(ctx, r.containers, r.items, r.uids, r.errs)
}

// ResolveItem links one item to its container, creating container records
// along its path as needed.
func (r *Resolver) ResolveItem(ctx context.Context, it *domain.Item) error {
	r.stats.Items++
	log := r.log.WithField("item", it.ID).WithField("dir", it.Dir)

	deepest, ok := it.Context.Deepest()
	if !ok || deepest < domain.LevelProject {
		r.stats.Unmatched++
		msg := fmt.Sprintf("%s: no group and project in context %q", it.Dir, it.Context.String())
		log.Warn("skipping item with unmatched context")
		it.Skipped = true
		if err := r.items.Push(ctx, it); err != nil {
			return err
		}
		return r.errs.Push(ctx, r.newError(it.ID, domain.ErrCodeUnmatchedContext, msg))
	}

	var chain [domain.NumLevels]*domain.Container
	var elements []string
	var parent *domain.Container
	for _, l := range domain.Levels()[:deepest+1] {
		info := it.Context.Level(l)
		elements = append(elements, info.PathElement())
		c, err := r.container(ctx, l, info, elements, parent)
		if err != nil {
			return err
		}
		chain[l] = c
		parent = c
	}

	leaf := chain[deepest]
	it.ContainerID = &leaf.ID
	it.Filename = filename(it, leaf)
	it.Existing = leaf.DstContext.HasFile(it.Filename)
	r.stats.Linked++
	if err := r.items.Push(ctx, it); err != nil {
		return err
	}

	if r.opts.Config.DetectDuplicates {
		for _, uid := range it.UIDs {
			u := &domain.UID{IngestID: r.opts.IngestID, ItemID: it.ID, UID: uid}
			if c := chain[domain.LevelSession]; c != nil {
				u.SessionContainerID = &c.ID
			}
			if c := chain[domain.LevelAcquisition]; c != nil {
				u.AcquisitionContainerID = &c.ID
			}
			if err := r.uids.Push(ctx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

func filename(it *domain.Item, leaf *domain.Container) string {
	if it.Type == domain.ItemTypePackfile {
		label := leaf.SrcContext.Label
		if leaf.DstContext != nil && leaf.DstContext.Label != "" {
			label = leaf.DstContext.Label
		}
		if label == "" {
			label = path.Base(it.Dir)
		}
		return paths.PackfileName(label, it.Context.Packfile())
	}
	if len(it.Files) == 0 {
		return ""
	}
	return path.Base(it.Files[0])
}

// container returns the container at the path made of elements, from the
// cache, durable storage or as a new record.
func (r *Resolver) container(ctx context.Context, level domain.ContainerLevel, info domain.LevelInfo, elements []string, parent *domain.Container) (*domain.Container, error) {
	key := pathKey(elements)
	if c, ok := r.cache.Get(key); ok {
		return c, nil
	}

	c, err := r.store.Containers.GetByPath(r.opts.IngestID, key)
	if err == nil {
		// stored by an interrupted pass of this task
		if level == domain.LevelProject {
			if err := r.checkPermission(ctx, c, parent); err != nil {
				return nil, err
			}
		}
		r.cache.Add(key, c)
		return c, r.flushEvicted(ctx)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	c = &domain.Container{
		ID:         uuid.NewString(),
		IngestID:   r.opts.IngestID,
		Path:       key,
		Level:      level,
		SrcContext: info,
		DstPath:    strings.Join(elements, "/"),
	}
	if parent != nil {
		c.ParentID = &parent.ID
	}

	// a container below one missing remotely is missing too
	if parent == nil || parent.DstContext != nil {
		r.stats.Lookups++
		dst, err := r.remote.Lookup(ctx, elements)
		switch {
		case err == nil:
			c.DstContext = dst
			c.Existing = true
			r.stats.Existing++
		case errors.Is(err, remote.ErrNotFound):
		default:
			return nil, fmt.Errorf("lookup %s: %w", c.DstPath, err)
		}
	}

	if level <= domain.LevelProject {
		if err := r.checkPolicy(ctx, c, parent); err != nil {
			return nil, err
		}
	}

	r.stats.Containers++
	r.pending[c.ID] = true
	if err := r.containers.Push(ctx, c); err != nil {
		return nil, err
	}
	r.cache.Add(key, c)
	return c, r.flushEvicted(ctx)
}

func pathKey(elements []string) string {
	key := ""
	for _, el := range elements {
		key = domain.JoinPath(key, el)
	}
	return key
}

// flushEvicted flushes the container writer when the cache dropped a
// container that is still buffered, so a cache miss always means the
// record is durable.
func (r *Resolver) flushEvicted(ctx context.Context) error {
	if !r.evicted {
		return nil
	}
	r.evicted = false
	return r.containers.Flush(ctx)
}

// checkPolicy enforces require_project for a new group or project
// container and the permission pre-check for a new project.
func (r *Resolver) checkPolicy(ctx context.Context, c, parent *domain.Container) error {
	if r.opts.Config.RequireProject && !c.Existing {
		e := r.newError("", domain.ErrCodeMissingProject, (&MissingProjectError{Level: c.Level, Path: c.DstPath}).Error())
		if err := r.store.Errors.Add(e); err != nil {
			r.log.WithError(err).Warn("failed to record missing project")
		}
		return &MissingProjectError{Level: c.Level, Path: c.DstPath}
	}
	if c.Level != domain.LevelProject {
		return nil
	}
	return r.checkPermission(ctx, c, parent)
}

// checkPermission runs the import or create-project check once per project
// and records a refusal without stopping the pass. The group is covered by
// the check on its project.
func (r *Resolver) checkPermission(ctx context.Context, c, parent *domain.Container) error {
	if r.checkedProjects[c.Path] {
		return nil
	}
	r.checkedProjects[c.Path] = true

	group := remoteRef(parent)
	var err error
	if c.Existing {
		err = r.remote.CanImportInto(ctx, group, c.DstContext.ID)
	} else {
		err = r.remote.CanCreateProjectInGroup(ctx, group)
	}
	if err == nil {
		return nil
	}

	var perr *remote.PermissionError
	if !errors.As(err, &perr) {
		return fmt.Errorf("permission check for %s: %w", c.DstPath, err)
	}
	r.log.WithError(perr).WithField("path", c.DstPath).Warn("permission denied")
	r.permErrs = append(r.permErrs, perr)
	c.Error = true
	return r.errs.Push(ctx, r.newError("", domain.ErrCodePermissionDenied, fmt.Sprintf("%s: %s", c.DstPath, perr.Error())))
}

// remoteRef is the remote id of c, or its source path element when it does
// not exist remotely yet
func remoteRef(c *domain.Container) string {
	if c == nil {
		return ""
	}
	if c.DstContext != nil && c.DstContext.ID != "" {
		return c.DstContext.ID
	}
	if c.SrcContext.ID != "" {
		return c.SrcContext.ID
	}
	return c.SrcContext.Label
}

func (r *Resolver) newError(itemID, code, msg string) *domain.Error {
	e := &domain.Error{IngestID: r.opts.IngestID, Code: code, Message: msg}
	if r.opts.TaskID != "" {
		e.TaskID = &r.opts.TaskID
	}
	if itemID != "" {
		e.ItemID = &itemID
	}
	return e
}
