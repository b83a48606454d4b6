// Package dedupe flags items that would land twice in the destination.
package dedupe

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lherron/ingest/internal/batch"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/store"
)

// Result counts the flagged items
type Result struct {
	DuplicateUIDs      int
	DuplicateFilenames int
}

// Options configure a detection pass
type Options struct {
	IngestID string
	TaskID   string
	Log      logrus.FieldLogger
	// Check runs before every uid conflict and duplicate filename; an
	// error stops the pass
	Check func() error
}

// Detect records a duplicate_uid error for every item whose uid was filed
// under more than one session or acquisition, and a duplicate_filename
// error for every item whose container and filename an earlier item
// already claimed.
func Detect(ctx context.Context, st *store.Store, opts Options) (Result, error) {
	var res Result
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	check := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Check != nil {
			return opts.Check()
		}
		return nil
	}
	errs := batch.NewWriter("errors", batch.DefaultSize, func(_ context.Context, es []*domain.Error) error {
		return st.Errors.InsertBatch(es)
	})

	newError := func(itemID, code, msg string) *domain.Error {
		e := &domain.Error{IngestID: opts.IngestID, Code: code, Message: msg, ItemID: &itemID}
		if opts.TaskID != "" {
			e.TaskID = &opts.TaskID
		}
		return e
	}

	conflicts, err := st.UIDs.Conflicts(opts.IngestID)
	if err != nil {
		return res, err
	}
	for _, c := range conflicts {
		if err := check(); err != nil {
			return res, flushed(ctx, errs, err)
		}
		log.WithField("uid", c.UID).WithField("items", len(c.ItemIDs)).Warn("uid filed under several containers")
		for _, id := range c.ItemIDs {
			msg := fmt.Sprintf("uid %s is shared by %d items in different sessions or acquisitions", c.UID, len(c.ItemIDs))
			if err := errs.Push(ctx, newError(id, domain.ErrCodeDuplicateUID, msg)); err != nil {
				return res, err
			}
			res.DuplicateUIDs++
		}
	}

	dups, err := st.Items.DuplicateFilenames(opts.IngestID)
	if err != nil {
		return res, err
	}
	for _, d := range dups {
		if err := check(); err != nil {
			return res, flushed(ctx, errs, err)
		}
		msg := fmt.Sprintf("filename %s already used by item %s", d.Filename, d.FirstItemID)
		if err := errs.Push(ctx, newError(d.ItemID, domain.ErrCodeDuplicateFilename, msg)); err != nil {
			return res, err
		}
		res.DuplicateFilenames++
	}

	if err := errs.Flush(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// flushed writes what was found before err stopped the pass
func flushed(ctx context.Context, errs *batch.Writer[*domain.Error], err error) error {
	if ferr := errs.Flush(context.WithoutCancel(ctx)); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}
