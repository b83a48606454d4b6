package dedupe_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/ingest/internal/dedupe"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/store"
	"github.com/lherron/ingest/internal/testutil"
)

func TestDetect(t *testing.T) {
	st := store.New(testutil.TempDB(t))
	ing, err := st.Ingests.Create(store.IngestCreateParams{Src: "/src"})
	require.NoError(t, err)

	mk := func(path string, parent *domain.Container, level domain.ContainerLevel) *domain.Container {
		c := &domain.Container{ID: uuid.NewString(), IngestID: ing.ID, Path: path, Level: level}
		if parent != nil {
			c.ParentID = &parent.ID
		}
		return c
	}
	g := mk("A", nil, domain.LevelGroup)
	p := mk("A/P", g, domain.LevelProject)
	s := mk("A/P/S", p, domain.LevelSubject)
	ses1 := mk("A/P/S/1", s, domain.LevelSession)
	ses2 := mk("A/P/S/2", s, domain.LevelSession)
	require.NoError(t, st.Containers.InsertBatch([]*domain.Container{g, p, s, ses1, ses2}))

	item := func(container *domain.Container, filename string) *domain.Item {
		return &domain.Item{
			ID: uuid.NewString(), IngestID: ing.ID, Type: domain.ItemTypeFile,
			Files: []string{filename}, ContainerID: &container.ID, Filename: filename,
		}
	}
	a := item(ses1, "a.dcm")
	b := item(ses2, "b.dcm")
	c := item(ses1, "a.dcm")
	d := item(ses2, "d.dcm")
	require.NoError(t, st.Items.InsertBatch([]*domain.Item{a, b, c, d}))
	require.NoError(t, st.UIDs.InsertBatch([]*domain.UID{
		{IngestID: ing.ID, ItemID: a.ID, UID: "1.2", SessionContainerID: &ses1.ID},
		{IngestID: ing.ID, ItemID: b.ID, UID: "1.2", SessionContainerID: &ses2.ID},
		{IngestID: ing.ID, ItemID: d.ID, UID: "7.7", SessionContainerID: &ses2.ID},
	}))

	log, hook := logtest.NewNullLogger()
	res, err := dedupe.Detect(context.Background(), st, dedupe.Options{IngestID: ing.ID, Log: log})
	require.NoError(t, err)
	assert.Equal(t, dedupe.Result{DuplicateUIDs: 2, DuplicateFilenames: 1}, res)

	uidErrs, err := st.Errors.List(ing.ID, domain.ErrCodeDuplicateUID)
	require.NoError(t, err)
	require.Len(t, uidErrs, 2)
	flagged := []string{*uidErrs[0].ItemID, *uidErrs[1].ItemID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, flagged)

	nameErrs, err := st.Errors.List(ing.ID, domain.ErrCodeDuplicateFilename)
	require.NoError(t, err)
	require.Len(t, nameErrs, 1)
	assert.Equal(t, c.ID, *nameErrs[0].ItemID)
	assert.Contains(t, nameErrs[0].Message, a.ID)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDetectNothing(t *testing.T) {
	st := store.New(testutil.TempDB(t))
	ing, err := st.Ingests.Create(store.IngestCreateParams{Src: "/src"})
	require.NoError(t, err)

	log, _ := logtest.NewNullLogger()
	res, err := dedupe.Detect(context.Background(), st, dedupe.Options{IngestID: ing.ID, Log: log})
	require.NoError(t, err)
	assert.Zero(t, res)
}

func TestDetectStopsOnCheck(t *testing.T) {
	st := store.New(testutil.TempDB(t))
	ing, err := st.Ingests.Create(store.IngestCreateParams{Src: "/src"})
	require.NoError(t, err)

	ses1 := &domain.Container{ID: uuid.NewString(), IngestID: ing.ID, Path: "A", Level: domain.LevelSession}
	ses2 := &domain.Container{ID: uuid.NewString(), IngestID: ing.ID, Path: "B", Level: domain.LevelSession}
	require.NoError(t, st.Containers.InsertBatch([]*domain.Container{ses1, ses2}))
	a := &domain.Item{ID: uuid.NewString(), IngestID: ing.ID, Type: domain.ItemTypeFile, ContainerID: &ses1.ID, Filename: "a"}
	b := &domain.Item{ID: uuid.NewString(), IngestID: ing.ID, Type: domain.ItemTypeFile, ContainerID: &ses2.ID, Filename: "b"}
	require.NoError(t, st.Items.InsertBatch([]*domain.Item{a, b}))
	require.NoError(t, st.UIDs.InsertBatch([]*domain.UID{
		{IngestID: ing.ID, ItemID: a.ID, UID: "1.2", SessionContainerID: &ses1.ID},
		{IngestID: ing.ID, ItemID: b.ID, UID: "1.2", SessionContainerID: &ses2.ID},
	}))

	log, _ := logtest.NewNullLogger()
	aborted := errors.New("aborted")
	_, err = dedupe.Detect(context.Background(), st, dedupe.Options{
		IngestID: ing.ID,
		TaskID:   "dedupe-task",
		Log:      log,
		Check:    func() error { return aborted },
	})
	assert.ErrorIs(t, err, aborted)
	errs, err := st.Errors.List(ing.ID, "")
	require.NoError(t, err)
	assert.Empty(t, errs)

	// a resumed pass records each duplicate once
	for i := 0; i < 2; i++ {
		res, err := dedupe.Detect(context.Background(), st, dedupe.Options{IngestID: ing.ID, TaskID: "dedupe-task", Log: log})
		require.NoError(t, err)
		assert.Equal(t, 2, res.DuplicateUIDs)
	}
	errs, err = st.Errors.List(ing.ID, domain.ErrCodeDuplicateUID)
	require.NoError(t, err)
	assert.Len(t, errs, 2)
}
