package preparer_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/preparer"
	"github.com/lherron/ingest/internal/remote"
	"github.com/lherron/ingest/internal/remote/memremote"
	"github.com/lherron/ingest/internal/resolver"
	"github.com/lherron/ingest/internal/store"
	"github.com/lherron/ingest/internal/testutil"
)

type fixture struct {
	store  *store.Store
	remote *memremote.Store
	ingest *domain.Ingest
}

func setup(t *testing.T, cfg domain.IngestConfig) *fixture {
	t.Helper()
	st := store.New(testutil.TempDB(t))
	ing, err := st.Ingests.Create(store.IngestCreateParams{Src: "/src", Config: cfg})
	require.NoError(t, err)
	return &fixture{store: st, remote: memremote.New(), ingest: ing}
}

func contextOf(labels ...string) domain.Context {
	var ctx domain.Context
	for i, l := range labels {
		ctx = ctx.WithLevel(domain.ContainerLevel(i), domain.LevelInfo{Label: l})
	}
	return ctx
}

// resolve inserts one file item per context and resolves them
func (f *fixture) resolve(t *testing.T, files map[string]domain.Context, order ...string) map[string]string {
	t.Helper()
	ids := make(map[string]string)
	var items []*domain.Item
	for _, name := range order {
		it := &domain.Item{
			ID: uuid.NewString(), IngestID: f.ingest.ID, Dir: "d", Type: domain.ItemTypeFile,
			Files: []string{name}, FilesCnt: 1, Context: files[name],
		}
		ids[name] = it.ID
		items = append(items, it)
	}
	require.NoError(t, f.store.Items.InsertBatch(items))

	r, err := resolver.New(f.store, f.remote, resolver.Options{IngestID: f.ingest.ID, Config: f.ingest.Config})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	return ids
}

func (f *fixture) prepare(t *testing.T, opts preparer.Options) preparer.Result {
	t.Helper()
	opts.IngestID = f.ingest.ID
	opts.Config = f.ingest.Config
	p, err := preparer.New(f.store, f.remote, opts)
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestPrepareScenario(t *testing.T) {
	f := setup(t, domain.IngestConfig{})
	f.resolve(t, map[string]domain.Context{
		"img1.dcm": contextOf("A", "P1", "S1", "ses1", "acq1"),
		"img2.dcm": contextOf("A", "P1", "S1", "ses1", "acq1"),
		"img3.dcm": contextOf("A", "P1", "S1", "ses1", "acq2"),
	}, "img1.dcm", "img2.dcm", "img3.dcm")

	var progress []int
	res := f.prepare(t, preparer.Options{Progress: func(done, total int) {
		assert.Equal(t, 6, total)
		progress = append(progress, done)
	}})

	assert.Len(t, res.Upload, 3)
	assert.Equal(t, 6, res.Created)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)
	assert.Equal(t, []string{
		"A",
		"A/P1",
		"A/P1/S1",
		"A/P1/S1/ses1",
		"A/P1/S1/ses1/acq1",
		"A/P1/S1/ses1/acq2",
	}, f.remote.Tree())
	for _, op := range []string{"add_group", "add_project", "add_subject", "add_session"} {
		assert.Equal(t, 1, f.remote.Calls(op), op)
	}
	assert.Equal(t, 2, f.remote.Calls("add_acquisition"))

	require.NoError(t, f.store.Containers.Each(f.ingest.ID, 10, func(c *domain.Container) error {
		require.NotNil(t, c.DstContext, c.Path)
		assert.NotEmpty(t, c.DstContext.ID)
		return nil
	}))
}

func TestPrepareIsIdempotent(t *testing.T) {
	f := setup(t, domain.IngestConfig{})
	f.resolve(t, map[string]domain.Context{
		"a": contextOf("A", "P1", "S1", "ses1", "acq1"),
		"b": contextOf("A", "P1", "S2", "ses1", "acq1"),
	}, "a", "b")

	first := f.prepare(t, preparer.Options{})
	assert.Equal(t, 8, first.Created)
	adds := f.remote.AddCalls()

	second := f.prepare(t, preparer.Options{})
	assert.Zero(t, second.Created)
	assert.Equal(t, adds, f.remote.AddCalls(), "no additional add calls")
	assert.Equal(t, first.Upload, second.Upload)
}

func TestPrepareReusesExistingContainers(t *testing.T) {
	f := setup(t, domain.IngestConfig{})
	f.remote.Seed([]string{"A", "P1", "S1"})
	f.resolve(t, map[string]domain.Context{
		"a": contextOf("A", "P1", "S1", "ses1"),
	}, "a")

	res := f.prepare(t, preparer.Options{})
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, f.remote.Calls("add_subject"))
	assert.Equal(t, 1, f.remote.Calls("add_session"))
	assert.Contains(t, f.remote.Tree(), "A/P1/S1/ses1")
}

func TestPrepareSkipRules(t *testing.T) {
	f := setup(t, domain.IngestConfig{SkipExisting: true, DetectDuplicates: true})
	f.remote.Seed([]string{"A", "P1", "S1"}, "present")
	ids := f.resolve(t, map[string]domain.Context{
		"present": contextOf("A", "P1", "S1"),
		"dup":     contextOf("A", "P2", "S9"),
		"fresh":   contextOf("A", "P1", "S2"),
	}, "present", "dup", "fresh")

	dupID := ids["dup"]
	require.NoError(t, f.store.Errors.Add(&domain.Error{
		IngestID: f.ingest.ID, ItemID: &dupID, Code: domain.ErrCodeDuplicateUID, Message: "dup",
	}))

	res := f.prepare(t, preparer.Options{})
	assert.Equal(t, []string{ids["fresh"]}, res.Upload)
	assert.Equal(t, 2, res.Skipped)

	for name, skipped := range map[string]bool{"present": true, "dup": true, "fresh": false} {
		it, err := f.store.Items.Get(ids[name])
		require.NoError(t, err)
		assert.Equal(t, skipped, it.Skipped, name)
	}

	tree := f.remote.Tree()
	assert.Contains(t, tree, "A/P2", "projects are always created")
	assert.NotContains(t, tree, "A/P2/S9", "subjects of skipped items are not created")
	assert.Contains(t, tree, "A/P1/S2")
}

func TestPrepareSkipsErroredContainers(t *testing.T) {
	f := setup(t, domain.IngestConfig{})
	ids := f.resolve(t, map[string]domain.Context{
		"a": contextOf("A", "P1", "S1"),
		"b": contextOf("A", "P2", "S1"),
	}, "a", "b")

	p2, err := f.store.Containers.GetByPath(f.ingest.ID, "A/P2")
	require.NoError(t, err)
	p2.Error = true
	require.NoError(t, f.store.Containers.UpdateBatch([]*domain.Container{p2}))

	res := f.prepare(t, preparer.Options{})
	assert.Equal(t, []string{ids["a"]}, res.Upload)
	assert.Equal(t, 1, res.Skipped)
	tree := f.remote.Tree()
	assert.Contains(t, tree, "A/P1/S1")
	assert.NotContains(t, tree, "A/P2")
	assert.NotContains(t, tree, "A/P2/S1")
}

func TestPrepareSessionLinksProject(t *testing.T) {
	f := setup(t, domain.IngestConfig{})
	f.resolve(t, map[string]domain.Context{
		"a": contextOf("A", "P1", "S1", "ses1"),
	}, "a")

	docs := &recordingClient{Store: f.remote}
	p, err := preparer.New(f.store, docs, preparer.Options{IngestID: f.ingest.ID, BatchSize: 1})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, docs.sessions, 1)
	ses := docs.sessions[0]
	proj, err := f.store.Containers.GetByPath(f.ingest.ID, "A/P1")
	require.NoError(t, err)
	subj, err := f.store.Containers.GetByPath(f.ingest.ID, "A/P1/S1")
	require.NoError(t, err)
	assert.Equal(t, proj.DstContext.ID, ses.Project)
	assert.Equal(t, subj.DstContext.ID, ses.Subject)
}

type recordingClient struct {
	*memremote.Store
	sessions []remote.Doc
}

func (c *recordingClient) AddSession(ctx context.Context, doc remote.Doc) (string, error) {
	c.sessions = append(c.sessions, doc)
	return c.Store.AddSession(ctx, doc)
}

func TestPrepareRemoteFailure(t *testing.T) {
	f := setup(t, domain.IngestConfig{})
	f.resolve(t, map[string]domain.Context{"a": contextOf("A", "P1", "S1")}, "a")
	f.remote.FailAdd["S1"] = true

	p, err := preparer.New(f.store, f.remote, preparer.Options{IngestID: f.ingest.ID})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S1")
}
