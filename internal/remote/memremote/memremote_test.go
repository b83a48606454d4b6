package memremote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/remote"
	"github.com/lherron/ingest/internal/remote/memremote"
)

func TestLookupSeeded(t *testing.T) {
	ctx := context.Background()
	s := memremote.New()
	id := s.Seed([]string{"lab", "P1", "S1"}, "a.dcm")

	dst, err := s.Lookup(ctx, []string{"lab", "P1", "S1"})
	require.NoError(t, err)
	assert.Equal(t, id, dst.ID)
	assert.Equal(t, "S1", dst.Label)
	assert.True(t, dst.HasFile("a.dcm"))

	_, err = s.Lookup(ctx, []string{"lab", "P2"})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	dst, err = s.Lookup(ctx, []string{"<id:lab>"})
	require.NoError(t, err)
	assert.Equal(t, "lab", dst.ID)

	assert.Equal(t, 3, s.Calls("lookup"))
	assert.Equal(t, 1, s.Lookups("lab", "P1", "S1"))
}

func TestAddChain(t *testing.T) {
	ctx := context.Background()
	s := memremote.New()

	g, err := remote.Add(ctx, s, domain.LevelGroup, remote.Doc{Label: "lab"})
	require.NoError(t, err)
	p, err := remote.Add(ctx, s, domain.LevelProject, remote.Doc{Label: "P1", Group: g})
	require.NoError(t, err)
	subj, err := remote.Add(ctx, s, domain.LevelSubject, remote.Doc{Label: "S1", Project: p})
	require.NoError(t, err)
	ses, err := remote.Add(ctx, s, domain.LevelSession, remote.Doc{Label: "ses1", Subject: subj, Project: p})
	require.NoError(t, err)
	_, err = remote.Add(ctx, s, domain.LevelAcquisition, remote.Doc{Label: "acq1", Session: ses})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"lab",
		"lab/P1",
		"lab/P1/S1",
		"lab/P1/S1/ses1",
		"lab/P1/S1/ses1/acq1",
	}, s.Tree())
	assert.Equal(t, 5, s.AddCalls())
	assert.Equal(t, 1, s.Calls("add_session"))
}

func TestAddRejectsWrongParent(t *testing.T) {
	ctx := context.Background()
	s := memremote.New()
	g, err := s.AddGroup(ctx, remote.Doc{Label: "lab"})
	require.NoError(t, err)

	_, err = s.AddSubject(ctx, remote.Doc{Label: "S1", Project: g})
	assert.Error(t, err)

	_, err = s.AddProject(ctx, remote.Doc{Label: "P1", Group: "missing"})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	p, err := s.AddProject(ctx, remote.Doc{Label: "P1", Group: g})
	require.NoError(t, err)
	p2, err := s.AddProject(ctx, remote.Doc{Label: "P2", Group: g})
	require.NoError(t, err)
	subj, err := s.AddSubject(ctx, remote.Doc{Label: "S1", Project: p})
	require.NoError(t, err)
	_, err = s.AddSession(ctx, remote.Doc{Label: "ses", Subject: subj, Project: p2})
	assert.Error(t, err, "session project link must match the subject's project")
}

func TestPermissionDenials(t *testing.T) {
	ctx := context.Background()
	s := memremote.New()
	s.DenyImport["lab/P1"] = true
	s.DenyCreateProject["lab"] = true

	err := s.CanImportInto(ctx, "lab", "P1")
	var perr *remote.PermissionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "P1", perr.Project)
	assert.Contains(t, err.Error(), "lab/P1")

	assert.NoError(t, s.CanImportInto(ctx, "lab", "P2"))
	assert.Error(t, s.CanCreateProjectInGroup(ctx, "lab"))
	assert.NoError(t, s.CanCreateProjectInGroup(ctx, "other"))
}

func TestFailAdd(t *testing.T) {
	s := memremote.New()
	s.FailAdd["bad"] = true
	_, err := remote.Add(context.Background(), s, domain.LevelGroup, remote.Doc{Label: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `add group "bad"`)
}

func TestAddInvalidLevel(t *testing.T) {
	_, err := remote.Add(context.Background(), memremote.New(), domain.ContainerLevel(9), remote.Doc{Label: "x"})
	assert.Error(t, err)
}
