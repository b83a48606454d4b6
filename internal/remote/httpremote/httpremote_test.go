package httpremote_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/ingest/internal/remote"
	"github.com/lherron/ingest/internal/remote/httpremote"
)

func newServer(t *testing.T, h http.HandlerFunc) *httpremote.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := httpremote.New(srv.URL, "key123")
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := httpremote.New("ftp://example.com", "")
	assert.Error(t, err)
	_, err = httpremote.New("http://", "")
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/resolve", r.URL.Path)
		assert.Equal(t, "scitran-user key123", r.Header.Get("Authorization"))
		var req struct {
			Path []string `json:"path"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if strings.Join(req.Path, "/") != "lab/P1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"_id":"p1","label":"P1","files":[{"name":"a.zip"}]}`)
	})

	dst, err := c.Lookup(context.Background(), []string{"lab", "P1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", dst.ID)
	assert.True(t, dst.HasFile("a.zip"))

	_, err = c.Lookup(context.Background(), []string{"lab", "P2"})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestPermissionChecks(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/groups/lab/projects/P1/permissions/import":
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"read-only member"}`)
		case "/api/groups/lab/permissions/create_project":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	err := c.CanImportInto(context.Background(), "lab", "P1")
	var perr *remote.PermissionError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Reason, "read-only member")

	assert.NoError(t, c.CanCreateProjectInGroup(context.Background(), "lab"))

	err = c.CanCreateProjectInGroup(context.Background(), "other")
	require.Error(t, err)
	assert.False(t, errors.As(err, &perr), "server errors are not permission errors")
}

func TestAddAndPutFile(t *testing.T) {
	var gotDoc map[string]string
	var gotBody string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/sessions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDoc))
			_, _ = io.WriteString(w, `{"_id":"ses-1"}`)
		case r.Method == http.MethodPut && r.URL.Path == "/api/containers/ses-1/files/a.dcm":
			data, _ := io.ReadAll(r.Body)
			gotBody = string(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	id, err := c.AddSession(context.Background(), remote.Doc{Label: "ses1", Subject: "s-1", Project: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "ses-1", id)
	assert.Equal(t, map[string]string{"label": "ses1", "subject": "s-1", "project": "p-1"}, gotDoc)

	require.NoError(t, c.PutFile(context.Background(), "ses-1", "a.dcm", strings.NewReader("DICM")))
	assert.Equal(t, "DICM", gotBody)

	_, err = c.AddAcquisition(context.Background(), remote.Doc{Label: "x"})
	assert.Error(t, err)
}
