// Package httpremote talks to the destination store over its JSON API.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/remote"
)

const defaultTimeout = 30 * time.Second

// Client is a remote.Client backed by HTTP
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var (
	_ remote.Client   = (*Client)(nil)
	_ remote.FileSink = (*Client)(nil)
)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q: must be http(s)://host", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "scitran-user "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var ae apiError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &ae) != nil || ae.Message == "" {
			ae.Message = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, ae.Message)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

type lookupRequest struct {
	Path []string `json:"path"`
}

type lookupResponse struct {
	ID    string `json:"_id"`
	Label string `json:"label"`
	UID   string `json:"uid"`
	Code  string `json:"code"`
	Files []struct {
		Name string `json:"name"`
	} `json:"files"`
}

// Lookup implements remote.Client.
func (c *Client) Lookup(ctx context.Context, path []string) (*domain.DstContext, error) {
	var out lookupResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/api/resolve", lookupRequest{Path: path}, &out)
	if status == http.StatusNotFound {
		return nil, remote.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	dst := &domain.DstContext{ID: out.ID, Label: out.Label, UID: out.UID, Code: out.Code}
	for _, f := range out.Files {
		dst.Files = append(dst.Files, f.Name)
	}
	return dst, nil
}

func (c *Client) check(ctx context.Context, path string, perr *remote.PermissionError) error {
	status, err := c.doJSON(ctx, http.MethodGet, path, nil, nil)
	if status == http.StatusForbidden || status == http.StatusUnauthorized {
		perr.Reason = err.Error()
		return perr
	}
	return err
}

// CanImportInto implements remote.Client.
func (c *Client) CanImportInto(ctx context.Context, group, project string) error {
	path := fmt.Sprintf("/api/groups/%s/projects/%s/permissions/import", url.PathEscape(group), url.PathEscape(project))
	return c.check(ctx, path, &remote.PermissionError{Op: "import into", Group: group, Project: project})
}

// CanCreateProjectInGroup implements remote.Client.
func (c *Client) CanCreateProjectInGroup(ctx context.Context, group string) error {
	path := fmt.Sprintf("/api/groups/%s/permissions/create_project", url.PathEscape(group))
	return c.check(ctx, path, &remote.PermissionError{Op: "create project in", Group: group})
}

type addResponse struct {
	ID string `json:"_id"`
}

func (c *Client) add(ctx context.Context, collection string, doc remote.Doc) (string, error) {
	var out addResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/"+collection, doc, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("POST /api/%s: response has no _id", collection)
	}
	return out.ID, nil
}

// AddGroup implements remote.Client.
func (c *Client) AddGroup(ctx context.Context, doc remote.Doc) (string, error) {
	if doc.ID == "" {
		doc.ID = doc.Label
	}
	return c.add(ctx, "groups", doc)
}

// AddProject implements remote.Client.
func (c *Client) AddProject(ctx context.Context, doc remote.Doc) (string, error) {
	return c.add(ctx, "projects", doc)
}

// AddSubject implements remote.Client.
func (c *Client) AddSubject(ctx context.Context, doc remote.Doc) (string, error) {
	return c.add(ctx, "subjects", doc)
}

// AddSession implements remote.Client.
func (c *Client) AddSession(ctx context.Context, doc remote.Doc) (string, error) {
	return c.add(ctx, "sessions", doc)
}

// AddAcquisition implements remote.Client.
func (c *Client) AddAcquisition(ctx context.Context, doc remote.Doc) (string, error) {
	return c.add(ctx, "acquisitions", doc)
}

// PutFile implements remote.FileSink.
func (c *Client) PutFile(ctx context.Context, containerID, filename string, r io.Reader) error {
	path := fmt.Sprintf("/api/containers/%s/files/%s", url.PathEscape(containerID), url.PathEscape(filename))
	_, err := c.do(ctx, http.MethodPut, path, r, "application/octet-stream", nil)
	return err
}
