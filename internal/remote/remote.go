// Package remote defines the client interface of the destination store.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lherron/ingest/internal/domain"
)

// ErrNotFound is returned by Lookup when no container exists at a path
var ErrNotFound = errors.New("remote container not found")

// PermissionError reports a failed permission pre-check
type PermissionError struct {
	Op      string
	Group   string
	Project string
	Reason  string
}

func (e *PermissionError) Error() string {
	target := e.Group
	if e.Project != "" {
		target += "/" + e.Project
	}
	if e.Reason == "" {
		return fmt.Sprintf("permission denied: %s %s", e.Op, target)
	}
	return fmt.Sprintf("permission denied: %s %s: %s", e.Op, target, e.Reason)
}

// Doc describes a container to create. Parent links hold remote ids of the
// ancestors the level requires.
type Doc struct {
	Label   string `json:"label,omitempty"`
	ID      string `json:"_id,omitempty"`
	UID     string `json:"uid,omitempty"`
	Code    string `json:"code,omitempty"`
	Group   string `json:"group,omitempty"`
	Project string `json:"project,omitempty"`
	Subject string `json:"subject,omitempty"`
	Session string `json:"session,omitempty"`
}

// Client is the narrow interface of the destination store.
type Client interface {
	// Lookup resolves a path of container path elements (labels, or
	// "<id:...>" for explicit ids) to the remote container.
	Lookup(ctx context.Context, path []string) (*domain.DstContext, error)
	CanImportInto(ctx context.Context, group, project string) error
	CanCreateProjectInGroup(ctx context.Context, group string) error

	AddGroup(ctx context.Context, doc Doc) (string, error)
	AddProject(ctx context.Context, doc Doc) (string, error)
	AddSubject(ctx context.Context, doc Doc) (string, error)
	AddSession(ctx context.Context, doc Doc) (string, error)
	AddAcquisition(ctx context.Context, doc Doc) (string, error)
}

// FileSink receives file bytes for a remote container
type FileSink interface {
	PutFile(ctx context.Context, containerID, filename string, r io.Reader) error
}

// creators maps each level to the client method that creates it
var creators = [domain.NumLevels]func(Client, context.Context, Doc) (string, error){
	domain.LevelGroup:       Client.AddGroup,
	domain.LevelProject:     Client.AddProject,
	domain.LevelSubject:     Client.AddSubject,
	domain.LevelSession:     Client.AddSession,
	domain.LevelAcquisition: Client.AddAcquisition,
}

// Add creates a container of the given level and returns its remote id.
func Add(ctx context.Context, c Client, level domain.ContainerLevel, doc Doc) (string, error) {
	if !level.Valid() {
		return "", fmt.Errorf("add container: invalid level %d", int(level))
	}
	id, err := creators[level](c, ctx, doc)
	if err != nil {
		return "", fmt.Errorf("add %s %q: %w", level, doc.Label, err)
	}
	return id, nil
}
