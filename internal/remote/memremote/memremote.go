// Package memremote is an in-memory destination store. It backs tests and
// dry runs.
package memremote

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/remote"
)

type node struct {
	id       string
	level    domain.ContainerLevel
	label    string
	uid      string
	code     string
	files    []string
	parent   *node
	children []*node
}

// Store is a thread-safe in-memory remote.Client.
type Store struct {
	mu    sync.Mutex
	seq   int
	roots []*node
	byID  map[string]*node

	calls   map[string]int
	lookups map[string]int
	bytes   int64

	// DenyImport lists "group/project" pairs CanImportInto rejects
	DenyImport map[string]bool
	// DenyCreateProject lists groups CanCreateProjectInGroup rejects
	DenyCreateProject map[string]bool
	// FailAdd makes Add* calls for the listed labels fail
	FailAdd map[string]bool
}

var (
	_ remote.Client   = (*Store)(nil)
	_ remote.FileSink = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		byID:              make(map[string]*node),
		calls:             make(map[string]int),
		lookups:           make(map[string]int),
		DenyImport:        make(map[string]bool),
		DenyCreateProject: make(map[string]bool),
		FailAdd:           make(map[string]bool),
	}
}

// Calls returns how many times an operation ran ("lookup", "add_session", ...).
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// AddCalls returns the total number of Add* calls.
func (s *Store) AddCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range domain.Levels() {
		n += s.calls["add_"+l.String()]
	}
	return n
}

// Lookups returns how many times path was looked up.
func (s *Store) Lookups(path ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[strings.Join(path, "/")]
}

// Seed creates containers along path (labels, group first) as if they
// already existed, attaching files to the deepest one. It returns the
// remote id of the deepest container.
func (s *Store) Seed(path []string, files ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent *node
	for depth, label := range path {
		n := s.find(parent, label)
		if n == nil {
			n = s.create(parent, domain.ContainerLevel(depth), remote.Doc{Label: label, ID: groupID(depth, label)})
		}
		parent = n
	}
	if parent == nil {
		return ""
	}
	parent.files = append(parent.files, files...)
	return parent.id
}

func groupID(depth int, label string) string {
	if depth == int(domain.LevelGroup) {
		return label
	}
	return ""
}

// Tree renders every container path, sorted.
func (s *Store) Tree() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	var walk func(prefix string, nodes []*node)
	walk = func(prefix string, nodes []*node) {
		for _, n := range nodes {
			p := n.label
			if prefix != "" {
				p = prefix + "/" + n.label
			}
			out = append(out, p)
			walk(p, n.children)
		}
	}
	walk("", s.roots)
	sort.Strings(out)
	return out
}

// PutFile implements remote.FileSink. The bytes are drained and only the
// name and size are kept.
func (s *Store) PutFile(ctx context.Context, containerID, filename string, r io.Reader) error {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["put_file"]++
	s.bytes += n
	node, ok := s.byID[containerID]
	if !ok {
		return fmt.Errorf("container %s: %w", containerID, remote.ErrNotFound)
	}
	node.files = append(node.files, filename)
	return nil
}

// Bytes returns the total number of bytes received by PutFile.
func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *Store) find(parent *node, element string) *node {
	candidates := s.roots
	if parent != nil {
		candidates = parent.children
	}
	id, byID := strings.CutPrefix(element, "<id:")
	id = strings.TrimSuffix(id, ">")
	for _, n := range candidates {
		if byID && n.id == id {
			return n
		}
		if !byID && n.label == element {
			return n
		}
	}
	return nil
}

func (s *Store) create(parent *node, level domain.ContainerLevel, doc remote.Doc) *node {
	s.seq++
	id := doc.ID
	if id == "" {
		id = fmt.Sprintf("%s-%04d", level, s.seq)
	}
	label := doc.Label
	if label == "" {
		label = id
	}
	n := &node{id: id, level: level, label: label, uid: doc.UID, code: doc.Code, parent: parent}
	if parent == nil {
		s.roots = append(s.roots, n)
	} else {
		parent.children = append(parent.children, n)
	}
	s.byID[id] = n
	return n
}

// Lookup implements remote.Client.
func (s *Store) Lookup(ctx context.Context, path []string) (*domain.DstContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["lookup"]++
	s.lookups[strings.Join(path, "/")]++

	var n *node
	for _, el := range path {
		n = s.find(n, el)
		if n == nil {
			return nil, remote.ErrNotFound
		}
	}
	if n == nil {
		return nil, remote.ErrNotFound
	}
	return &domain.DstContext{
		ID:    n.id,
		Label: n.label,
		UID:   n.uid,
		Code:  n.code,
		Files: append([]string(nil), n.files...),
	}, nil
}

// CanImportInto implements remote.Client.
func (s *Store) CanImportInto(ctx context.Context, group, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["can_import_into"]++
	if s.DenyImport[group+"/"+project] {
		return &remote.PermissionError{Op: "import into", Group: group, Project: project}
	}
	return nil
}

// CanCreateProjectInGroup implements remote.Client.
func (s *Store) CanCreateProjectInGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["can_create_project"]++
	if s.DenyCreateProject[group] {
		return &remote.PermissionError{Op: "create project in", Group: group}
	}
	return nil
}

func (s *Store) add(ctx context.Context, level domain.ContainerLevel, parentID string, doc remote.Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["add_"+level.String()]++

	if s.FailAdd[doc.Label] {
		return "", fmt.Errorf("add %s %q: injected failure", level, doc.Label)
	}

	var parent *node
	if level != domain.LevelGroup {
		p, ok := s.byID[parentID]
		if !ok {
			return "", fmt.Errorf("parent %q of %s %q: %w", parentID, level, doc.Label, remote.ErrNotFound)
		}
		if p.level != level-1 {
			return "", fmt.Errorf("parent %q of %s %q is a %s", parentID, level, doc.Label, p.level)
		}
		parent = p
	}
	if level == domain.LevelSession && doc.Project != "" {
		if parent.parent == nil || parent.parent.id != doc.Project {
			return "", fmt.Errorf("session %q: subject %s is not in project %s", doc.Label, parentID, doc.Project)
		}
	}
	if doc.ID != "" {
		if _, taken := s.byID[doc.ID]; taken {
			return "", fmt.Errorf("%s %q already exists", level, doc.ID)
		}
	}
	return s.create(parent, level, doc).id, nil
}

// AddGroup implements remote.Client.
func (s *Store) AddGroup(ctx context.Context, doc remote.Doc) (string, error) {
	if doc.ID == "" {
		doc.ID = doc.Label
	}
	return s.add(ctx, domain.LevelGroup, "", doc)
}

// AddProject implements remote.Client.
func (s *Store) AddProject(ctx context.Context, doc remote.Doc) (string, error) {
	return s.add(ctx, domain.LevelProject, doc.Group, doc)
}

// AddSubject implements remote.Client.
func (s *Store) AddSubject(ctx context.Context, doc remote.Doc) (string, error) {
	return s.add(ctx, domain.LevelSubject, doc.Project, doc)
}

// AddSession implements remote.Client.
func (s *Store) AddSession(ctx context.Context, doc remote.Doc) (string, error) {
	return s.add(ctx, domain.LevelSession, doc.Subject, doc)
}

// AddAcquisition implements remote.Client.
func (s *Store) AddAcquisition(ctx context.Context, doc remote.Doc) (string, error) {
	return s.add(ctx, domain.LevelAcquisition, doc.Session, doc)
}
