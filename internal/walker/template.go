package walker

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/paths"
)

// Node is one matcher of a template. A node either assigns hierarchy
// metadata to a directory or hands the directory to a scanner.
type Node struct {
	Level    *domain.ContainerLevel `yaml:"level,omitempty"`
	Pattern  string                 `yaml:"pattern,omitempty"`
	Glob     string                 `yaml:"glob,omitempty"`
	Packfile string                 `yaml:"packfile,omitempty"`
	Terminal bool                   `yaml:"terminal,omitempty"`
	Scanner  string                 `yaml:"scanner,omitempty"`
	Children []*Node                `yaml:"children,omitempty"`

	re     *regexp.Regexp
	fields []groupField
}

type groupField struct {
	index int
	level domain.ContainerLevel
	field string
}

// Template is an immutable tree of nodes. Either RootScanner is set and the
// whole source goes to that scanner, or Nodes matches the top level
// directories.
type Template struct {
	RootScanner string
	Nodes       []*Node
}

// ParseTemplate parses a YAML template. The document is either a sequence
// of top level nodes or a single node.
func ParseTemplate(data []byte) (*Template, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("template is empty")
	}
	root := doc.Content[0]

	var nodes []*Node
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&nodes); err != nil {
			return nil, fmt.Errorf("failed to decode template: %w", err)
		}
	case yaml.MappingNode:
		var n Node
		if err := root.Decode(&n); err != nil {
			return nil, fmt.Errorf("failed to decode template: %w", err)
		}
		if n.Scanner != "" && n.Level == nil && n.Pattern == "" && n.Glob == "" {
			return &Template{RootScanner: n.Scanner}, nil
		}
		nodes = []*Node{&n}
	default:
		return nil, fmt.Errorf("template must be a node or a list of nodes")
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("template has no nodes")
	}
	for _, n := range nodes {
		if err := n.compile("/"); err != nil {
			return nil, err
		}
	}
	return &Template{Nodes: nodes}, nil
}

// LoadTemplate reads and parses a template file
func LoadTemplate(fs afero.Fs, path string) (*Template, []byte, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read template: %w", err)
	}
	t, err := ParseTemplate(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, bytes.TrimSpace(data), nil
}

func (n *Node) compile(where string) error {
	where = strings.TrimSuffix(where, "/") + "/" + n.describe()
	if n.Pattern != "" && n.Glob != "" {
		return fmt.Errorf("template node %s: pattern and glob are exclusive", where)
	}
	if n.Level != nil && !n.Level.Valid() {
		return fmt.Errorf("template node %s: invalid level", where)
	}
	if (n.Terminal || n.Scanner != "") && len(n.Children) > 0 {
		return fmt.Errorf("template node %s: terminal and scanner nodes cannot have children", where)
	}
	if n.Glob != "" {
		if err := paths.ValidateGlob(n.Glob); err != nil {
			return fmt.Errorf("template node %s: invalid glob: %w", where, err)
		}
	}
	if n.Pattern != "" {
		re, err := regexp.Compile(n.Pattern)
		if err != nil {
			return fmt.Errorf("template node %s: invalid pattern: %w", where, err)
		}
		n.re = re
		for i, name := range re.SubexpNames() {
			if name == "" {
				continue
			}
			gf, err := parseGroupName(name)
			if err != nil {
				return fmt.Errorf("template node %s: %w", where, err)
			}
			gf.index = i
			n.fields = append(n.fields, gf)
		}
	}
	for _, c := range n.Children {
		if err := c.compile(where); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) describe() string {
	switch {
	case n.Pattern != "":
		return n.Pattern
	case n.Glob != "":
		return n.Glob
	case n.Level != nil:
		return n.Level.String()
	case n.Scanner != "":
		return "scanner:" + n.Scanner
	}
	return "*"
}

// parseGroupName maps a named regexp group to a level and field:
// "session" sets the session label, "session_uid" its uid.
func parseGroupName(name string) (groupField, error) {
	levelName, field, found := strings.Cut(name, "_")
	if !found {
		field = "label"
	}
	level, err := domain.ParseLevel(levelName)
	if err != nil {
		return groupField{}, fmt.Errorf("pattern group %q: %w", name, err)
	}
	if _, err := (domain.LevelInfo{}).With(field, ""); err != nil {
		return groupField{}, fmt.Errorf("pattern group %q: %w", name, err)
	}
	return groupField{level: level, field: field}, nil
}

// match tests the node against one directory. name is the directory name
// and rel its path from the source root. On a match it returns the context
// with the node's metadata applied.
func (n *Node) match(ctx domain.Context, name, rel string) (domain.Context, bool) {
	var groups []string
	switch {
	case n.re != nil:
		groups = n.re.FindStringSubmatch(name)
		if groups == nil {
			return ctx, false
		}
	case n.Glob != "":
		target := name
		if strings.Contains(n.Glob, "/") {
			target = rel
		}
		if !paths.IsGlobPattern(n.Glob) && !strings.Contains(n.Glob, "**") {
			if n.Glob != target {
				return ctx, false
			}
		} else if !paths.MatchGlob(n.Glob, target) {
			return ctx, false
		}
	}

	if n.Level != nil {
		ctx = ctx.WithLevel(*n.Level, domain.LevelInfo{Label: name})
	}
	for _, gf := range n.fields {
		if gf.index >= len(groups) || groups[gf.index] == "" {
			continue
		}
		// fields were validated at compile time
		ctx, _ = ctx.WithField(gf.level, gf.field, groups[gf.index])
	}
	if n.Packfile != "" {
		ctx = ctx.WithPackfile(n.Packfile)
	}
	return ctx, true
}
