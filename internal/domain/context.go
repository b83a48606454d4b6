package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LevelInfo carries the source-side identity of one hierarchy level
type LevelInfo struct {
	Label string `json:"label,omitempty" yaml:"label"`
	ID    string `json:"id,omitempty" yaml:"id"`
	UID   string `json:"uid,omitempty" yaml:"uid"`
	Code  string `json:"code,omitempty" yaml:"code"`
}

// IsZero reports whether no field is set
func (li LevelInfo) IsZero() bool {
	return li == LevelInfo{}
}

// PathElement is the element this level contributes to a container path.
// An explicit id wins over the label.
func (li LevelInfo) PathElement() string {
	if li.ID != "" {
		return "<id:" + li.ID + ">"
	}
	return li.Label
}

// With returns a copy of li with field set to value. Unknown fields are an
// error.
func (li LevelInfo) With(field, value string) (LevelInfo, error) {
	switch field {
	case "label":
		li.Label = value
	case "id", "_id":
		li.ID = value
	case "uid":
		li.UID = value
	case "code":
		li.Code = value
	default:
		return li, fmt.Errorf("invalid context field %q: must be one of: label, id, uid, code", field)
	}
	return li, nil
}

// Context describes where in the destination hierarchy an item belongs.
// It is a value: every modifier returns a new Context and never touches the
// receiver, so sibling subtrees of a walk cannot observe each other.
type Context struct {
	levels   [NumLevels]LevelInfo
	packfile string
}

// Level returns the info for l
func (c Context) Level(l ContainerLevel) LevelInfo {
	if !l.Valid() {
		return LevelInfo{}
	}
	return c.levels[l]
}

// Has reports whether l carries a label or id
func (c Context) Has(l ContainerLevel) bool {
	return c.Level(l).PathElement() != ""
}

// WithLevel returns a copy of c with l replaced by info
func (c Context) WithLevel(l ContainerLevel, info LevelInfo) Context {
	if l.Valid() {
		c.levels[l] = info
	}
	return c
}

// WithField returns a copy of c with one field of l set
func (c Context) WithField(l ContainerLevel, field, value string) (Context, error) {
	if !l.Valid() {
		return c, fmt.Errorf("invalid level %d", int(l))
	}
	info, err := c.levels[l].With(field, value)
	if err != nil {
		return c, err
	}
	c.levels[l] = info
	return c, nil
}

// Packfile returns the packfile type, empty if the context is not packed
func (c Context) Packfile() string {
	return c.packfile
}

// WithPackfile returns a copy of c marked as packfile of the given type
func (c Context) WithPackfile(packfileType string) Context {
	c.packfile = packfileType
	return c
}

// Deepest returns the deepest contiguous level set from the group level
// down. ok is false if not even the group is set.
func (c Context) Deepest() (ContainerLevel, bool) {
	if !c.Has(LevelGroup) {
		return 0, false
	}
	deepest := LevelGroup
	for _, l := range Levels()[1:] {
		if !c.Has(l) {
			break
		}
		deepest = l
	}
	return deepest, true
}

// Merge applies the subject/session merge policies and the group/project
// label overrides, returning the adjusted context.
func (c Context) Merge(cfg IngestConfig) Context {
	if cfg.NoSubjects && !c.Has(LevelSubject) && c.Has(LevelSession) {
		sess := c.levels[LevelSession]
		c.levels[LevelSubject] = LevelInfo{Label: sess.Label, Code: sess.Label}
	}
	if cfg.NoSessions && !c.Has(LevelSession) && c.Has(LevelSubject) {
		subj := c.levels[LevelSubject]
		c.levels[LevelSession] = LevelInfo{Label: subj.Label}
	}
	if cfg.Group != "" {
		c.levels[LevelGroup] = LevelInfo{Label: cfg.Group}
	}
	if cfg.Project != "" {
		c.levels[LevelProject] = LevelInfo{Label: cfg.Project}
	}
	return c
}

// String renders the context as level=element pairs
func (c Context) String() string {
	var parts []string
	for _, l := range Levels() {
		if c.Has(l) {
			parts = append(parts, l.String()+"="+c.levels[l].PathElement())
		}
	}
	if c.packfile != "" {
		parts = append(parts, "packfile="+c.packfile)
	}
	return strings.Join(parts, " ")
}

type contextJSON struct {
	Group       *LevelInfo `json:"group,omitempty"`
	Project     *LevelInfo `json:"project,omitempty"`
	Subject     *LevelInfo `json:"subject,omitempty"`
	Session     *LevelInfo `json:"session,omitempty"`
	Acquisition *LevelInfo `json:"acquisition,omitempty"`
	Packfile    string     `json:"packfile,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (c Context) MarshalJSON() ([]byte, error) {
	var out contextJSON
	ptrs := []**LevelInfo{&out.Group, &out.Project, &out.Subject, &out.Session, &out.Acquisition}
	for i := range c.levels {
		if !c.levels[i].IsZero() {
			info := c.levels[i]
			*ptrs[i] = &info
		}
	}
	out.Packfile = c.packfile
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Context) UnmarshalJSON(data []byte) error {
	var in contextJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var next Context
	for i, p := range []*LevelInfo{in.Group, in.Project, in.Subject, in.Session, in.Acquisition} {
		if p != nil {
			next.levels[i] = *p
		}
	}
	next.packfile = in.Packfile
	*c = next
	return nil
}
