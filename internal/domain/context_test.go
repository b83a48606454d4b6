package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIsAValue(t *testing.T) {
	base := Context{}.WithLevel(LevelGroup, LevelInfo{ID: "grp"})
	left := base.WithLevel(LevelProject, LevelInfo{Label: "left"})
	right := base.WithLevel(LevelProject, LevelInfo{Label: "right"})

	assert.False(t, base.Has(LevelProject))
	assert.Equal(t, "left", left.Level(LevelProject).Label)
	assert.Equal(t, "right", right.Level(LevelProject).Label)

	withCode, err := left.WithField(LevelSubject, "code", "S1")
	require.NoError(t, err)
	assert.Equal(t, "S1", withCode.Level(LevelSubject).Code)
	assert.False(t, left.Has(LevelSubject))

	_, err = left.WithField(LevelSubject, "color", "red")
	assert.Error(t, err)
}

func TestContextDeepest(t *testing.T) {
	var c Context
	_, ok := c.Deepest()
	assert.False(t, ok)

	c = c.WithLevel(LevelGroup, LevelInfo{ID: "g"}).
		WithLevel(LevelProject, LevelInfo{Label: "p"}).
		WithLevel(LevelSession, LevelInfo{Label: "ses"})
	deepest, ok := c.Deepest()
	require.True(t, ok)
	assert.Equal(t, LevelProject, deepest, "gap at subject stops descent")
}

func TestContextMerge(t *testing.T) {
	c := Context{}.
		WithLevel(LevelGroup, LevelInfo{Label: "A"}).
		WithLevel(LevelProject, LevelInfo{Label: "P1"}).
		WithLevel(LevelSession, LevelInfo{Label: "ses1"})

	merged := c.Merge(IngestConfig{NoSubjects: true, Group: "override", Project: "P2"})
	assert.Equal(t, "ses1", merged.Level(LevelSubject).Label)
	assert.Equal(t, LevelInfo{Label: "override"}, merged.Level(LevelGroup))
	assert.Equal(t, "override", merged.Level(LevelGroup).PathElement())
	assert.Equal(t, "P2", merged.Level(LevelProject).Label)
	assert.False(t, c.Has(LevelSubject))

	subjOnly := Context{}.WithLevel(LevelSubject, LevelInfo{Label: "S1"})
	assert.Equal(t, "S1", subjOnly.Merge(IngestConfig{NoSessions: true}).Level(LevelSession).Label)
}

func TestContextJSON(t *testing.T) {
	c := Context{}.
		WithLevel(LevelGroup, LevelInfo{ID: "g"}).
		WithLevel(LevelAcquisition, LevelInfo{Label: "acq", UID: "1.2.3"}).
		WithPackfile("dicom")

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"group":{"id":"g"},"acquisition":{"label":"acq","uid":"1.2.3"},"packfile":"dicom"}`, string(data))

	var back Context
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c, back)
}

func TestLevelText(t *testing.T) {
	for _, l := range Levels() {
		parsed, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	_, err := ParseLevel("series")
	assert.Error(t, err)

	parent, ok := LevelSession.Parent()
	assert.True(t, ok)
	assert.Equal(t, LevelSubject, parent)
	_, ok = LevelGroup.Parent()
	assert.False(t, ok)
}
