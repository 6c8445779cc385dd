package vcsutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMarkerOrArtifact(t *testing.T) {
	cases := map[string]bool{
		".no-changes-needed":          true,
		".loom-in-use":                true,
		".loom/pr-body.md":            true,
		"src/file.py":                 false,
		"node_modules/foo/index.js":   true,
		"dist/bundle.js":              true,
		"pkg/__pycache__/x.pyc":       true,
		"internal/server/handler.go":  false,
	}
	for p, want := range cases {
		assert.Equal(t, want, IsMarkerOrArtifact(p), p)
	}
}

func TestClassifySplitsSubstantiveFromArtifacts(t *testing.T) {
	paths := []string{".no-changes-needed", "src/file.py", "dist/out.js"}
	substantive, artifacts := Classify(paths)
	assert.Equal(t, []string{"src/file.py"}, substantive)
	assert.ElementsMatch(t, []string{".no-changes-needed", "dist/out.js"}, artifacts)
}

func TestHasSubstantiveChanges(t *testing.T) {
	assert.False(t, HasSubstantiveChanges([]string{".no-changes-needed", ".loom-in-use"}))
	assert.True(t, HasSubstantiveChanges([]string{".no-changes-needed", "src/file.py"}))
}
