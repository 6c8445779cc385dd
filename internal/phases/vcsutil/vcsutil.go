// Package vcsutil classifies changed files as build-artifact noise or
// substantive work (supplemented feature: spec.md §4.4 step 6 needs this
// distinction — "worktree exists but has only marker files ... staged or
// committed: Failed — no substantive work" — and §4.6's stale-worktree
// cleanup needs the same test to decide whether a worktree is safe to
// delete). Grounded on the marker-file list spec.md §6 fixes
// (.loom-in-use, .loom/*, .no-changes-needed) plus the common compiled/
// dependency-output directories steveyegge-vc's own .gitignore excludes.
package vcsutil

import (
	"path"
	"strings"
)

var markerFiles = map[string]bool{
	".loom-in-use":         true,
	".loom-checkpoint":     true,
	".no-changes-needed":   true,
}

var artifactDirs = []string{
	"node_modules/", "dist/", "build/", "vendor/", ".cache/",
	"__pycache__/", ".pytest_cache/", "target/", "bin/", "coverage/",
}

var artifactSuffixes = []string{
	".pyc", ".log", ".tmp", ".swp", ".DS_Store",
}

// IsMarkerOrArtifact reports whether the given changed-file path is either
// one of loomd's own worktree marker files, a path under `.loom/`, or a
// conventional build-artifact path that doesn't represent substantive work.
func IsMarkerOrArtifact(p string) bool {
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	base := path.Base(clean)
	if markerFiles[base] {
		return true
	}
	if clean == ".loom" || strings.HasPrefix(clean, ".loom/") {
		return true
	}
	for _, dir := range artifactDirs {
		if strings.Contains(clean+"/", "/"+dir) || strings.HasPrefix(clean+"/", dir) {
			return true
		}
	}
	for _, suffix := range artifactSuffixes {
		if strings.HasSuffix(clean, suffix) {
			return true
		}
	}
	return false
}

// Classify partitions changed file paths into substantive work and
// marker/artifact noise.
func Classify(paths []string) (substantive []string, artifacts []string) {
	for _, p := range paths {
		if IsMarkerOrArtifact(p) {
			artifacts = append(artifacts, p)
		} else {
			substantive = append(substantive, p)
		}
	}
	return substantive, artifacts
}

// HasSubstantiveChanges reports whether paths contains at least one
// non-marker, non-artifact file.
func HasSubstantiveChanges(paths []string) bool {
	substantive, _ := Classify(paths)
	return len(substantive) > 0
}
