package health

import (
	"fmt"
	"os"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
)

// DependencyDrift describes one go.mod requirement that looks stale or
// unstable enough to flag (spec.md SPEC_FULL.md §B: "Health Monitor's
// dependency-drift alert factor ... flags when loomd's own go.mod drifts").
// Grounded on steveyegge-vc/internal/health/dependency_auditor.go's
// modfile-driven requirement scan.
type DependencyDrift struct {
	Path    string
	Version string
	Reason  string
}

// DetectDependencyDrift parses the go.mod at path and flags direct
// requirements that are pseudo-versions (no tagged release exists yet) or
// pre-release/incompatible semver, both signals that the dependency was
// pinned ad hoc rather than to a stable release.
func DetectDependencyDrift(path string) ([]DependencyDrift, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	var drift []DependencyDrift
	for _, req := range f.Require {
		if req.Indirect {
			continue
		}
		v := req.Mod.Version
		if !semver.IsValid(v) {
			drift = append(drift, DependencyDrift{Path: req.Mod.Path, Version: v, Reason: "unparseable version"})
			continue
		}
		if modfile.IsPseudoVersion(v) {
			drift = append(drift, DependencyDrift{Path: req.Mod.Path, Version: v, Reason: "pseudo-version (no tagged release)"})
			continue
		}
		if semver.Prerelease(v) != "" {
			drift = append(drift, DependencyDrift{Path: req.Mod.Path, Version: v, Reason: "pre-release version pinned"})
			continue
		}
		if semver.Build(v) == "+incompatible" {
			drift = append(drift, DependencyDrift{Path: req.Mod.Path, Version: v, Reason: "+incompatible version"})
		}
	}
	return drift, nil
}

// IsPseudoVersion re-exports modfile's pseudo-version test for callers that
// only need the boolean without the full drift scan.
func IsPseudoVersion(v string) bool { return modfile.IsPseudoVersion(v) }
