package fixgen

import (
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// Manifest file names the publisher knows how to edit, by ecosystem.
var manifestFor = map[string]string{
	"npm": "package.json",
	"pip": "requirements.txt",
	"go":  "go.mod",
}

// ManifestFile returns the manifest name for ecosystem, or "".
func ManifestFile(ecosystem string) string { return manifestFor[ecosystem] }

// dependencyFix synthesises a version bump without consulting the model.
func dependencyFix(f models.Finding) (*models.FixCandidate, string, error) {
	if strings.TrimSpace(f.FixedVersion) == "" {
		return nil, "no fixed version available", nil
	}
	manifest := ManifestFile(f.Ecosystem)
	if manifest == "" {
		return nil, fmt.Sprintf("unsupported ecosystem %q", f.Ecosystem), nil
	}

	target := SelectFixedVersion(f.InstalledVersion, f.FixedVersion)
	file := manifest
	if dir := path.Dir(f.Location.File); f.Location.File != "" && dir != "." && dir != "/" {
		file = path.Join(dir, manifest)
	}

	return &models.FixCandidate{
		Type:           models.FixTypeDependency,
		FindingRef:     f.Ref(),
		Scanner:        f.Scanner,
		Severity:       f.Severity,
		Issue:          fmt.Sprintf("%s has vulnerability %s", f.Package, f.RuleID),
		File:           file,
		Package:        f.Package,
		Ecosystem:      f.Ecosystem,
		CurrentVersion: f.InstalledVersion,
		FixedVersion:   target,
		Confidence:     DependencyConfidence,
		Explanation: fmt.Sprintf("Update %s from %s to %s to fix %s",
			f.Package, f.InstalledVersion, target, f.RuleID),
	}, "", nil
}

// SelectFixedVersion picks the upgrade target from a scanner's fixed-version
// field, which may list several versions ("1.2.5, 2.0.1"). It returns the
// lowest version above installed, or the first entry when nothing parses.
func SelectFixedVersion(installed, fixed string) string {
	var candidates []string
	for _, part := range strings.FieldsFunc(fixed, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			candidates = append(candidates, part)
		}
	}
	if len(candidates) == 0 {
		return strings.TrimSpace(fixed)
	}

	current, _ := semver.NewVersion(installed)
	var best *semver.Version
	bestRaw := ""
	for _, c := range candidates {
		v, err := semver.NewVersion(c)
		if err != nil {
			continue
		}
		if current != nil && !v.GreaterThan(current) {
			continue
		}
		if best == nil || v.LessThan(best) {
			best, bestRaw = v, c
		}
	}
	if best == nil {
		return candidates[0]
	}
	return bestRaw
}
