package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/fixgen"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

var errSnippetNotFound = errors.New("original snippet not found")

// applyFix edits the working copy at repoPath for one fix.
func applyFix(repoPath string, fix models.FixCandidate) error {
	switch fix.Type {
	case models.FixTypeCode:
		return applyCodeFix(repoPath, fix)
	case models.FixTypeDependency:
		return applyDependencyFix(repoPath, fix)
	default:
		return fmt.Errorf("unknown fix type %q", fix.Type)
	}
}

// applyCodeFix replaces the first occurrence of the original text. This is
// a textual patch: if the file changed since the scan the fix is rejected
// rather than guessed.
func applyCodeFix(repoPath string, fix models.FixCandidate) error {
	if fix.OriginalCode == "" {
		return fmt.Errorf("fix has no original code")
	}
	return editFile(repoPath, fix.File, func(content string) (string, error) {
		if !strings.Contains(content, fix.OriginalCode) {
			return "", errSnippetNotFound
		}
		return strings.Replace(content, fix.OriginalCode, fix.FixedCode, 1), nil
	})
}

func applyDependencyFix(repoPath string, fix models.FixCandidate) error {
	if fix.Package == "" || fix.FixedVersion == "" {
		return fmt.Errorf("dependency fix needs a package and a fixed version")
	}
	file := fix.File
	if file == "" {
		file = fixgen.ManifestFile(fix.Ecosystem)
	}
	if file == "" {
		return fmt.Errorf("unsupported ecosystem %q", fix.Ecosystem)
	}

	var rewrite func(string, string, string) (string, error)
	switch fix.Ecosystem {
	case "npm":
		rewrite = bumpPackageJSON
	case "pip":
		rewrite = bumpRequirements
	case "go":
		rewrite = bumpGoMod
	default:
		return fmt.Errorf("unsupported ecosystem %q", fix.Ecosystem)
	}
	return editFile(repoPath, file, func(content string) (string, error) {
		return rewrite(content, fix.Package, fix.FixedVersion)
	})
}

func editFile(repoPath, rel string, edit func(string) (string, error)) error {
	full, err := fixgen.SafeJoin(repoPath, rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("reading %s: %w", rel, err)
	}
	data, err := os.ReadFile(full) // #nosec G304 -- path validated by SafeJoin
	if err != nil {
		return fmt.Errorf("reading %s: %w", rel, err)
	}
	updated, err := edit(string(data))
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// bumpPackageJSON rewrites the version of pkg in dependencies and
// devDependencies, keeping a ^ or ~ range prefix and the file's layout.
func bumpPackageJSON(content, pkg, version string) (string, error) {
	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		return "", fmt.Errorf("parsing package.json: %w", err)
	}
	_, inDeps := manifest.Dependencies[pkg]
	_, inDev := manifest.DevDependencies[pkg]
	if !inDeps && !inDev {
		return "", fmt.Errorf("%s is not a direct dependency in package.json", pkg)
	}

	re := regexp.MustCompile(`("` + regexp.QuoteMeta(pkg) + `"\s*:\s*")([\^~]?)[^"]*(")`)
	return re.ReplaceAllString(content, "${1}${2}"+version+"${3}"), nil
}

// bumpRequirements pins pkg to version in a requirements.txt, keeping any
// extras, environment marker and trailing comment.
func bumpRequirements(content, pkg, version string) (string, error) {
	re := regexp.MustCompile(`(?im)^([ \t]*` + pipNamePattern(pkg) + `(?:\[[^\]]*\])?)[ \t]*(?:[=<>!~]=?[^;#\s]*(?:[ \t]*,[ \t]*[=<>!~]=?[^;#\s]*)*)?([ \t]*(?:;[^#\n]*)?(?:#.*)?)$`)
	if !re.MatchString(content) {
		return "", fmt.Errorf("%s not found in requirements.txt", pkg)
	}
	return re.ReplaceAllString(content, "${1}=="+version+"${2}"), nil
}

// pipNamePattern matches a distribution name with PEP 503 normalisation
// (runs of -, _ and . are equivalent).
func pipNamePattern(pkg string) string {
	parts := regexp.MustCompile(`[-_.]+`).Split(pkg, -1)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, `[-_.]+`)
}

// bumpGoMod rewrites the version of module pkg in a require directive,
// either single-line or inside a require block. Replace and exclude
// directives are left alone.
func bumpGoMod(content, pkg, version string) (string, error) {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	single := regexp.MustCompile(`^([ \t]*require[ \t]+` + regexp.QuoteMeta(pkg) + `[ \t]+)v\S+`)
	inBlock := regexp.MustCompile(`^([ \t]*` + regexp.QuoteMeta(pkg) + `[ \t]+)v\S+`)

	lines := strings.Split(content, "\n")
	block := ""
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case block != "" && strings.HasPrefix(trimmed, ")"):
			block = ""
			continue
		case block == "" && strings.HasSuffix(trimmed, "("):
			block = strings.TrimSpace(strings.TrimSuffix(trimmed, "("))
			continue
		}
		re := single
		if block == "require" {
			re = inBlock
		} else if block != "" {
			continue
		}
		if re.MatchString(line) {
			lines[i] = re.ReplaceAllString(line, "${1}"+version)
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("%s not required in go.mod", pkg)
	}
	return strings.Join(lines, "\n"), nil
}
