// Package profiles manages fix profiles: named policies that narrow which
// findings get fixes and add remediation guidance to the model prompt
// (OWASP web fixes, supply-chain upgrades, etc.).
package profiles

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

// Profile is a parsed fix profile.
type Profile struct {
	// Name is the machine-readable identifier (matches the filename without .md).
	Name string `yaml:"name" json:"name"`
	// Version is a monotonically increasing integer for future compatibility.
	Version     int    `yaml:"version"     json:"version"`
	Description string `yaml:"description" json:"description"`
	// MinSeverity is the lowest severity that still gets a fix. Empty allows all.
	MinSeverity string `yaml:"min_severity" json:"min_severity,omitempty"`
	// Focus restricts fixes to these scanner classes ("sast", "sca",
	// "secrets", "iac"). Empty allows all.
	Focus []string `yaml:"focus" json:"focus,omitempty"`
	Tags  []string `yaml:"tags"  json:"tags,omitempty"`
	// Body is the markdown content after the YAML frontmatter. It is appended
	// to the model's system prompt.
	Body string `yaml:"-" json:"-"`
	// Bundled is true if this profile was loaded from the embedded defaults.
	Bundled bool `yaml:"-" json:"bundled"`
}

// source is one place profiles are read from. User directories are
// consulted before the embedded defaults.
type source struct {
	fsys    fs.FS
	label   string
	bundled bool
}

func sources(profilesDir string) []source {
	bundled, _ := fs.Sub(defaultsFS, "defaults")
	srcs := make([]source, 0, 2)
	if profilesDir != "" {
		srcs = append(srcs, source{fsys: os.DirFS(profilesDir), label: profilesDir})
	}
	return append(srcs, source{fsys: bundled, label: "bundled", bundled: true})
}

func (s source) read(file string) (*Profile, error) {
	data, err := fs.ReadFile(s.fsys, file)
	if err != nil {
		return nil, err
	}
	p, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("profiles: parse %s/%s: %w", s.label, file, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(file, ".md")
	}
	p.Bundled = s.bundled
	return p, nil
}

// Load returns the named profile, preferring a file in profilesDir over the
// bundled default. An empty name means no profile and returns nil.
func Load(name, profilesDir string) (*Profile, error) {
	if name == "" {
		return nil, nil
	}
	for _, src := range sources(profilesDir) {
		p, err := src.read(name + ".md")
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return p, err
	}
	return nil, fmt.Errorf("profiles: profile %q not found", name)
}

// List returns every available profile sorted by name. Malformed files are
// logged and skipped.
func List(profilesDir string) ([]Profile, error) {
	byName := make(map[string]Profile)
	for _, src := range sources(profilesDir) {
		files, err := fs.Glob(src.fsys, "*.md")
		if err != nil {
			return nil, fmt.Errorf("profiles: listing %s: %w", src.label, err)
		}
		for _, file := range files {
			p, err := src.read(file)
			if err != nil {
				slog.Warn("profiles: skipping profile", "source", src.label, "file", file, "error", err)
				continue
			}
			if _, shadowed := byName[p.Name]; !shadowed {
				byName[p.Name] = *p
			}
		}
	}

	out := make([]Profile, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Init creates profilesDir and writes any bundled profile not already
// present there. Existing files are left alone.
func Init(profilesDir string) error {
	if err := os.MkdirAll(profilesDir, 0o750); err != nil {
		return fmt.Errorf("profiles: create dir %s: %w", profilesDir, err)
	}
	files, err := fs.Glob(defaultsFS, "defaults/*.md")
	if err != nil {
		return fmt.Errorf("profiles: reading embedded defaults: %w", err)
	}
	for _, file := range files {
		dest := filepath.Join(profilesDir, filepath.Base(file))
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		data, err := defaultsFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("profiles: reading %s: %w", file, err)
		}
		if err := os.WriteFile(dest, data, 0o640); err != nil {
			return fmt.Errorf("profiles: writing %s: %w", dest, err)
		}
	}
	return nil
}

var frontmatterDelim = []byte("---")

// parse splits a profile file into YAML frontmatter and markdown body. A
// file without frontmatter is all body.
func parse(data []byte) (*Profile, error) {
	data = bytes.TrimLeft(data, " \t\n\r")
	rest, ok := bytes.CutPrefix(data, frontmatterDelim)
	if !ok {
		return &Profile{Body: strings.TrimSpace(string(data))}, nil
	}
	front, body, ok := bytes.Cut(rest, append([]byte("\n"), frontmatterDelim...))
	if !ok {
		return nil, errors.New("unterminated YAML frontmatter (missing closing ---)")
	}

	var p Profile
	if err := yaml.Unmarshal(front, &p); err != nil {
		return nil, fmt.Errorf("invalid YAML frontmatter: %w", err)
	}
	p.Body = strings.TrimSpace(string(body))
	return &p, nil
}

// Allows reports whether f falls inside the profile's focus and severity
// floor.
func (p *Profile) Allows(f models.Finding) bool {
	if p.MinSeverity != "" && !f.Severity.AtLeast(models.MapSeverity(p.MinSeverity)) {
		return false
	}
	if len(p.Focus) == 0 {
		return true
	}
	for _, c := range p.Focus {
		if strings.EqualFold(c, string(f.Class)) {
			return true
		}
	}
	return false
}
