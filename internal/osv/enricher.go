package osv

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// osvEcosystem maps the normalised finding ecosystems onto OSV's names.
var osvEcosystem = map[string]string{
	"npm":      "npm",
	"pip":      "PyPI",
	"go":       "Go",
	"maven":    "Maven",
	"jar":      "Maven",
	"cargo":    "crates.io",
	"gem":      "RubyGems",
	"bundler":  "RubyGems",
	"nuget":    "NuGet",
	"composer": "Packagist",
}

// Enricher fills in the fixed version of dependency findings the scanner
// reported without one.
type Enricher struct {
	client *Client
}

// NewEnricher returns an Enricher backed by client.
func NewEnricher(client *Client) *Enricher {
	return &Enricher{client: client}
}

// Enrich sets FixedVersion in place on every dependency finding that lacks
// one and whose advisory OSV knows a fix for. Lookup failures are logged and
// leave the finding unchanged; only a dead context is returned.
func (e *Enricher) Enrich(ctx context.Context, findings []models.Finding) error {
	var (
		idx     []int
		queries []PackageQuery
	)
	for i, f := range findings {
		eco, ok := osvEcosystem[f.Ecosystem]
		if !f.IsDependency() || f.FixedVersion != "" || f.InstalledVersion == "" || !ok {
			continue
		}
		idx = append(idx, i)
		queries = append(queries, PackageQuery{
			Package: PackageID{Name: f.Package, Ecosystem: eco},
			Version: f.InstalledVersion,
		})
	}
	if len(queries) == 0 {
		return nil
	}

	results, err := e.client.BatchQuery(ctx, queries)
	if err != nil {
		slog.Warn("osv: batch query failed", "findings", len(queries), "error", err)
		return ctx.Err()
	}

	records := make(map[string]*Vuln)
	enriched := 0
	for n, res := range results {
		f := &findings[idx[n]]
		var fixed []string
		for _, stub := range res.Vulns {
			v, ok := records[stub.ID]
			if !ok {
				v, err = e.client.Get(ctx, stub.ID)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					slog.Warn("osv: fetching advisory failed", "id", stub.ID, "error", err)
				}
				records[stub.ID] = v
			}
			if v == nil || !v.matches(f.RuleID) {
				continue
			}
			fixed = appendUnique(fixed, v.fixedVersions(f.Package)...)
		}
		if len(fixed) > 0 {
			f.FixedVersion = strings.Join(fixed, ", ")
			enriched++
		}
	}

	slog.Debug("osv: enrichment complete", "queried", len(queries), "enriched", enriched)
	return nil
}

// matches reports whether v is the advisory a scanner reported as ruleID.
func (v *Vuln) matches(ruleID string) bool {
	if strings.EqualFold(v.ID, ruleID) {
		return true
	}
	for _, a := range v.Aliases {
		if strings.EqualFold(a, ruleID) {
			return true
		}
	}
	return false
}

// fixedVersions lists the versions that close v's affected ranges for pkg.
func (v *Vuln) fixedVersions(pkg string) []string {
	var out []string
	for _, a := range v.Affected {
		if !strings.EqualFold(a.Package.Name, pkg) {
			continue
		}
		for _, r := range a.Ranges {
			if r.Type == "GIT" {
				continue
			}
			for _, ev := range r.Events {
				if ev.Fixed != "" {
					out = appendUnique(out, ev.Fixed)
				}
			}
		}
	}
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
