// Package scoring turns a set of findings into a SecurityScore.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const maxScore = 100

// WeightTable maps (scanner class, severity) to the points deducted per
// finding. A usable table has an entry for every class and every severity.
type WeightTable map[models.ScannerClass]map[models.SeverityLevel]float64

// Default flat weights per scanner class, applied to every severity.
const (
	DefaultSASTWeight    = 5
	DefaultSCAWeight     = 3
	DefaultSecretsWeight = 10
)

// DefaultWeights returns the built-in table: every SAST finding costs 5
// points, every dependency vulnerability 3 and every leaked secret 10,
// independent of severity.
func DefaultWeights() WeightTable {
	return FlatWeights(map[models.ScannerClass]float64{
		models.ClassSAST:    DefaultSASTWeight,
		models.ClassSCA:     DefaultSCAWeight,
		models.ClassSecrets: DefaultSecretsWeight,
	})
}

// FlatWeights builds a table that charges the same weight for every severity
// of a class. Classes missing from perClass are left out, which Validate
// reports.
func FlatWeights(perClass map[models.ScannerClass]float64) WeightTable {
	t := make(WeightTable, len(perClass))
	for class, w := range perClass {
		row := make(map[models.SeverityLevel]float64, len(models.Severities))
		for _, sev := range models.Severities {
			row[sev] = w
		}
		t[class] = row
	}
	return t
}

// BuildWeights starts from DefaultWeights, replaces whole rows from flat
// (class → weight) and then single cells from cells (class → severity →
// weight). Keys are matched case-insensitively since config loaders lower-case
// them. The result is validated.
func BuildWeights(flat map[string]float64, cells map[string]map[string]float64) (WeightTable, error) {
	t := DefaultWeights()
	for rawClass, w := range flat {
		class, err := parseClass(rawClass)
		if err != nil {
			return nil, err
		}
		for _, sev := range models.Severities {
			t[class][sev] = w
		}
	}
	for rawClass, row := range cells {
		class, err := parseClass(rawClass)
		if err != nil {
			return nil, err
		}
		for rawSev, w := range row {
			sev, err := parseSeverity(rawSev)
			if err != nil {
				return nil, err
			}
			t[class][sev] = w
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseClass(raw string) (models.ScannerClass, error) {
	for _, c := range models.ScannerClasses {
		if strings.EqualFold(raw, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("weight table: unknown scanner class %q", raw)
}

func parseSeverity(raw string) (models.SeverityLevel, error) {
	for _, s := range models.Severities {
		if strings.EqualFold(raw, string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("weight table: unknown severity %q", raw)
}

// Validate checks that t is total and every weight is finite and non-negative.
func (t WeightTable) Validate() error {
	for _, class := range models.ScannerClasses {
		row, ok := t[class]
		if !ok {
			return fmt.Errorf("weight table: missing class %q", class)
		}
		for _, sev := range models.Severities {
			w, ok := row[sev]
			if !ok {
				return fmt.Errorf("weight table: missing %s/%s", class, sev)
			}
			if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
				return fmt.Errorf("weight table: invalid weight %v for %s/%s", w, class, sev)
			}
		}
	}
	return nil
}

// Weight returns the deduction for one finding. An unrecognised severity is
// charged as UNKNOWN; t must have passed Validate.
func (t WeightTable) Weight(class models.ScannerClass, sev models.SeverityLevel) float64 {
	row := t[class]
	if w, ok := row[sev]; ok {
		return w
	}
	return row[models.SeverityUnknown]
}

// Score computes max(0, 100 - Σ weight) over every finding and grades the
// result. The finding's own class decides its weight.
func Score(findingsByScanner map[models.ScannerKind][]models.Finding, weights WeightTable) models.SecurityScore {
	var deduction float64
	total := 0
	for kind, findings := range findingsByScanner {
		for _, f := range findings {
			class := f.Class
			if class == "" {
				class = kind.Class()
			}
			deduction += weights.Weight(class, f.Severity)
			total++
		}
	}

	score := int(math.Round(maxScore - deduction))
	if score < 0 {
		score = 0
	}
	return models.SecurityScore{
		Score:       score,
		Grade:       Grade(score),
		TotalIssues: total,
	}
}

// Grade maps a score to a letter grade.
func Grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
