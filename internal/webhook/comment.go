package webhook

import (
	"fmt"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const commentFindingsPerClass = 5

var classTitles = map[models.ScannerClass]string{
	models.ClassSAST:    "Code findings",
	models.ClassSCA:     "Dependency vulnerabilities",
	models.ClassSecrets: "Secrets",
}

// FormatComment renders a pull request comment summarising a completed job:
// score and grade, issue count, then the first findings of each class.
func FormatComment(job models.ScanJob) string {
	var sb strings.Builder
	sb.WriteString("## ctrlscan security report\n\n")
	if job.Score != nil {
		fmt.Fprintf(&sb, "**Security score:** %d/100 (grade %s)\n", job.Score.Score, job.Score.Grade)
		fmt.Fprintf(&sb, "**Issues found:** %d\n", job.Score.TotalIssues)
	}

	byClass := make(map[models.ScannerClass][]models.Finding)
	for _, f := range job.Findings() {
		byClass[f.Class] = append(byClass[f.Class], f)
	}
	for _, class := range models.ScannerClasses {
		findings := byClass[class]
		if len(findings) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n### %s (%d)\n", classTitles[class], len(findings))
		for i, f := range findings {
			if i == commentFindingsPerClass {
				fmt.Fprintf(&sb, "- ... and %d more\n", len(findings)-commentFindingsPerClass)
				break
			}
			sb.WriteString("- " + describe(f) + "\n")
		}
	}

	var failed []string
	for _, k := range job.Scanners {
		if r := job.Results[k]; r != nil && r.Status == models.ScannerStatusFailed {
			failed = append(failed, string(k))
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(&sb, "\n_Scanners that did not finish: %s_\n", strings.Join(failed, ", "))
	}

	sb.WriteString("\n---\n*Automated security scan by ctrlscan*\n")
	return sb.String()
}

func describe(f models.Finding) string {
	if f.IsDependency() {
		return fmt.Sprintf("**%s**: %s in `%s@%s`", f.Severity, f.RuleID, f.Package, f.InstalledVersion)
	}
	loc := f.Location.File
	if f.Location.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, f.Location.Line)
	}
	msg := f.Message
	if msg == "" {
		msg = f.RuleID
	}
	return fmt.Sprintf("**%s**: %s in `%s`", f.Severity, firstLine(msg), loc)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
