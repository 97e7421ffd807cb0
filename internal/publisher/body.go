package publisher

import (
	"fmt"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const maxTitleIssue = 60

func prTitle(applied []models.FixCandidate) string {
	if len(applied) == 1 {
		f := applied[0]
		if f.Type == models.FixTypeDependency {
			return fmt.Sprintf("fix(security): bump %s to %s", f.Package, f.FixedVersion)
		}
		issue := strings.TrimSpace(f.Issue)
		if r := []rune(issue); len(r) > maxTitleIssue {
			issue = string(r[:maxTitleIssue-3]) + "..."
		}
		if issue != "" {
			return "fix(security): " + issue
		}
	}
	return fmt.Sprintf("fix(security): apply %d automated security fixes", len(applied))
}

func commitMessage(applied []models.FixCandidate) string {
	var sb strings.Builder
	sb.WriteString(prTitle(applied))
	sb.WriteString("\n\n")
	for _, f := range applied {
		fmt.Fprintf(&sb, "- %s\n", describeFix(f))
	}
	return sb.String()
}

func describeFix(f models.FixCandidate) string {
	if f.Type == models.FixTypeDependency {
		return fmt.Sprintf("%s: %s %s -> %s", f.File, f.Package, f.CurrentVersion, f.FixedVersion)
	}
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", f.File, f.Line, f.Issue)
	}
	return fmt.Sprintf("%s: %s", f.File, f.Issue)
}

// prBody renders the pull request description: counts by type and severity,
// average confidence, then one entry per applied fix.
func prBody(scanID string, applied []models.FixCandidate, failed []models.FixApplyError) string {
	var code, deps int
	bySeverity := make(map[models.SeverityLevel]int)
	var confidence float64
	for _, f := range applied {
		if f.Type == models.FixTypeDependency {
			deps++
		} else {
			code++
		}
		bySeverity[f.Severity]++
		confidence += f.Confidence
	}

	var sb strings.Builder
	sb.WriteString("## Automated security fixes\n\n")
	fmt.Fprintf(&sb, "This pull request was generated by ctrlscan from scan `%s`.\n\n", scanID)

	sb.WriteString("### Summary\n\n")
	fmt.Fprintf(&sb, "- Code fixes: %d\n", code)
	fmt.Fprintf(&sb, "- Dependency updates: %d\n", deps)
	var sev []string
	for i := len(models.Severities) - 1; i >= 0; i-- {
		s := models.Severities[i]
		if n := bySeverity[s]; n > 0 {
			sev = append(sev, fmt.Sprintf("%s: %d", s, n))
		}
	}
	if len(sev) > 0 {
		fmt.Fprintf(&sb, "- Severity: %s\n", strings.Join(sev, ", "))
	}
	fmt.Fprintf(&sb, "- Average confidence: %.0f%%\n\n", 100*confidence/float64(len(applied)))

	sb.WriteString("### Fixes\n\n")
	for i, f := range applied {
		fmt.Fprintf(&sb, "%d. **[%s]** %s (confidence %.0f%%)\n", i+1, f.Severity, describeFix(f), 100*f.Confidence)
		if f.Explanation != "" {
			fmt.Fprintf(&sb, "   %s\n", strings.ReplaceAll(strings.TrimSpace(f.Explanation), "\n", "\n   "))
		}
	}

	if len(failed) > 0 {
		sb.WriteString("\n### Not applied\n\n")
		for _, e := range failed {
			fmt.Fprintf(&sb, "- `%s` (%s): %s\n", e.FindingRef, e.File, e.Error)
		}
	}

	sb.WriteString("\n---\nReview every change before merging. Code fixes were drafted by a language model.\n")
	return sb.String()
}
