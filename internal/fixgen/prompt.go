package fixgen

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const systemPrompt = "You are an expert security engineer specializing in code vulnerability remediation. Always respond with valid JSON."

func buildFixPrompt(f models.Finding, s *snippet) string {
	var sb strings.Builder
	sb.WriteString("You are a senior security engineer. Your task is to fix a security vulnerability in code.\n\n")
	sb.WriteString("VULNERABILITY DETAILS:\n")
	fmt.Fprintf(&sb, "- File: %s\n", f.Location.File)
	fmt.Fprintf(&sb, "- Issue: %s\n", f.Message)
	fmt.Fprintf(&sb, "- Severity: %s\n", f.Severity)
	fmt.Fprintf(&sb, "- Rule ID: %s\n\n", f.RuleID)

	fmt.Fprintf(&sb, "SURROUNDING CODE (lines %d-%d, vulnerable lines marked with >>):\n```\n", s.StartLine, s.EndLine)
	sb.WriteString(s.Context)
	sb.WriteString("```\n\n")
	sb.WriteString("VULNERABLE LINES (exact text to be replaced):\n```\n")
	sb.WriteString(s.Vulnerable)
	sb.WriteString("\n```\n\n")

	sb.WriteString(`INSTRUCTIONS:
1. Analyze the security vulnerability
2. Provide a secure fix that maintains functionality
3. "fixed_code" replaces exactly the VULNERABLE LINES; keep their indentation and do not repeat surrounding code
4. Explain why the fix addresses the security issue
5. Rate your confidence in the fix (0.0 to 1.0)

RESPONSE FORMAT:
{
  "fixed_code": "// Your fixed code here",
  "explanation": "Explanation of the fix",
  "confidence": 0.85
}
`)
	return sb.String()
}

type fixReply struct {
	FixedCode   string
	Explanation string
	Confidence  float64
}

var (
	codeBlockRe = regexp.MustCompile("```[\\w]*\\n([\\s\\S]*?)\\n```")
	jsonFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// parseFixReply reads the model reply as fix JSON, falling back to the first
// fenced code block with a neutral confidence.
func parseFixReply(reply string) (fixReply, bool) {
	body := strings.TrimSpace(reply)
	if m := jsonFenceRe.FindStringSubmatch(body); m != nil {
		body = m[1]
	}

	var raw struct {
		FixedCode   string   `json:"fixed_code"`
		Explanation string   `json:"explanation"`
		Confidence  *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err == nil && strings.TrimSpace(raw.FixedCode) != "" {
		out := fixReply{
			FixedCode:   raw.FixedCode,
			Explanation: raw.Explanation,
			Confidence:  fallbackConfidence,
		}
		if raw.Confidence != nil && !math.IsNaN(*raw.Confidence) && *raw.Confidence > 0 {
			out.Confidence = math.Min(*raw.Confidence, 1)
		}
		if out.Explanation == "" {
			out.Explanation = fallbackExplanation
		}
		return out, true
	}

	if m := codeBlockRe.FindStringSubmatch(reply); m != nil {
		return fixReply{
			FixedCode:   m[1],
			Explanation: fallbackExplanation,
			Confidence:  fallbackConfidence,
		}, true
	}
	return fixReply{}, false
}
