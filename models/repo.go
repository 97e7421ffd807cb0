package models

// Repo identifies a hosted repository derived from its clone URL.
type Repo struct {
	Provider string `json:"provider"` // github | gitlab
	Host     string `json:"host"`     // github.com | gitlab.com | self-hosted host
	Owner    string `json:"owner"`    // user, org or GitLab namespace path
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
}

// FullName returns owner/name.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// PullRequestResult describes a pull (or merge) request opened by the publisher.
type PullRequestResult struct {
	URL          string          `json:"url"`
	Number       int             `json:"number"`
	Branch       string          `json:"branch"`
	AppliedFixes int             `json:"applied_fixes"`
	FixErrors    []FixApplyError `json:"fix_errors,omitempty"`
}

// FixApplyError records why one fix could not be applied to the working copy.
type FixApplyError struct {
	FindingRef string `json:"finding_ref"`
	File       string `json:"file"`
	Error      string `json:"error"`
}
