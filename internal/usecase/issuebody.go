// Package usecase implements the orchestrator core: reconciliation,
// dispatch, outcome handling, review follow-ups and idle scheduling.
package usecase

import (
	"strings"
)

// repoSectionHeader is the templated issue-body section naming target
// repositories.
const repoSectionHeader = "### Repository list (if applicable)"

// noResponsePlaceholder is what the platform's issue form inserts for an
// untouched optional field.
const noResponsePlaceholder = "_No response_"

// placeholderTokens are ignored when parsing the repository section.
var placeholderTokens = map[string]bool{
	strings.ToLower(noResponsePlaceholder): true,
	"none":                                 true,
	"n/a":                                  true,
	"-":                                    true,
	"":                                     true,
}

// IssueBody is the parsed form of a templated work-item body.
type IssueBody struct {
	Task  string
	Repos []string
}

// ParseIssueBody splits a work-item body into the free-form task text and the
// deduplicated repository list. Bodies without the section yield an empty
// repo list and the whole body as task.
func ParseIssueBody(body string) IssueBody {
	head, section, found := strings.Cut(body, repoSectionHeader)
	out := IssueBody{Task: strings.TrimSpace(head)}
	if !found {
		return out
	}

	seen := map[string]bool{}
	for _, raw := range strings.Split(section, "\n") {
		line := strings.TrimSpace(raw)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if strings.HasPrefix(line, "#") {
			break
		}
		if placeholderTokens[strings.ToLower(line)] {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		out.Repos = append(out.Repos, line)
	}
	return out
}

// RenderIssueBody writes the canonical body form. ParseIssueBody is its
// inverse over that form.
func RenderIssueBody(b IssueBody) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(b.Task))
	sb.WriteString("\n\n")
	sb.WriteString(repoSectionHeader)
	sb.WriteString("\n\n")
	if len(b.Repos) == 0 {
		sb.WriteString(noResponsePlaceholder)
		sb.WriteString("\n")
		return sb.String()
	}
	for _, r := range b.Repos {
		sb.WriteString(r)
		sb.WriteString("\n")
	}
	return sb.String()
}
