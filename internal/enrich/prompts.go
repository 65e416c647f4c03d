package enrich

import (
	"fmt"
	"net/url"
	"strings"
)

const issueSystemLong = `Summarize the GitHub issue in one paragraph without mentioning the issue number. ` +
	`Highlight the key problem and any notable details provided. Keep the summary concise, informative and easy to understand. ` +
	`Also extract high-level keywords naming the broader categories or themes of the issue's purpose, features and tools. ` +
	`Keywords should categorize the issue in a wider context, not repeat literal details, and avoid long phrases.
Expected output:
{"summary": "a short paragraph describing the issue's purpose and features", "keywords": ["high-level keyword", "..."]}
Reply with RFC 8259 compliant JSON only.`

const issueSystemShort = `Only limited information is available. Summarize the GitHub issue in one paragraph without mentioning the issue number, ` +
	`highlighting the key problem and anything that can reasonably be inferred. Do not pad the summary with invented detail. ` +
	`Also extract high-level keywords for the inferred purpose, features and tools.
Expected output:
{"summary": "a concise paragraph with whatever purpose or technology can be discerned", "keywords": ["inferred keyword", "..."]}
Reply with RFC 8259 compliant JSON only.`

const projectSystemLong = `Summarize the GitHub repository's README and description in one detailed paragraph covering the project's purpose, ` +
	`technologies and notable features. Leave out donation links, personal appeals and other non-essential content. ` +
	`Also extract high-level keywords that place the project in a wider context without being overly literal.
Expected output:
{"summary": "a paragraph summarizing the repository", "keywords": ["high-level keyword", "..."]}
Reply with RFC 8259 compliant JSON only.`

const projectSystemShort = `Summarize the GitHub repository from the little information available in one concise paragraph: ` +
	`its likely purpose, technologies and features. Leave out donation links and personal appeals. ` +
	`Also deduce high-level keywords for its technologies, functionality and scope.
Expected output:
{"summary": "a concise paragraph with whatever purpose or technology can be discerned", "keywords": ["inferred keyword", "..."]}
Reply with RFC 8259 compliant JSON only.`

// Prompt is one request to the completer
type Prompt struct {
	System    string
	User      string
	MaxTokens int
	// Short is true when the thin-input variant was chosen
	Short bool
}

// PromptLimits bounds prompt construction
type PromptLimits struct {
	// ShortThreshold picks the short variant when the body is shorter, in characters
	ShortThreshold int
	// MaxChars truncates the user prompt, counted in runes
	MaxChars       int
	ShortMaxTokens int
	LongMaxTokens  int
}

// IssuePrompt builds the summarization prompt for an issue
func IssuePrompt(issueID, title, description string, lim PromptLimits) Prompt {
	owner, repo := ownerRepo(issueID)
	if runeLen(description) < lim.ShortThreshold {
		return Prompt{
			System: issueSystemShort,
			User: truncateRunes(fmt.Sprintf("Here is the input: `%s` at repository `%s` by owner `%s`, states: %s",
				title, repo, owner, description), lim.MaxChars),
			MaxTokens: lim.ShortMaxTokens,
			Short:     true,
		}
	}
	return Prompt{
		System: issueSystemLong,
		User: truncateRunes(fmt.Sprintf("Here is the input: The issue titled `%s` at repository `%s` by owner `%s`, states in the body text: %s",
			title, repo, owner, description), lim.MaxChars),
		MaxTokens: lim.LongMaxTokens,
	}
}

// ProjectPrompt builds the summarization prompt for a repository
func ProjectPrompt(projectID, language, description, readme string, lim PromptLimits) Prompt {
	owner, repo := ownerRepo(projectID)
	lang := ""
	if language != "" {
		lang = fmt.Sprintf(" mainly uses `%s` in the project", language)
	}

	if runeLen(readme) < lim.ShortThreshold {
		user := fmt.Sprintf("Here is the input: The repository `%s` by owner `%s`%s, `%s`", repo, owner, lang, description)
		if readme != "" {
			user += ", states in readme: " + readme
		}
		return Prompt{
			System:    projectSystemShort,
			User:      truncateRunes(user, lim.MaxChars),
			MaxTokens: lim.ShortMaxTokens,
			Short:     true,
		}
	}
	return Prompt{
		System: projectSystemLong,
		User: truncateRunes(fmt.Sprintf("Here is the input: The repository `%s` by owner `%s`%s, has a short text description: `%s`, mentioned more details in readme: `%s`",
			repo, owner, lang, description, readme), lim.MaxChars),
		MaxTokens: lim.LongMaxTokens,
	}
}

// ownerRepo returns the first two path segments of a tracker URL
func ownerRepo(rawURL string) (owner, repo string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 1 {
		owner = parts[0]
	}
	if len(parts) >= 2 {
		repo = parts[1]
	}
	return owner, repo
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
