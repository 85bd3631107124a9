// Package command parses inline "/agent run" comments and issue-body
// repository-list sections into structured directives, gated by author
// association.
package command

import (
	"regexp"
	"strings"
)

// Directive holds the parsed result of an "/agent run" comment.
type Directive struct {
	// Prompt is the user's instruction with all option tokens removed.
	Prompt string

	Repository string
	Branch     string
	Model      string
	AutoPR     *bool

	// ForceNew is true for "/agent run new <prompt>", meaning "always
	// launch a new agent even if one is already tracking this item".
	ForceNew bool
}

var (
	bracketedRe = regexp.MustCompile(`^\[([^\]]+)\]`)
	inlineOptRe = regexp.MustCompile(`(?i)\b(repo|branch|model|autopr)=(\S+)`)
	inRepoRe    = regexp.MustCompile(`(?i)\bin\s+([a-zA-Z0-9._-]+(?:/[a-zA-Z0-9._-]+)?)\s*,?`)
	withModelRe = regexp.MustCompile(`(?i)\bwith\s+([a-zA-Z0-9._-]+)\s*,?`)
	multiSpace  = regexp.MustCompile(`\s{2,}`)

	commandPrefixRe = regexp.MustCompile(`(?i)/agent\s+run\b`)
)

// Parse extracts a Directive from a comment body already known to
// contain a "/agent run" command. Returns nil only if the body carries
// no command at all; a command with nothing after it yields a Directive
// with an empty Prompt.
func Parse(body string) *Directive {
	body = strings.TrimSpace(body)

	loc := commandPrefixRe.FindStringIndex(body)
	if loc == nil {
		return nil
	}
	remainder := strings.TrimSpace(body[loc[1]:])

	result := &Directive{}

	if len(remainder) > 4 && strings.EqualFold(remainder[:4], "new ") {
		result.ForceNew = true
		remainder = strings.TrimSpace(remainder[4:])
	}

	if loc := bracketedRe.FindStringSubmatchIndex(remainder); loc != nil {
		parseBracketedOptions(remainder[loc[2]:loc[3]], result)
		remainder = strings.TrimSpace(remainder[loc[1]:])
	}

	remainder = extractInlineOptions(remainder, result)

	if loc := inRepoRe.FindStringSubmatchIndex(remainder); loc != nil {
		if result.Repository == "" {
			result.Repository = remainder[loc[2]:loc[3]]
		}
		remainder = remainder[:loc[0]] + remainder[loc[1]:]
	}

	if loc := withModelRe.FindStringSubmatchIndex(remainder); loc != nil {
		if result.Model == "" {
			result.Model = remainder[loc[2]:loc[3]]
		}
		remainder = remainder[:loc[0]] + remainder[loc[1]:]
	}

	remainder = strings.TrimSpace(remainder)
	remainder = multiSpace.ReplaceAllString(remainder, " ")
	result.Prompt = remainder

	return result
}

func parseBracketedOptions(content string, result *Directive) {
	for _, pair := range strings.Split(content, ",") {
		pair = strings.TrimSpace(pair)
		eqIdx := strings.Index(pair, "=")
		if eqIdx < 0 {
			continue
		}
		key := strings.TrimSpace(strings.ToLower(pair[:eqIdx]))
		value := strings.TrimSpace(pair[eqIdx+1:])
		applyOption(key, value, result)
	}
}

func extractInlineOptions(remainder string, result *Directive) string {
	matches := inlineOptRe.FindAllStringSubmatchIndex(remainder, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		loc := matches[i]
		key := strings.ToLower(remainder[loc[2]:loc[3]])
		value := remainder[loc[4]:loc[5]]
		applyOption(key, value, result)
		remainder = remainder[:loc[0]] + remainder[loc[1]:]
	}
	return remainder
}

func applyOption(key, value string, result *Directive) {
	switch key {
	case "repo":
		result.Repository = value
	case "branch":
		result.Branch = value
	case "model":
		result.Model = value
	case "autopr":
		b := strings.EqualFold(value, "true")
		result.AutoPR = &b
	}
}

// AllowedAssociations are the author associations permitted to trigger
// an inline command.
var AllowedAssociations = map[string]bool{
	"OWNER":       true,
	"MEMBER":      true,
	"COLLABORATOR": true,
}

// ParseAuthorized is the pure gating function over (body, association):
// it parses body only if association is one of AllowedAssociations,
// otherwise returns nil without inspecting body further.
func ParseAuthorized(body, association string) *Directive {
	if !AllowedAssociations[strings.ToUpper(association)] {
		return nil
	}
	if !commandPrefixRe.MatchString(body) {
		return nil
	}
	return Parse(body)
}

var repoListPlaceholders = map[string]bool{
	"_no response_": true,
	"none":          true,
	"n/a":           true,
	"-":             true,
	"":              true,
}

// ParseRepoList extracts the deduplicated repository names from the
// templated issue-body section "Repository list (if applicable)",
// ignoring placeholder tokens GitHub's issue-form renderer leaves behind
// for an empty optional field.
func ParseRepoList(body string) []string {
	section := extractSection(body, "Repository list (if applicable)")
	if section == "" {
		return nil
	}

	seen := map[string]bool{}
	var repos []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		normalized := strings.ToLower(line)
		if repoListPlaceholders[normalized] {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		repos = append(repos, line)
	}
	return repos
}

var sectionHeaderRe = regexp.MustCompile(`(?m)^#{1,6}\s*(.+?)\s*$`)

// extractSection returns the body text between a markdown heading whose
// text matches title (case-insensitively) and the next heading of any
// depth.
func extractSection(body, title string) string {
	locs := sectionHeaderRe.FindAllStringSubmatchIndex(body, -1)
	for i, loc := range locs {
		heading := body[loc[2]:loc[3]]
		if !strings.EqualFold(strings.TrimSpace(heading), title) {
			continue
		}
		start := loc[1]
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		return strings.TrimSpace(body[start:end])
	}
	return ""
}
