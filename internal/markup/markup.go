// Package markup converts Jira rich text into GitHub-flavored markdown.
//
// Jira changed its text format over time, so the engine is chosen per issue
// from the issue's creation timestamp: issues created before the cutoff are
// treated as legacy wiki markup, later ones as near-markdown. Both engines
// escape GitHub @mentions and #NNN references so that imported text cannot
// ping users or autolink unrelated issues in the destination repository.
package markup

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Engine renders one issue's text bodies.
type Engine interface {
	// Convert translates source rich text to destination markdown.
	Convert(text string) string
	// Link renders a markdown link.
	Link(label, url string) string
}

// Manager hands out the engine matching an issue's creation date.
type Manager struct {
	cutoff time.Time
	users  map[string]string // jira user key -> display name
}

// NewManager creates a manager with the given wiki-markup cutoff date.
func NewManager(cutoff time.Time) *Manager {
	return &Manager{cutoff: cutoff, users: map[string]string{}}
}

// ConfigureUserLookup installs the user-key to display-name table used to
// resolve [~key] mentions in legacy markup.
func (m *Manager) ConfigureUserLookup(users map[string]string) {
	m.users = users
}

// Engine returns the conversion engine for an issue created at the given time.
func (m *Manager) Engine(created time.Time) Engine {
	if created.Before(m.cutoff) {
		return &wikiEngine{users: m.users}
	}
	return &markdownEngine{}
}

var (
	mentionPattern  = regexp.MustCompile(`(^|[\s(])@(\w[\w-]*)`)
	issueRefPattern = regexp.MustCompile(`(^|[\s(])#(\d+)`)
	userKeyPattern  = regexp.MustCompile(`\[~([^\]]+)\]`)
	wikiLinkPattern = regexp.MustCompile(`\[([^\[\]|]+)\|([^\[\]|]+)\]`)
	headingPattern  = regexp.MustCompile(`(?m)^h([1-6])\.\s+`)
	codeOpenPattern = regexp.MustCompile(`\{code(?::([a-zA-Z0-9+#-]+))?\}`)
)

// escapeCollisions wraps @mentions and #NNN references in backticks.
// Both collide with GitHub auto-linking when text is imported verbatim.
func escapeCollisions(text string) string {
	text = mentionPattern.ReplaceAllString(text, "$1`@$2`")
	return issueRefPattern.ReplaceAllString(text, "$1`#$2`")
}

// markdownEngine handles post-cutoff text, which is already close to
// markdown and only needs collision escaping.
type markdownEngine struct{}

func (e *markdownEngine) Convert(text string) string {
	return escapeCollisions(text)
}

func (e *markdownEngine) Link(label, url string) string {
	return fmt.Sprintf("[%s](%s)", label, url)
}

// wikiEngine handles legacy Jira wiki markup.
type wikiEngine struct {
	users map[string]string
}

func (e *wikiEngine) Convert(text string) string {
	text = e.convertCodeBlocks(text)
	text = strings.ReplaceAll(text, "{noformat}", "```")
	text = headingPattern.ReplaceAllStringFunc(text, func(h string) string {
		m := headingPattern.FindStringSubmatch(h)
		n := int(m[1][0] - '0')
		return strings.Repeat("#", n) + " "
	})
	text = wikiLinkPattern.ReplaceAllString(text, "[$1]($2)")
	text = userKeyPattern.ReplaceAllStringFunc(text, func(ref string) string {
		key := userKeyPattern.FindStringSubmatch(ref)[1]
		if name, ok := e.users[key]; ok {
			return name
		}
		return key
	})
	return escapeCollisions(text)
}

// convertCodeBlocks rewrites {code} / {code:lang} pairs as fenced blocks.
func (e *wikiEngine) convertCodeBlocks(text string) string {
	open := true
	return codeOpenPattern.ReplaceAllStringFunc(text, func(tag string) string {
		lang := codeOpenPattern.FindStringSubmatch(tag)[1]
		if open {
			open = false
			return "```" + lang
		}
		open = true
		return "```"
	})
}

func (e *wikiEngine) Link(label, url string) string {
	return fmt.Sprintf("[%s](%s)", label, url)
}
