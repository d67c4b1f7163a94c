// Package migration implements the import orchestration engine: the durable
// mapping store, the issue transformer, the backport aggregator, the
// rate-limited submit/poll engine, and the pending-run reconciler.
//
// Project-specific business rules (which versions become milestones, which
// field values become labels, per-issue fixups) are not engine logic. They
// plug in through the small interfaces in this file and are composed from
// ordered lists of independent rule values.
package migration

import (
	"strings"

	"jira2github/internal/github"
	"jira2github/internal/jira"
)

// IssueFilter decides whether a source issue is migrated at all.
type IssueFilter interface {
	Keep(issue *jira.Issue) bool
}

// IssueFilterFunc adapts a function to IssueFilter.
type IssueFilterFunc func(issue *jira.Issue) bool

// Keep implements IssueFilter.
func (f IssueFilterFunc) Keep(issue *jira.Issue) bool { return f(issue) }

// CompositeIssueFilter keeps an issue only if every member filter agrees.
type CompositeIssueFilter struct {
	Filters []IssueFilter
}

// Keep implements IssueFilter.
func (c *CompositeIssueFilter) Keep(issue *jira.Issue) bool {
	for _, f := range c.Filters {
		if !f.Keep(issue) {
			return false
		}
	}
	return true
}

// MilestoneFilter decides whether a Jira version becomes a GitHub milestone.
type MilestoneFilter interface {
	Keep(version jira.Version) bool
}

// MilestoneFilterFunc adapts a function to MilestoneFilter.
type MilestoneFilterFunc func(version jira.Version) bool

// Keep implements MilestoneFilter.
func (f MilestoneFilterFunc) Keep(version jira.Version) bool { return f(version) }

// SkipVersionsFilter drops versions by exact name (triage buckets, backlogs).
func SkipVersionsFilter(names []string) MilestoneFilter {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	return MilestoneFilterFunc(func(v jira.Version) bool { return !skip[v.Name] })
}

// LabelHandler maps source field values to destination labels.
type LabelHandler interface {
	// LabelsFor returns the labels to apply to one issue.
	LabelsFor(issue *jira.Issue) []string
	// AllLabels returns every label the handler can produce, for
	// pre-creating them in the destination repository.
	AllLabels() []github.Label
}

// CompositeLabelHandler unions the output of its members, in order.
type CompositeLabelHandler struct {
	Handlers []LabelHandler
}

// LabelsFor implements LabelHandler.
func (c *CompositeLabelHandler) LabelsFor(issue *jira.Issue) []string {
	var out []string
	seen := map[string]bool{}
	for _, h := range c.Handlers {
		for _, label := range h.LabelsFor(issue) {
			if !seen[label] {
				seen[label] = true
				out = append(out, label)
			}
		}
	}
	return out
}

// AllLabels implements LabelHandler.
func (c *CompositeLabelHandler) AllLabels() []github.Label {
	var out []github.Label
	seen := map[string]bool{}
	for _, h := range c.Handlers {
		for _, label := range h.AllLabels() {
			if !seen[label.Name] {
				seen[label.Name] = true
				out = append(out, label)
			}
		}
	}
	return out
}

// FieldType names a source field the FieldValueLabelHandler can map.
type FieldType string

// Mappable field types.
const (
	FieldIssueType FieldType = "issue-type"
	FieldPriority  FieldType = "priority"
	FieldStatus    FieldType = "status"
	FieldVersion   FieldType = "version"
)

// defaultColors are the label colors per field type.
var defaultColors = map[FieldType]string{
	FieldIssueType: "ededed",
	FieldPriority:  "fef2c0",
	FieldStatus:    "fbca04",
	FieldVersion:   "c5def5",
}

// FieldValueLabelHandler maps (field, value) pairs to label names.
// The zero value is unusable; use NewFieldValueLabelHandler.
type FieldValueLabelHandler struct {
	mappings map[FieldType]map[string]string
	order    []github.Label
}

// NewFieldValueLabelHandler creates an empty handler.
func NewFieldValueLabelHandler() *FieldValueLabelHandler {
	return &FieldValueLabelHandler{
		mappings: map[FieldType]map[string]string{},
	}
}

// AddMapping registers one field value to label name mapping.
func (h *FieldValueLabelHandler) AddMapping(field FieldType, value, label string) {
	byValue, ok := h.mappings[field]
	if !ok {
		byValue = map[string]string{}
		h.mappings[field] = byValue
	}
	byValue[value] = label
	for _, l := range h.order {
		if l.Name == label {
			return
		}
	}
	h.order = append(h.order, github.Label{Name: label, Color: defaultColors[field]})
}

// LabelsFor implements LabelHandler.
func (h *FieldValueLabelHandler) LabelsFor(issue *jira.Issue) []string {
	var out []string
	add := func(field FieldType, value string) {
		if label, ok := h.mappings[field][value]; ok {
			out = append(out, label)
		}
	}
	add(FieldIssueType, issue.Fields.IssueType.Name)
	if issue.Fields.Priority != nil {
		add(FieldPriority, issue.Fields.Priority.Name)
	}
	if issue.Fields.Status != nil {
		add(FieldStatus, issue.Fields.Status.Name)
	}
	for _, version := range issue.Fields.FixVersions {
		add(FieldVersion, version.Name)
	}
	return out
}

// AllLabels implements LabelHandler.
func (h *FieldValueLabelHandler) AllLabels() []github.Label {
	out := make([]github.Label, len(h.order))
	copy(out, h.order)
	return out
}

// IssueProcessor adjusts issues and import requests through two hooks. Both
// receive mutable objects; rules in a composite see each other's effects
// only through those shared objects.
type IssueProcessor interface {
	// BeforeConversion may mutate the source snapshot prior to rendering.
	BeforeConversion(issue *jira.Issue)
	// BeforeImport may adjust the already-built import request.
	BeforeImport(issue *jira.Issue, request *github.ImportRequest)
}

// NopProcessor is an IssueProcessor that changes nothing. Embed it to
// implement only one hook.
type NopProcessor struct{}

// BeforeConversion implements IssueProcessor.
func (NopProcessor) BeforeConversion(*jira.Issue) {}

// BeforeImport implements IssueProcessor.
func (NopProcessor) BeforeImport(*jira.Issue, *github.ImportRequest) {}

// CompositeIssueProcessor applies processors in sequence.
type CompositeIssueProcessor struct {
	Processors []IssueProcessor
}

// BeforeConversion implements IssueProcessor.
func (c *CompositeIssueProcessor) BeforeConversion(issue *jira.Issue) {
	for _, p := range c.Processors {
		p.BeforeConversion(issue)
	}
}

// BeforeImport implements IssueProcessor.
func (c *CompositeIssueProcessor) BeforeImport(issue *jira.Issue, request *github.ImportRequest) {
	for _, p := range c.Processors {
		p.BeforeImport(issue, request)
	}
}

// DependencyBumpProcessor relabels dependency-upgrade issues. Tasks and
// improvements whose summary mentions a bump or upgrade keep only their
// priority labels and gain the dependencies label.
type DependencyBumpProcessor struct {
	NopProcessor
	Label string // defaults to "dependencies"
}

// BeforeImport implements IssueProcessor.
func (p *DependencyBumpProcessor) BeforeImport(issue *jira.Issue, request *github.ImportRequest) {
	issueType := issue.Fields.IssueType.Name
	if issueType != "Task" && issueType != "Improvement" {
		return
	}
	summary := issue.Fields.Summary
	if !strings.Contains(summary, "Bump") && !strings.Contains(summary, "Upgrade") {
		return
	}
	label := p.Label
	if label == "" {
		label = "dependencies"
	}
	var kept []string
	for _, l := range request.Issue.Labels {
		if strings.Contains(l, "priority:") {
			kept = append(kept, l)
		}
	}
	request.Issue.Labels = append(kept, label)
}

// BotCommentProcessor drops comments authored by bots, recognized by a
// profile URL fragment appearing in the rendered comment body.
type BotCommentProcessor struct {
	NopProcessor
	ProfileURLs []string
}

// BeforeImport implements IssueProcessor.
func (p *BotCommentProcessor) BeforeImport(_ *jira.Issue, request *github.ImportRequest) {
	if len(p.ProfileURLs) == 0 {
		return
	}
	var kept []github.ImportComment
	for _, comment := range request.Comments {
		if !p.isBot(comment.Body) {
			kept = append(kept, comment)
		}
	}
	request.Comments = kept
}

func (p *BotCommentProcessor) isBot(body string) bool {
	for _, url := range p.ProfileURLs {
		if strings.Contains(body, url) {
			return true
		}
	}
	return false
}

// DescriptionLimitProcessor truncates oversized descriptions before any
// rendering happens. GitHub rejects import payloads past a size cap.
type DescriptionLimitProcessor struct {
	NopProcessor
	Limit int
}

// BeforeConversion implements IssueProcessor.
func (p *DescriptionLimitProcessor) BeforeConversion(issue *jira.Issue) {
	if p.Limit <= 0 || len(issue.Fields.Description) <= p.Limit {
		return
	}
	issue.Fields.Description = issue.Fields.Description[:p.Limit] +
		"\n\n... (description truncated during migration)"
}
