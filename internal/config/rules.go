package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"jira2github/internal/migration"
)

// LabelMapping is one (field, value) to label name entry in the rules file.
type LabelMapping struct {
	Field string `yaml:"field"`
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

// Rules holds the per-project migration rules: which field values become
// labels, which versions never become milestones, how usernames map, and
// which comment authors are bots.
type Rules struct {
	Labels              []LabelMapping    `yaml:"labels"`
	SkipVersions        []string          `yaml:"skip-versions"`
	Users               map[string]string `yaml:"users"`
	BotProfileURLs      []string          `yaml:"bot-profile-urls"`
	DescriptionLimit    int               `yaml:"description-limit"`
	DependencyBumpLabel string            `yaml:"dependency-bump-label"`
}

// LoadRules parses the rules YAML at path. A missing file yields empty
// rules; every project starts without any.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Rules{}, nil
		}
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return &r, nil
}

var labelFields = map[string]migration.FieldType{
	"issue-type": migration.FieldIssueType,
	"priority":   migration.FieldPriority,
	"status":     migration.FieldStatus,
	"version":    migration.FieldVersion,
}

// LabelHandler builds the label handler described by the rules file.
func (r *Rules) LabelHandler() (migration.LabelHandler, error) {
	byValue := migration.NewFieldValueLabelHandler()
	for _, m := range r.Labels {
		field, ok := labelFields[m.Field]
		if !ok {
			return nil, fmt.Errorf("label mapping %q -> %q: unknown field %q", m.Value, m.Label, m.Field)
		}
		byValue.AddMapping(field, m.Value, m.Label)
	}
	return &migration.CompositeLabelHandler{
		Handlers: []migration.LabelHandler{byValue},
	}, nil
}

// MilestoneFilter builds the version filter described by the rules file.
func (r *Rules) MilestoneFilter() migration.MilestoneFilter {
	return migration.SkipVersionsFilter(r.SkipVersions)
}

// IssueProcessor builds the processor chain described by the rules file.
func (r *Rules) IssueProcessor() migration.IssueProcessor {
	var processors []migration.IssueProcessor
	if r.DescriptionLimit > 0 {
		processors = append(processors, &migration.DescriptionLimitProcessor{Limit: r.DescriptionLimit})
	}
	if r.DependencyBumpLabel != "" {
		processors = append(processors, &migration.DependencyBumpProcessor{Label: r.DependencyBumpLabel})
	}
	if len(r.BotProfileURLs) > 0 {
		processors = append(processors, &migration.BotCommentProcessor{ProfileURLs: r.BotProfileURLs})
	}
	return &migration.CompositeIssueProcessor{Processors: processors}
}
