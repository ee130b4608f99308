package task

import (
	"fmt"
	"regexp"
)

var templateIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Template is a declarative task description. A copy is frozen into the
// task_created entry so later template edits never change a running task.
type Template struct {
	ID              string            `json:"id" toml:"id"`
	Name            string            `json:"name" toml:"name"`
	Version         string            `json:"version,omitempty" toml:"version"`
	Goal            string            `json:"goal" toml:"goal"`
	Description     string            `json:"description,omitempty" toml:"description"`
	RequiredFields  []FieldSpec       `json:"required_fields,omitempty" toml:"fields"`
	SuggestedAgents []string          `json:"suggested_agents,omitempty" toml:"suggested_agents"`
	Metadata        map[string]string `json:"metadata,omitempty" toml:"metadata"`
}

// FieldSpec describes a piece of data the task needs.
type FieldSpec struct {
	Name     string   `json:"name" toml:"name"`
	Prompt   string   `json:"prompt,omitempty" toml:"prompt"`
	Required bool     `json:"required" toml:"required"`
	Group    string   `json:"group,omitempty" toml:"group"`
	Priority Priority `json:"priority,omitempty" toml:"priority"`
}

// Validate checks template structure.
func (t Template) Validate() error {
	var problems []string
	if t.ID == "" {
		problems = append(problems, "id is required")
	} else if !templateIDPattern.MatchString(t.ID) {
		problems = append(problems, fmt.Sprintf("id %q must be alphanumeric, hyphen or underscore", t.ID))
	}
	if t.Name == "" {
		problems = append(problems, "name is required")
	}
	if t.Goal == "" {
		problems = append(problems, "goal is required")
	}
	seen := make(map[string]bool, len(t.RequiredFields))
	for i, f := range t.RequiredFields {
		if f.Name == "" {
			problems = append(problems, fmt.Sprintf("field %d: name is required", i))
			continue
		}
		if seen[f.Name] {
			problems = append(problems, fmt.Sprintf("field %q declared twice", f.Name))
		}
		seen[f.Name] = true
		if f.Priority != "" && !f.Priority.Valid() {
			problems = append(problems, fmt.Sprintf("field %q: unknown priority %q", f.Name, f.Priority))
		}
	}
	if len(problems) > 0 {
		return NewValidationError(fmt.Sprintf("template %q", t.ID), problems...)
	}
	return nil
}

// MissingFields returns the required fields that have no value in data.
func (t Template) MissingFields(data map[string]any) []FieldSpec {
	var missing []FieldSpec
	for _, f := range t.RequiredFields {
		if !f.Required {
			continue
		}
		if v, ok := data[f.Name]; ok && v != nil && v != "" {
			continue
		}
		missing = append(missing, f)
	}
	return missing
}
