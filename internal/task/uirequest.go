package task

import "time"

// Priority ranks user-input requests.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank orders priorities, higher first. Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	}
	return 2
}

// UIRequest asks the user for data an agent cannot obtain on its own.
type UIRequest struct {
	RequestID    string       `json:"request_id"`
	TemplateType string       `json:"template_type"`
	Priority     Priority     `json:"priority"`
	SemanticData SemanticData `json:"semantic_data"`
	CreatedBy    string       `json:"created_by"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SemanticData is the presentation-independent content of a request.
type SemanticData struct {
	Title  string         `json:"title,omitempty"`
	Prompt string         `json:"prompt,omitempty"`
	Fields []FieldSpec    `json:"fields,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Title returns a display title for the request.
func (r UIRequest) Title() string {
	if r.SemanticData.Title != "" {
		return r.SemanticData.Title
	}
	if len(r.SemanticData.Fields) == 1 && r.SemanticData.Fields[0].Prompt != "" {
		return r.SemanticData.Fields[0].Prompt
	}
	return r.TemplateType
}
