package schema

// RecordedStatus is the status an assignee reports for a step.
type RecordedStatus string

const (
	RecordedGoing      RecordedStatus = "going"
	RecordedCompleted  RecordedStatus = "completed"
	RecordedIncomplete RecordedStatus = "incomplete"
)

// Valid reports whether s is one of the known recorded statuses.
func (s RecordedStatus) Valid() bool {
	switch s {
	case RecordedGoing, RecordedCompleted, RecordedIncomplete:
		return true
	}
	return false
}

// FormData is the payload submitted for a single step.
type FormData struct {
	Name           string         `json:"name"`
	Languages      []string       `json:"languages"`
	Date           string         `json:"date"` // YYYY-MM-DD
	RecordedStatus RecordedStatus `json:"recordedStatus"`
	Reason         string         `json:"reason"`
}

// Clone returns a deep copy of the form.
func (f FormData) Clone() FormData {
	out := f
	if f.Languages != nil {
		out.Languages = append([]string(nil), f.Languages...)
	}
	return out
}

// AsMap renders the form as a generic map for audit payloads and expressions.
func (f FormData) AsMap() map[string]any {
	langs := make([]any, len(f.Languages))
	for i, l := range f.Languages {
		langs[i] = l
	}
	return map[string]any{
		"name":           f.Name,
		"languages":      langs,
		"date":           f.Date,
		"recordedStatus": string(f.RecordedStatus),
		"reason":         f.Reason,
	}
}

// Actor identifies who performed an action. Identity is resolved upstream;
// prodtrack only carries the pair through.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// StepDefinition describes one step of the fixed sequence.
type StepDefinition struct {
	Number int    `json:"number"`
	Key    string `json:"key"`
	Label  string `json:"label"`
	// Rule is an optional CEL expression over `form`, `workflow` and `step`
	// that must evaluate to true for a submission to be accepted.
	Rule        string `json:"rule,omitempty"`
	RuleMessage string `json:"ruleMessage,omitempty"`
}
