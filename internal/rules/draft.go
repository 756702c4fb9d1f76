package rules

import (
	"github.com/technosupport/nvr-router/internal/data"
)

// Draft is a rule as written by people: in the seed file or an API body.
// Besides the canonical fields it takes the short form {label, action,
// camera} used by the NVR UI.
type Draft struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Enabled     *bool         `json:"enabled" yaml:"enabled"`
	CameraScope []string      `json:"camera_scope" yaml:"camera_scope"`
	Criteria    data.Criteria `json:"criteria" yaml:"criteria"`
	Destination string        `json:"destination" yaml:"destination"`
	Priority    int           `json:"priority" yaml:"priority"`

	Label  string `json:"label,omitempty" yaml:"label"`
	Action string `json:"action,omitempty" yaml:"action"`
	Camera string `json:"camera,omitempty" yaml:"camera"`
}

// Rule builds the canonical rule. Rules default to enabled and action wins
// over destination. The result still has to pass Validate.
func (d Draft) Rule() (*data.Rule, error) {
	r := &data.Rule{
		ID:          d.ID,
		Name:        d.Name,
		Enabled:     d.Enabled == nil || *d.Enabled,
		CameraScope: d.CameraScope,
		Criteria:    d.Criteria,
		Priority:    d.Priority,
	}
	if d.Label != "" {
		r.Criteria.Labels = append(r.Criteria.Labels, d.Label)
	}
	if d.Camera != "" {
		r.CameraScope = append(r.CameraScope, d.Camera)
	}
	if r.Name == "" {
		r.Name = r.ID
	}

	dest := d.Destination
	if d.Action != "" {
		dest = d.Action
	}
	parsed, err := data.ParseDestination(dest)
	if err != nil {
		return nil, &ValidationError{RuleID: d.ID, Details: []ErrorDetail{{
			Field:   "destination",
			Problem: err.Error(),
			Hint:    "use search, summary or both",
		}}}
	}
	r.Destination = parsed
	return r, nil
}
