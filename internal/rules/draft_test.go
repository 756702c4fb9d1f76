package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/nvr-router/internal/data"
)

func TestDraft_Rule(t *testing.T) {
	tests := []struct {
		name string
		body string
		dest data.Destination
		want func(t *testing.T, r *data.Rule)
	}{
		{
			name: "canonical",
			body: `{"id":"r1","name":"people","destination":"both","camera_scope":["all"],"criteria":{"labels":["person"]}}`,
			dest: data.DestinationBoth,
			want: func(t *testing.T, r *data.Rule) {
				assert.True(t, r.Enabled)
				assert.Equal(t, "people", r.Name)
				assert.Equal(t, []string{"person"}, r.Criteria.Labels)
			},
		},
		{
			name: "legacy summarize",
			body: `{"id":"r2","label":"person","action":"summarize","camera":"front"}`,
			dest: data.DestinationSummary,
			want: func(t *testing.T, r *data.Rule) {
				assert.Equal(t, "r2", r.Name)
				assert.Equal(t, []string{"front"}, r.CameraScope)
				assert.Equal(t, []string{"person"}, r.Criteria.Labels)
			},
		},
		{
			name: "disabled",
			body: `{"id":"r3","enabled":false,"destination":"search"}`,
			dest: data.DestinationSearch,
			want: func(t *testing.T, r *data.Rule) {
				assert.False(t, r.Enabled)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Draft
			require.NoError(t, json.Unmarshal([]byte(tt.body), &d))
			r, err := d.Rule()
			require.NoError(t, err)
			assert.Equal(t, tt.dest, r.Destination)
			tt.want(t, r)
		})
	}
}

func TestDraft_UnknownAction(t *testing.T) {
	_, err := Draft{ID: "x", Action: "archive"}.Rule()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "destination", verr.Details[0].Field)
}
