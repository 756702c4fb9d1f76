package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
)

const seedDoc = `
rules:
  - id: people
    destination: summary
    priority: 10
    camera_scope: [front]
    criteria:
      labels: [person]
      min_confidence: 0.7
  - id: legacy
    label: car
    action: add to search
    camera: driveway
  - id: off
    enabled: false
    destination: both
`

func TestParseSeed(t *testing.T) {
	rs, err := ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	require.Len(t, rs, 3)

	assert.True(t, rs[0].Enabled)
	assert.Equal(t, data.DestinationSummary, rs[0].Destination)
	assert.Equal(t, 0.7, *rs[0].Criteria.MinConfidence)

	assert.Equal(t, []string{"car"}, rs[1].Criteria.Labels)
	assert.Equal(t, []string{"driveway"}, rs[1].CameraScope)
	assert.Equal(t, data.DestinationSearch, rs[1].Destination)

	assert.False(t, rs[2].Enabled)
}

func TestParseSeed_UnknownAction(t *testing.T) {
	_, err := ParseSeed([]byte("rules:\n  - id: x\n    action: archive\n"))
	assert.Error(t, err)
}

func TestWatcher_ApplyIsIdempotent(t *testing.T) {
	s, _ := newRedisStore(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedDoc), 0o600))

	w := NewWatcher(s, path, 0, zap.NewNop())
	require.NoError(t, w.Apply(context.Background()))
	v := s.ActiveRules().Version
	assert.Len(t, s.List(), 3)
	assert.Len(t, s.ActiveRules().Rules, 2)

	require.NoError(t, w.Apply(context.Background()))
	assert.Equal(t, v, s.ActiveRules().Version)
}

func TestWatcher_MissingFile(t *testing.T) {
	s, _ := newRedisStore(t)
	w := NewWatcher(s, filepath.Join(t.TempDir(), "none.yaml"), 0, zap.NewNop())
	assert.Error(t, w.Apply(context.Background()))
}
