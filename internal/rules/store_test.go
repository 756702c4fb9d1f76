package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
)

type MockRuleRepo struct {
	mock.Mock
}

func (m *MockRuleRepo) Save(ctx context.Context, r *data.Rule) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockRuleRepo) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRuleRepo) LoadAll(ctx context.Context) ([]*data.Rule, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.Rule), args.Error(1)
}

func rule(id string, prio int, dest data.Destination) *data.Rule {
	return &data.Rule{ID: id, Enabled: true, Priority: prio, Destination: dest}
}

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(data.RuleModel{Client: rdb}, zap.NewNop()), mr
}

func TestStore_SnapshotOrdering(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	for _, r := range []*data.Rule{
		rule("b", 10, data.DestinationSearch),
		rule("a", 10, data.DestinationSummary),
		rule("z", 50, data.DestinationBoth),
		rule("m", 1, data.DestinationSearch),
	} {
		_, err := s.Upsert(ctx, r)
		require.NoError(t, err)
	}
	disabled := rule("top", 100, data.DestinationSearch)
	disabled.Enabled = false
	_, err := s.Upsert(ctx, disabled)
	require.NoError(t, err)

	snap := s.ActiveRules()
	ids := make([]string, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"z", "a", "b", "m"}, ids)
	assert.Len(t, s.List(), 5)
}

func TestStore_SnapshotIsStableAcrossWrites(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, rule("r1", 1, data.DestinationSearch))
	require.NoError(t, err)
	before := s.ActiveRules()

	_, err = s.Upsert(ctx, rule("r2", 2, data.DestinationSummary))
	require.NoError(t, err)

	assert.Len(t, before.Rules, 1)
	assert.Len(t, s.ActiveRules().Rules, 2)
	assert.Greater(t, s.ActiveRules().Version, before.Version)
}

func TestStore_CreateConflict(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, rule("r1", 1, data.DestinationSearch))
	require.NoError(t, err)
	_, err = s.Create(ctx, rule("r1", 5, data.DestinationSummary))
	assert.ErrorIs(t, err, ErrRuleExists)
}

func TestStore_UpsertKeepsCreatedAt(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, rule("r1", 1, data.DestinationSearch))
	require.NoError(t, err)
	second, err := s.Upsert(ctx, rule("r1", 2, data.DestinationSearch))
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 2, second.Priority)
}

func TestStore_ValidationRejected(t *testing.T) {
	s, _ := newRedisStore(t)
	_, err := s.Upsert(context.Background(), rule("", 1, "archive"))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Details, 2)
	assert.Empty(t, s.List())
}

func TestStore_PersistenceFailureRollsBack(t *testing.T) {
	repo := new(MockRuleRepo)
	s := NewStore(repo, zap.NewNop())
	ctx := context.Background()

	repo.On("Save", mock.Anything, mock.MatchedBy(func(r *data.Rule) bool { return r.Priority == 1 })).Return(nil).Once()
	_, err := s.Upsert(ctx, rule("r1", 1, data.DestinationSearch))
	require.NoError(t, err)
	before := s.ActiveRules()

	boom := errors.New("redis down")
	repo.On("Save", mock.Anything, mock.Anything).Return(boom)

	_, err = s.Upsert(ctx, rule("r1", 9, data.DestinationSummary))
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, boom)

	_, err = s.Create(ctx, rule("r2", 3, data.DestinationSearch))
	require.True(t, errors.As(err, &perr))

	got, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority)
	assert.Equal(t, data.DestinationSearch, got.Destination)

	_, err = s.Get("r2")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.Same(t, before, s.ActiveRules())
}

func TestStore_DeleteFailureRollsBack(t *testing.T) {
	repo := new(MockRuleRepo)
	s := NewStore(repo, zap.NewNop())
	ctx := context.Background()

	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	_, err := s.Upsert(ctx, rule("r1", 1, data.DestinationSearch))
	require.NoError(t, err)

	repo.On("Delete", mock.Anything, "r1").Return(errors.New("timeout")).Once()
	err = s.Delete(ctx, "r1")
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Len(t, s.ActiveRules().Rules, 1)

	repo.On("Delete", mock.Anything, "r1").Return(nil).Once()
	require.NoError(t, s.Delete(ctx, "r1"))
	assert.Empty(t, s.ActiveRules().Rules)
	assert.ErrorIs(t, s.Delete(ctx, "r1"), ErrRuleNotFound)
}

func TestStore_LoadFromRedis(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, rule("r1", 1, data.DestinationSearch))
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fresh := NewStore(data.RuleModel{Client: rdb}, zap.NewNop())
	require.NoError(t, fresh.Load(ctx))

	snap := fresh.ActiveRules()
	require.Len(t, snap.Rules, 1)
	assert.Equal(t, "r1", snap.Rules[0].ID)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, _ := newRedisStore(t)
	r := rule("r1", 1, data.DestinationSearch)
	r.CameraScope = []string{"front"}
	_, err := s.Upsert(context.Background(), r)
	require.NoError(t, err)

	got, err := s.Get("r1")
	require.NoError(t, err)
	got.CameraScope[0] = "mutated"

	again, _ := s.Get("r1")
	assert.Equal(t, "front", again.CameraScope[0])
}
