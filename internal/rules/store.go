package rules

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/metrics"
)

// Snapshot is an immutable view of the enabled rules, ordered by priority
// descending and then by id ascending. Rules inside a snapshot must not be
// modified.
type Snapshot struct {
	Version uint64
	Rules   []*data.Rule
}

// Store holds the routing rules in memory and writes them through to the
// repository. Readers take snapshots and never wait on writers; writers are
// serialized.
type Store struct {
	repo data.RuleRepository
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	rules   map[string]*data.Rule
	version uint64

	current atomic.Pointer[Snapshot]
}

func NewStore(repo data.RuleRepository, log *zap.Logger) *Store {
	s := &Store{
		repo:  repo,
		log:   log.Named("rules"),
		now:   func() time.Time { return time.Now().UTC() },
		rules: make(map[string]*data.Rule),
	}
	s.current.Store(&Snapshot{})
	return s
}

// Load replaces the in-memory rules with the persisted set. Invalid stored
// rules are skipped.
func (s *Store) Load(ctx context.Context) error {
	stored, err := s.repo.LoadAll(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules = make(map[string]*data.Rule, len(stored))
	for _, r := range stored {
		if verr := Validate(r); verr != nil {
			s.log.Warn("skipping invalid stored rule", zap.String("rule_id", r.ID), zap.Error(verr))
			continue
		}
		s.rules[r.ID] = r
	}
	s.publishLocked()
	s.log.Info("rules loaded", zap.Int("count", len(s.rules)))
	return nil
}

// ActiveRules returns the current snapshot.
func (s *Store) ActiveRules() *Snapshot {
	return s.current.Load()
}

func (s *Store) Get(id string) (*data.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return cloneRule(r), nil
}

// List returns every rule, disabled ones included, in evaluation order.
func (s *Store) List() []*data.Rule {
	s.mu.Lock()
	out := make([]*data.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, cloneRule(r))
	}
	s.mu.Unlock()
	sortRules(out)
	return out
}

// Create adds a rule and fails with ErrRuleExists if the id is taken.
func (s *Store) Create(ctx context.Context, r *data.Rule) (*data.Rule, error) {
	return s.write(ctx, "create", r, true)
}

// Upsert inserts or replaces a rule.
func (s *Store) Upsert(ctx context.Context, r *data.Rule) (*data.Rule, error) {
	return s.write(ctx, "upsert", r, false)
}

func (s *Store) write(ctx context.Context, op string, r *data.Rule, mustBeNew bool) (*data.Rule, error) {
	if verr := Validate(r); verr != nil {
		metrics.RuleWritesTotal.WithLabelValues(op, "invalid").Inc()
		return nil, verr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.rules[r.ID]
	if exists && mustBeNew {
		metrics.RuleWritesTotal.WithLabelValues(op, "conflict").Inc()
		return nil, ErrRuleExists
	}

	next := cloneRule(r)
	now := s.now()
	next.UpdatedAt = now
	next.CreatedAt = now
	if exists {
		next.CreatedAt = prev.CreatedAt
	}

	s.rules[next.ID] = next
	if err := s.repo.Save(ctx, next); err != nil {
		if exists {
			s.rules[next.ID] = prev
		} else {
			delete(s.rules, next.ID)
		}
		metrics.RuleWritesTotal.WithLabelValues(op, "error").Inc()
		s.log.Error("rule write failed, rolled back", zap.String("rule_id", next.ID), zap.Error(err))
		return nil, &PersistenceError{Op: op, RuleID: next.ID, Err: err}
	}

	s.publishLocked()
	metrics.RuleWritesTotal.WithLabelValues(op, "ok").Inc()
	s.log.Info("rule stored", zap.String("op", op), zap.String("rule_id", next.ID), zap.Uint64("version", s.version))
	return cloneRule(next), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.rules[id]
	if !ok {
		return ErrRuleNotFound
	}

	delete(s.rules, id)
	if err := s.repo.Delete(ctx, id); err != nil {
		s.rules[id] = prev
		metrics.RuleWritesTotal.WithLabelValues("delete", "error").Inc()
		s.log.Error("rule delete failed, rolled back", zap.String("rule_id", id), zap.Error(err))
		return &PersistenceError{Op: "delete", RuleID: id, Err: err}
	}

	s.publishLocked()
	metrics.RuleWritesTotal.WithLabelValues("delete", "ok").Inc()
	s.log.Info("rule deleted", zap.String("rule_id", id), zap.Uint64("version", s.version))
	return nil
}

// publishLocked builds a fresh snapshot from s.rules. Caller holds s.mu.
func (s *Store) publishLocked() {
	active := make([]*data.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			active = append(active, r)
		}
	}
	sortRules(active)

	s.version++
	s.current.Store(&Snapshot{Version: s.version, Rules: active})
	metrics.RuleSetSize.Set(float64(len(active)))
}

func sortRules(rs []*data.Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

func cloneRule(r *data.Rule) *data.Rule {
	c := *r
	c.CameraScope = append([]string(nil), r.CameraScope...)
	c.Criteria.EventTypes = append([]string(nil), r.Criteria.EventTypes...)
	c.Criteria.Labels = append([]string(nil), r.Criteria.Labels...)
	c.Criteria.Zones = append([]string(nil), r.Criteria.Zones...)
	if r.Criteria.MinConfidence != nil {
		v := *r.Criteria.MinConfidence
		c.Criteria.MinConfidence = &v
	}
	if r.Criteria.MinDurationSeconds != nil {
		v := *r.Criteria.MinDurationSeconds
		c.Criteria.MinDurationSeconds = &v
	}
	if r.Criteria.MaxDurationSeconds != nil {
		v := *r.Criteria.MaxDurationSeconds
		c.Criteria.MaxDurationSeconds = &v
	}
	if r.Criteria.TimeOfDay != nil {
		w := *r.Criteria.TimeOfDay
		c.Criteria.TimeOfDay = &w
	}
	return &c
}
