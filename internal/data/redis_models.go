package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RuleModel struct {
	Client redis.UniversalClient
}

func (m RuleModel) Save(ctx context.Context, r *Rule) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule %s: %w", r.ID, err)
	}
	return m.Client.HSet(ctx, keyRules, r.ID, payload).Err()
}

func (m RuleModel) Delete(ctx context.Context, id string) error {
	return m.Client.HDel(ctx, keyRules, id).Err()
}

func (m RuleModel) LoadAll(ctx context.Context) ([]*Rule, error) {
	raw, err := m.Client.HGetAll(ctx, keyRules).Result()
	if err != nil {
		return nil, err
	}
	rules := make([]*Rule, 0, len(raw))
	for id, v := range raw {
		var r Rule
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode rule %s: %w", id, err)
		}
		rules = append(rules, &r)
	}
	return rules, nil
}

// createDecision inserts the decision only if the event has none yet, and
// indexes it in the same step.
// KEYS: decision, rule index, recent list.
// ARGV: payload, event id, matched flag, recent cap, rule index cap.
var createDecision = redis.NewScript(`
	if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
		return redis.call("GET", KEYS[1])
	end
	if ARGV[3] == "1" then
		redis.call("RPUSH", KEYS[2], ARGV[2])
		redis.call("LTRIM", KEYS[2], -tonumber(ARGV[5]), -1)
	end
	redis.call("LPUSH", KEYS[3], ARGV[2])
	redis.call("LTRIM", KEYS[3], 0, tonumber(ARGV[4]) - 1)
	return false
`)

type DecisionModel struct {
	Client redis.UniversalClient
}

func (m DecisionModel) Create(ctx context.Context, d *RoutingDecision) (*RoutingDecision, bool, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, false, fmt.Errorf("marshal decision: %w", err)
	}

	matched := "0"
	ruleKey := fmt.Sprintf(keyRuleEventsFmt, "")
	if d.MatchedRuleID != nil {
		matched = "1"
		ruleKey = fmt.Sprintf(keyRuleEventsFmt, *d.MatchedRuleID)
	}

	keys := []string{fmt.Sprintf(keyDecisionFmt, d.EventID), ruleKey, keyRecentEvents}
	existing, err := createDecision.Run(ctx, m.Client, keys, payload, d.EventID, matched, recentEventsCap, ruleEventsCap).Text()
	if errors.Is(err, redis.Nil) {
		return d, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stored RoutingDecision
	if err := json.Unmarshal([]byte(existing), &stored); err != nil {
		return nil, false, fmt.Errorf("decode decision %s: %w", d.EventID, err)
	}
	return &stored, false, nil
}

func (m DecisionModel) Get(ctx context.Context, eventID string) (*RoutingDecision, error) {
	raw, err := m.Client.Get(ctx, fmt.Sprintf(keyDecisionFmt, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var d RoutingDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode decision %s: %w", eventID, err)
	}
	return &d, nil
}

// ListEventsByRule returns the most recent event ids routed by ruleID, oldest first.
func (m DecisionModel) ListEventsByRule(ctx context.Context, ruleID string, limit int) ([]string, error) {
	return m.Client.LRange(ctx, fmt.Sprintf(keyRuleEventsFmt, ruleID), -int64(limit), -1).Result()
}

// ListRecentEvents returns recently decided event ids, newest first.
func (m DecisionModel) ListRecentEvents(ctx context.Context, limit int) ([]string, error) {
	return m.Client.LRange(ctx, keyRecentEvents, 0, int64(limit)-1).Result()
}

// EventModel keeps normalized events by id. They expire after Retention.
type EventModel struct {
	Client    redis.UniversalClient
	Retention time.Duration
}

func (m EventModel) Save(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}
	ttl := m.Retention
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return m.Client.Set(ctx, fmt.Sprintf(keyEventFmt, evt.ID), payload, ttl).Err()
}

func (m EventModel) Get(ctx context.Context, id string) (*Event, error) {
	raw, err := m.Client.Get(ctx, fmt.Sprintf(keyEventFmt, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &evt, nil
}

type AttemptModel struct {
	Client redis.UniversalClient
}

func (m AttemptModel) Append(ctx context.Context, a *DispatchAttempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	return m.Client.RPush(ctx, fmt.Sprintf(keyAttemptsFmt, a.EventID), payload).Err()
}

func (m AttemptModel) List(ctx context.Context, eventID string) ([]DispatchAttempt, error) {
	raw, err := m.Client.LRange(ctx, fmt.Sprintf(keyAttemptsFmt, eventID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	attempts := make([]DispatchAttempt, 0, len(raw))
	for _, v := range raw {
		var a DispatchAttempt
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode attempt for %s: %w", eventID, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

type FailureModel struct {
	Client redis.UniversalClient
}

func (m FailureModel) Record(ctx context.Context, f *EventFailure) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	return m.Client.HSet(ctx, keyFailures, f.EventID, payload).Err()
}

func (m FailureModel) Get(ctx context.Context, eventID string) (*EventFailure, error) {
	raw, err := m.Client.HGet(ctx, keyFailures, eventID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var f EventFailure
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode failure %s: %w", eventID, err)
	}
	return &f, nil
}

// OffsetModel keeps the last acknowledged event timestamp per source as
// fractional unix seconds, the unit Frigate filters on.
type OffsetModel struct {
	Client redis.UniversalClient
}

func (m OffsetModel) GetOffset(ctx context.Context, source string) (time.Time, error) {
	raw, err := m.Client.Get(ctx, fmt.Sprintf(keyOffsetFmt, source)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrRecordNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode offset %s: %w", source, err)
	}
	return UnixFloat(secs), nil
}

func (m OffsetModel) SetOffset(ctx context.Context, source string, ts time.Time) error {
	return m.Client.Set(ctx, fmt.Sprintf(keyOffsetFmt, source), strconv.FormatFloat(ToUnixFloat(ts), 'f', 6, 64), 0).Err()
}

// UnixFloat converts fractional unix seconds to a UTC time with microsecond precision.
func UnixFloat(secs float64) time.Time {
	return time.UnixMicro(int64(math.Round(secs * 1e6))).UTC()
}

func ToUnixFloat(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
