package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyAudit   = "router:audit"
	defaultCap = 10000
)

// Service keeps the audit trail as a capped Redis list, newest first.
// Entries that cannot be written are spooled to disk and replayed later.
type Service struct {
	client redis.UniversalClient
	spool  *Spool
	cap    int64
	log    *zap.Logger
	now    func() time.Time
}

// NewService wires the trail. spool may be nil, in which case failed writes
// are only logged.
func NewService(client redis.UniversalClient, spool *Spool, capacity int, log *zap.Logger) *Service {
	if capacity <= 0 {
		capacity = defaultCap
	}
	return &Service{
		client: client,
		spool:  spool,
		cap:    int64(capacity),
		log:    log.Named("audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Write appends e. It only fails when the entry could be neither stored
// nor spooled.
func (s *Service) Write(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	err := s.push(ctx, e)
	if err == nil {
		return nil
	}
	if s.spool == nil {
		s.log.Error("audit entry lost", zap.String("action", e.Action), zap.String("target_id", e.TargetID), zap.Error(err))
		return err
	}
	s.log.Warn("audit store unavailable, spooling", zap.String("entry_id", e.ID.String()), zap.Error(err))
	if spoolErr := s.spool.Append(e); spoolErr != nil {
		return fmt.Errorf("audit entry %s lost: %w", e.ID, spoolErr)
	}
	return nil
}

func (s *Service) push(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, keyAudit, payload)
		p.LTrim(ctx, keyAudit, 0, s.cap-1)
		return nil
	})
	return err
}

// List returns up to limit entries, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := s.client.LRange(ctx, keyAudit, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Warn("skipping unreadable audit entry", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// StartReplayer flushes the spool back into Redis every interval.
func (s *Service) StartReplayer(ctx context.Context, interval time.Duration) {
	if s.spool == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Replay(ctx)
			}
		}
	}()
}

// Replay pushes spooled entries to Redis. Entries that still fail go back
// to the spool.
func (s *Service) Replay(ctx context.Context) {
	flushed, err := s.spool.Drain(func(e Entry) error {
		return s.push(ctx, e)
	})
	if err != nil {
		s.log.Warn("audit replay failed", zap.Error(err))
	}
	if flushed > 0 {
		s.log.Info("audit spool flushed", zap.Int("entries", flushed))
	}
}
