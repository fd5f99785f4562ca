package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/core"
	"github.com/deckhand-ai/deckhand/internal/search"
	"github.com/deckhand-ai/deckhand/internal/store"
)

// Scheduler prunes finished runs past their retention age: the run record,
// its scoped task tables and its search documents. With a redis-backed store
// a SetNX lock keeps replicas from pruning concurrently.
type Scheduler struct {
	Config *config.Config
	KV     store.KV
	Runs   *core.RunStore
	Index  *search.Index
	Rdb    *redis.Client
	Stop   chan struct{}

	lastSweep time.Time
	logger    *log.Logger
}

func (s *Scheduler) Start() {
	s.logger = log.New(log.Writer(), "[RETENTION] ", log.LstdFlags)
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if s.due() {
					s.sweep()
				}
			}
		}
	}()
}

// due evaluates the retention cron against the last sweep time. Supports
// "@daily", "@hourly" and standard cron expressions.
func (s *Scheduler) due() bool {
	now := time.Now()
	spec := s.Config.Server.Retention.Cron
	switch spec {
	case "@daily":
		return s.lastSweep.IsZero() || now.Sub(s.lastSweep) >= 24*time.Hour
	case "@hourly":
		return s.lastSweep.IsZero() || now.Sub(s.lastSweep) >= time.Hour
	default:
		expr, err := cronexpr.Parse(spec)
		if err != nil {
			// invalid spec degrades to daily
			return s.lastSweep.IsZero() || now.Sub(s.lastSweep) >= 24*time.Hour
		}
		if s.lastSweep.IsZero() {
			return true
		}
		return !expr.Next(s.lastSweep).After(now)
	}
}

func (s *Scheduler) sweep() {
	ctx := context.Background()
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[RETENTION] ", log.LstdFlags)
	}
	s.lastSweep = time.Now()

	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "retention:lock", "1", 2*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "retention:lock")
	}

	runs, err := s.Runs.List(ctx)
	if err != nil {
		s.logger.Printf("list runs: %v", err)
		return
	}
	cutoff := time.Now().Add(-s.Config.Server.Retention.MaxAge)
	pruned := 0
	for _, run := range runs {
		if !run.Finished() || run.UpdatedAt.After(cutoff) {
			continue
		}
		if err := core.DropRun(ctx, s.KV, run.ID); err != nil {
			s.logger.Printf("drop run %s: %v", run.ID, err)
			continue
		}
		if err := s.Runs.Delete(ctx, run.ID); err != nil {
			s.logger.Printf("delete run %s: %v", run.ID, err)
			continue
		}
		if s.Index != nil {
			if err := s.Index.RemoveDeck(run.ID); err != nil {
				s.logger.Printf("deindex run %s: %v", run.ID, err)
			}
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Printf("pruned %d runs older than %s", pruned, s.Config.Server.Retention.MaxAge)
	}
}
