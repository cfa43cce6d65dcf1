package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/copilot"
	"github.com/jholhewres/sentra/pkg/sentra/history"
	"github.com/jholhewres/sentra/pkg/sentra/scheduler"
)

const (
	jobCacheSweep   = "cache-sweep"
	jobHistoryPrune = "history-prune"
)

// cacheSweeper and pairRotator are the storage operations behind the
// maintenance jobs.
type cacheSweeper interface {
	Sweep(ttl time.Duration) (int64, error)
}

type pairRotator interface {
	Rotate(keep int) (int64, error)
}

// registerMaintenanceJobs adds the cache sweep and the history prune. A job
// whose storage is nil is skipped.
func registerMaintenanceJobs(s *scheduler.Scheduler, cfg *copilot.Config, cache cacheSweeper, pairs pairRotator, logger *slog.Logger) {
	if cache != nil {
		ttl := cfg.History.CacheTTL
		err := s.Add(jobCacheSweep, cfg.Scheduler.CacheSweep, func(context.Context) error {
			n, err := cache.Sweep(ttl)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("message cache swept", "removed", n, "ttl", ttl)
			}
			return nil
		})
		if err != nil {
			logger.Error("failed to register job", "job", jobCacheSweep, "error", err)
		}
	}

	if pairs != nil {
		keep := cfg.History.MaxConversationPairs
		err := s.Add(jobHistoryPrune, cfg.Scheduler.HistoryPrune, func(context.Context) error {
			n, err := pairs.Rotate(keep)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("history pruned", "removed", n, "keep_per_group", keep)
			}
			return nil
		})
		if err != nil {
			logger.Error("failed to register job", "job", jobHistoryPrune, "error", err)
		}
	}
}

var (
	_ cacheSweeper = (*history.MessageCache)(nil)
	_ pairRotator  = (*history.SQLitePairStore)(nil)
)
