package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/jobs"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/store"
	"golang.org/x/sync/errgroup"
)

// publisher is the part of the queue a pass needs.
type publisher interface {
	jobs.Publisher
	Drain(ctx context.Context) error
}

type worker struct {
	store       store.TransactionStore
	queue       publisher
	jobs        jobs.JobStore
	concurrency int
}

type passResult struct {
	Users  int
	Jobs   int
	Failed int
}

// refreshStages is a full refresh for one user. Recurring detection and
// budgets both read transfer flags, so they run only after the transfer
// stage has drained.
func refreshStages(userID string, period datecalc.Period) [][]*jobs.RecomputeJob {
	p := period
	return [][]*jobs.RecomputeJob{
		{{Kind: jobs.KindRecomputeTransfers, UserID: userID}},
		{
			{Kind: jobs.KindRecomputeRecurring, UserID: userID},
			{Kind: jobs.KindRecomputeBudgets, UserID: userID, Period: &p},
		},
	}
}

const refreshStageCount = 2

// runPass publishes a refresh for every user stage by stage, draining the
// queue between stages, and counts the jobs of this pass that failed for good.
func (w *worker) runPass(ctx context.Context, period datecalc.Period) (passResult, error) {
	log := logger.FromContext(ctx)
	started := time.Now().UTC()

	users, err := w.store.ListUserIDs(ctx)
	if err != nil {
		return passResult{}, fmt.Errorf("runPass: listing users: %w", err)
	}
	if len(users) == 0 {
		return passResult{}, nil
	}

	var published atomic.Int64
	for stage := 0; stage < refreshStageCount; stage++ {
		g, gctx := errgroup.WithContext(ctx)
		if w.concurrency > 0 {
			g.SetLimit(w.concurrency)
		}
		for _, userID := range users {
			g.Go(func() error {
				for _, job := range refreshStages(userID, period)[stage] {
					if err := w.queue.Publish(gctx, job); err != nil {
						return fmt.Errorf("publishing %s for %s: %w", job.Kind, userID, err)
					}
					published.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return passResult{}, fmt.Errorf("runPass: %w", err)
		}
		if err := w.queue.Drain(ctx); err != nil {
			return passResult{}, fmt.Errorf("runPass: %w", err)
		}
		log.Debug().Int("stage", stage).Int("users", len(users)).Int64("jobs", published.Load()).Msg("Refresh stage drained")
	}

	failed, err := w.jobs.ListJobs(ctx, jobs.JobFilter{Status: jobs.JobStatusFailed})
	if err != nil {
		return passResult{}, fmt.Errorf("runPass: listing failed jobs: %w", err)
	}
	res := passResult{Users: len(users), Jobs: int(published.Load())}
	for _, j := range failed {
		if !j.CreatedAt.Before(started) {
			res.Failed++
			log.Warn().Str("job_id", j.JobID).Str("kind", string(j.Kind)).Str("user_id", j.UserID).
				Str("error", j.Error).Msg("Refresh job failed")
		}
	}
	return res, nil
}
