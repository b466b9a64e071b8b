// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roomcast/roomcast/internal/logging"
)

// Scheduler periodically scans for calendars whose next_sync_at has passed
// and syncs each in its own goroutine, bounded by a concurrency limit.
type Scheduler struct {
	reconciler   *Reconciler
	store        Store
	scanInterval time.Duration

	cron    *cron.Cron
	sem     chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
}

// NewScheduler builds a scheduler scanning every scanInterval with at most
// maxConcurrent simultaneous calendar syncs.
func NewScheduler(reconciler *Reconciler, store Store, scanInterval time.Duration, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		reconciler:   reconciler,
		store:        store,
		scanInterval: scanInterval,
		sem:          make(chan struct{}, maxConcurrent),
	}
}

// Serve runs the scan loop until ctx is cancelled. It satisfies
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.baseCtx = ctx
	s.cron = cron.New()

	spec := fmt.Sprintf("@every %s", s.scanInterval)
	if _, err := s.cron.AddFunc(spec, func() { s.scan(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sync scan: %w", err)
	}

	logging.Info().Dur("scan_interval", s.scanInterval).Int("max_concurrent", cap(s.sem)).Msg("sync scheduler started")
	s.cron.Start()

	// Run one scan immediately so a restart does not wait a full interval.
	s.scan(ctx)

	<-ctx.Done()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
	logging.Info().Msg("sync scheduler stopped")
	return ctx.Err()
}

// scan launches a sync for every due calendar.
func (s *Scheduler) scan(ctx context.Context) {
	due, err := s.store.ListDueCalendars(ctx, time.Now())
	if err != nil {
		logging.Error().Err(err).Msg("due-calendar scan failed")
		return
	}
	for i := range due {
		s.launch(ctx, due[i].ID)
	}
}

// TriggerSync starts an immediate sync for one calendar, used by the manual
// sync endpoint. It returns once the sync is scheduled, not when it
// finishes.
func (s *Scheduler) TriggerSync(calendarID string) {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.launch(ctx, calendarID)
}

func (s *Scheduler) launch(ctx context.Context, calendarID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}

		// Run logs and records its own outcome; the scheduler only guards
		// against panics taking down the loop.
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error().Interface("panic", rec).Str("calendar_id", calendarID).Msg("sync panicked")
			}
		}()
		_ = s.reconciler.Run(ctx, calendarID)
	}()
}
