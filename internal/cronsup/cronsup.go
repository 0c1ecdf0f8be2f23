// Package cronsup implements the interval supervisor that re-runs a crawl
// on a fixed schedule (spec §4.8). Resolves the spec's Open Question on
// cron grammar by using a plain time.Duration interval rather than a
// cron-expression parser (see DESIGN.md).
package cronsup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunFunc performs one crawl run to completion. The supervisor calls it
// once immediately, then once per tick.
type RunFunc func(ctx context.Context) error

// Supervisor re-invokes a RunFunc on a fixed interval until its context is
// cancelled, logging each run's outcome and skipping a tick if the prior
// run is still in flight.
type Supervisor struct {
	interval time.Duration
	run      RunFunc
	log      *logrus.Entry
}

// New constructs a Supervisor. interval must be positive.
func New(interval time.Duration, run RunFunc, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{interval: interval, run: run, log: log}
}

// Start runs the schedule until ctx is cancelled. It always performs one
// run immediately before waiting for the first tick.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.runOnce(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.runOnce(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	start := time.Now()
	err := s.run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.log.WithError(err).WithField("elapsed", elapsed).Warn("scheduled crawl run failed")
		return err
	}
	s.log.WithField("elapsed", elapsed).Info("scheduled crawl run completed")
	return nil
}
