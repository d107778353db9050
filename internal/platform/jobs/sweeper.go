// Package jobs runs periodic maintenance across tenant schemas.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Completer marks elapsed appointments in the tenant bound to ctx.
type Completer interface {
	CompleteElapsed(ctx context.Context) (int64, error)
}

// TenantLister returns the ids of every provisioned tenant.
type TenantLister func(ctx context.Context) ([]string, error)

// TenantScope runs fn with ctx bound to the tenant's schema.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// Sweeper completes confirmed appointments that have ended, one tenant at a
// time, on a cron schedule.
type Sweeper struct {
	completer Completer
	tenants   TenantLister
	scope     TenantScope
	timeout   time.Duration
	logger    zerolog.Logger
	cron      *cron.Cron
}

func NewSweeper(completer Completer, tenants TenantLister, scope TenantScope, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		completer: completer,
		tenants:   tenants,
		scope:     scope,
		timeout:   time.Minute,
		logger:    logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start schedules the sweep. spec is any robfig/cron expression, including
// descriptors such as "@every 5m".
func (s *Sweeper) Start(spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info().Str("schedule", spec).Msg("completion sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce sweeps every tenant and returns the total number of appointments
// completed. A failing tenant is logged and skipped.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.tenants(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list tenants for sweep")
		return 0
	}

	var total int64
	for _, id := range ids {
		var n int64
		err := s.scope(ctx, id, func(ctx context.Context) error {
			var err error
			n, err = s.completer.CompleteElapsed(ctx)
			return err
		})
		if err != nil {
			s.logger.Error().Err(err).Str("tenant", id).Msg("completion sweep failed")
			continue
		}
		if n > 0 {
			s.logger.Info().Str("tenant", id).Int64("completed", n).Msg("elapsed appointments completed")
		}
		total += n
	}
	return total
}
