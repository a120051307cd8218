package processor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/inboxd/internal/services"
	"github.com/charlesng35/inboxd/pkg/logger"
)

const (
	defaultFanOutSpec      = "@every 1m"
	defaultDispatchSpec    = "@every 1m"
	defaultMaintenanceSpec = "@daily"
)

// Processor drives the background pipeline: expanding due messages, moving
// delivery records to a terminal status, and enforcing retention. Any nil
// service results in the corresponding job being skipped.
type Processor struct {
	fanout    *services.FanOutService
	dispatch  *services.DispatchService
	retention *services.RetentionService
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger

	fanOutSchedule      string
	dispatchSchedule    string
	maintenanceSchedule string
}

// Option customises the Processor.
type Option func(*Processor)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(p *Processor) {
		if c != nil {
			p.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithFanOutSchedule overrides the cron specification for message fan-out.
func WithFanOutSchedule(spec string) Option {
	return func(p *Processor) {
		if spec != "" {
			p.fanOutSchedule = spec
		}
	}
}

// WithDispatchSchedule overrides the cron specification for delivery dispatch.
func WithDispatchSchedule(spec string) Option {
	return func(p *Processor) {
		if spec != "" {
			p.dispatchSchedule = spec
		}
	}
}

// WithMaintenanceSchedule overrides the cron specification for retention maintenance.
func WithMaintenanceSchedule(spec string) Option {
	return func(p *Processor) {
		if spec != "" {
			p.maintenanceSchedule = spec
		}
	}
}

// New constructs a Processor with sensible defaults.
func New(fanout *services.FanOutService, dispatch *services.DispatchService, retention *services.RetentionService, opts ...Option) *Processor {
	p := &Processor{
		fanout:              fanout,
		dispatch:            dispatch,
		retention:           retention,
		now:                 time.Now,
		fanOutSchedule:      defaultFanOutSpec,
		dispatchSchedule:    defaultDispatchSpec,
		maintenanceSchedule: defaultMaintenanceSpec,
		log:                 logger.WithModule("processor"),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.cron == nil {
		p.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return p
}

// Start registers the jobs with the cron scheduler and launches it.
func (p *Processor) Start() error {
	if p.fanout != nil {
		if _, err := p.cron.AddFunc(p.fanOutSchedule, func() {
			if _, err := p.fanout.ProcessAll(context.Background()); err != nil {
				p.log.Warn("message fan-out failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if p.dispatch != nil {
		if _, err := p.cron.AddFunc(p.dispatchSchedule, func() {
			if _, err := p.dispatch.ProcessAll(context.Background()); err != nil {
				p.log.Warn("delivery dispatch failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if p.retention != nil {
		if _, err := p.cron.AddFunc(p.maintenanceSchedule, func() {
			if _, err := p.retention.MaintainAll(context.Background()); err != nil {
				p.log.Warn("retention maintenance failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	p.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (p *Processor) Stop() context.Context {
	if p.cron == nil {
		return context.Background()
	}
	return p.cron.Stop()
}

// RunOnce executes every configured job sequentially. Used by the cron
// trigger endpoints and during graceful shutdown.
func (p *Processor) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if p.fanout != nil {
		if _, err := p.fanout.ProcessAll(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if p.dispatch != nil {
		if _, err := p.dispatch.ProcessAll(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if p.retention != nil {
		if _, err := p.retention.MaintainAll(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// ProcessMessages runs only the fan-out stage. Exposed for the cron endpoint.
func (p *Processor) ProcessMessages(ctx context.Context) (int, error) {
	if p.fanout == nil {
		return 0, nil
	}
	return p.fanout.ProcessAll(ctx)
}

// ProcessDeliveries runs only the dispatch stage. Exposed for the cron endpoint.
func (p *Processor) ProcessDeliveries(ctx context.Context) (int, error) {
	if p.dispatch == nil {
		return 0, nil
	}
	return p.dispatch.ProcessAll(ctx)
}

// Maintain runs only the retention stage. Exposed for the cron endpoint.
func (p *Processor) Maintain(ctx context.Context) (int, error) {
	if p.retention == nil {
		return 0, nil
	}
	return p.retention.MaintainAll(ctx)
}
