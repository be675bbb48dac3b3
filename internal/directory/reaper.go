package directory

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/pkg/logger"
)

const (
	defaultReapSchedule = "@every 1m"
	defaultIdleTTL      = 10 * time.Minute
	reapTimeout         = 30 * time.Second
)

// Caller runs a function on the event loop and waits for its result.
type Caller interface {
	Call(ctx context.Context, fn func() error) error
}

// Reaper periodically releases documents that stayed idle longer than a TTL.
type Reaper struct {
	dir      *Directory
	loop     Caller
	cron     *cron.Cron
	log      *zap.Logger
	schedule string
	ttl      time.Duration
}

// ReaperOption customises the Reaper.
type ReaperOption func(*Reaper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) ReaperOption {
	return func(r *Reaper) {
		if c != nil {
			r.cron = c
		}
	}
}

// WithSchedule overrides the cron specification of the reap job.
func WithSchedule(spec string) ReaperOption {
	return func(r *Reaper) {
		if spec != "" {
			r.schedule = spec
		}
	}
}

// WithIdleTTL sets how long a document may stay idle before it is released.
func WithIdleTTL(ttl time.Duration) ReaperOption {
	return func(r *Reaper) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewReaper constructs a Reaper for dir. Reaping runs on loop.
func NewReaper(dir *Directory, loop Caller, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		dir:      dir,
		loop:     loop,
		schedule: defaultReapSchedule,
		ttl:      defaultIdleTTL,
		log:      logger.WithModule("directory"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.cron == nil {
		r.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return r
}

// TTL returns the idle time after which documents are released.
func (r *Reaper) TTL() time.Duration {
	return r.ttl
}

// Start registers the reap job and launches the scheduler.
func (r *Reaper) Start() error {
	if r.dir == nil || r.loop == nil {
		return errors.New("reaper: directory and loop are required")
	}

	if _, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Warn("idle document reaping failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	r.cron.Start()
	return nil
}

// Stop halts the scheduler. The returned context is done once a running job finished.
func (r *Reaper) Stop() context.Context {
	if r.cron == nil {
		return context.Background()
	}
	return r.cron.Stop()
}

// RunOnce releases the expired documents now and returns their names.
func (r *Reaper) RunOnce(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var released []string
	err := r.loop.Call(ctx, func() error {
		released = r.dir.ReapIdle(r.ttl)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(released) > 0 {
		r.log.Info("released idle documents", zap.Strings("documents", released), zap.Duration("ttl", r.ttl))
	}
	return released, nil
}
