// Package maintenance runs the background sweeps: expiring unanswered
// permission prompts and purging stale magic links and API keys. Each sweep
// follows its own cron schedule and runs once immediately on start to catch
// anything that expired while the process was down.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/herolabs/hero/internal/config"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// TokenStore is the slice of the store the sweeper needs.
type TokenStore interface {
	PurgeExpiredMagicLinks(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpiredAPIKeys(ctx context.Context, cutoff time.Time) (int64, error)
}

// PromptPruner resolves prompts whose deadline passed.
type PromptPruner interface {
	PruneExpired(now time.Time) int
}

// job pairs a parsed schedule with the sweep it fires.
type job struct {
	name     string
	schedule cron.Schedule
	run      func(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper owns the cleanup loops. One goroutine per sweep.
type Sweeper struct {
	cfg    config.MaintenanceConfig
	store  TokenStore
	broker PromptPruner
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a sweeper. Blank schedules fall back to the config defaults.
func New(cfg config.MaintenanceConfig, tokens TokenStore, broker PromptPruner, logger *slog.Logger) *Sweeper {
	if cfg.PromptSweep == "" {
		cfg.PromptSweep = "*/30 * * * * *"
	}
	if cfg.TokenSweep == "" {
		cfg.TokenSweep = "0 */10 * * * *"
	}
	if cfg.MagicLinkRetention <= 0 {
		cfg.MagicLinkRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:    cfg,
		store:  tokens,
		broker: broker,
		logger: logger.With("component", "maintenance"),
	}
}

// Start launches one loop per sweep. A disabled config is a no-op; an
// unparsable schedule is an error.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	jobs, err := s.buildJobs()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, j := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}

	s.logger.Info("maintenance sweeps started",
		"prompt_sweep", s.cfg.PromptSweep,
		"token_sweep", s.cfg.TokenSweep,
		"magic_link_retention", s.cfg.MagicLinkRetention,
	)
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("maintenance sweeps stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the sweep loops are active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) buildJobs() ([]job, error) {
	promptSched, err := cronParser.Parse(s.cfg.PromptSweep)
	if err != nil {
		return nil, fmt.Errorf("parse prompt sweep schedule %q: %w", s.cfg.PromptSweep, err)
	}
	tokenSched, err := cronParser.Parse(s.cfg.TokenSweep)
	if err != nil {
		return nil, fmt.Errorf("parse token sweep schedule %q: %w", s.cfg.TokenSweep, err)
	}
	return []job{
		{name: "prompt_sweep", schedule: promptSched, run: s.sweepPrompts},
		{name: "token_sweep", schedule: tokenSched, run: s.sweepTokens},
	}, nil
}

func (s *Sweeper) loop(ctx context.Context, j job) {
	defer s.wg.Done()

	// Run immediately on start.
	s.runJob(ctx, j, time.Now())

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		next := j.schedule.Next(time.Now())
		if next.IsZero() {
			s.logger.Warn("schedule yields no future runs, stopping sweep", "job", j.name)
			return
		}
		timer.Reset(time.Until(next))

		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			s.runJob(ctx, j, now)
		}
	}
}

func (s *Sweeper) runJob(ctx context.Context, j job, now time.Time) {
	count, err := j.run(ctx, now)
	if err != nil {
		s.logger.Error("maintenance sweep failed", "job", j.name, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("maintenance sweep removed entries", "job", j.name, "count", count)
	}
}

func (s *Sweeper) sweepPrompts(_ context.Context, now time.Time) (int64, error) {
	return int64(s.broker.PruneExpired(now)), nil
}

// sweepTokens deletes magic links and API keys whose expiry passed more than
// the retention window ago. Recently expired credentials stay around for
// audit.
func (s *Sweeper) sweepTokens(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.MagicLinkRetention)
	links, err := s.store.PurgeExpiredMagicLinks(ctx, cutoff)
	if err != nil {
		return links, fmt.Errorf("purge magic links: %w", err)
	}
	keys, err := s.store.PurgeExpiredAPIKeys(ctx, cutoff)
	if err != nil {
		return links, fmt.Errorf("purge api keys: %w", err)
	}
	return links + keys, nil
}
