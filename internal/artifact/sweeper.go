package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper deletes local artifacts older than Retention on a cron schedule.
type Sweeper struct {
	Dir       string
	Retention time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time

	// OnRemove is called with the number of files each sweep deleted.
	OnRemove func(n int)

	cron *cron.Cron
}

func NewSweeper(dir string, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Dir:       dir,
		Retention: retention,
		Interval:  interval,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc("@every "+s.Interval.String(), s.run); err != nil {
		return fmt.Errorf("schedule artifact sweeper: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop unschedules the sweeper and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	n, err := s.Sweep(context.Background())
	if err != nil {
		s.Logger.Warn("artifact sweep failed", "error", err)
	}
	if n > 0 {
		s.Logger.Info("removed expired artifacts", "count", n)
	}
	if s.OnRemove != nil {
		s.OnRemove(n)
	}
}

// Sweep removes artifacts last modified before now minus Retention. Pending
// files from in-flight packaging are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list artifacts: %w", err)
	}
	cutoff := s.Now().Add(-s.Retention)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.Type().IsRegular() || !nameRe.MatchString(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, e.Name())); err != nil && !os.IsNotExist(err) {
			s.Logger.Warn("remove expired artifact", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
