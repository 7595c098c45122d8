package workarea

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// ErrSweepLocked is returned when another sweeper holds the lock.
var ErrSweepLocked = errors.New("workarea: sweep already running")

const lockName = ".sweeper.lock"

// Sweep removes every job directory whose modification time is older than
// maxAge. Plain files in the root (staging files, the lock) are skipped.
// Running it twice removes nothing new.
func (a *Area) Sweep(now time.Time, maxAge time.Duration) ([]string, error) {
	list, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("workarea: list root: %w", err)
	}

	cutoff := now.Add(-maxAge)
	var removed []string
	var errs []error
	for _, e := range list {
		if !e.IsDir() || !core.IsValidJobID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.root, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.Name(), err))
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errors.Join(errs...)
}

// Sweeper runs Sweep under a file lock so only one sweeper process works on
// a root at a time.
type Sweeper struct {
	area   *Area
	maxAge time.Duration
	lock   *flock.Flock
	logger *slog.Logger
	now    func() time.Time

	// OnRemoved is called with the number of directories each pass removed.
	OnRemoved func(n int)
}

// NewSweeper creates a sweeper for area.
func NewSweeper(area *Area, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		area:   area,
		maxAge: maxAge,
		lock:   flock.New(filepath.Join(area.Root(), lockName)),
		logger: logger,
		now:    time.Now,
	}
}

// RunOnce performs one locked pass.
func (s *Sweeper) RunOnce() ([]string, error) {
	ok, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrSweepLocked
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release sweep lock", "error", err)
		}
	}()

	removed, err := s.area.Sweep(s.now(), s.maxAge)
	if len(removed) > 0 {
		s.logger.Info("swept job directories", "count", len(removed), "max_age", s.maxAge.String())
	}
	if s.OnRemoved != nil {
		s.OnRemoved(len(removed))
	}
	return removed, err
}
