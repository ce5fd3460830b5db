// Package scheduler writes .kot backups on a fixed interval and prunes old ones.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/restopos/kotsync/internal/export"
	"github.com/restopos/kotsync/internal/logging"
)

// DefaultDir is used when Config.Dir is empty.
const DefaultDir = "backups"

// Config holds the scheduler configuration.
type Config struct {
	Interval       time.Duration // 0 disables automatic backups
	RetentionCount int           // backups to keep, 0 keeps all
	Dir            string
}

// Scheduler manages automatic backups.
type Scheduler struct {
	exporter export.Exporter
	config   Config

	mu      sync.Mutex // serializes runs
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a backup scheduler.
func New(exporter export.Exporter, config Config) *Scheduler {
	if config.Dir == "" {
		config.Dir = DefaultDir
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	return &Scheduler{
		exporter: exporter,
		config:   config,
		stopCh:   make(chan struct{}),
	}
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.config
}

// Start takes an initial backup and then one per interval until ctx is
// cancelled or Stop is called. With a zero interval it does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == 0 {
		logging.Info("automatic backups disabled")
		return nil
	}
	if s.config.Interval < 0 {
		return fmt.Errorf("invalid backup interval %s", s.config.Interval)
	}

	logging.Info("backup scheduler started", map[string]interface{}{
		"interval":  s.config.Interval.String(),
		"retention": s.config.RetentionCount,
		"dir":       s.config.Dir,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.runLogged(ctx, "initial backup failed")
		for {
			select {
			case <-ticker.C:
				s.runLogged(ctx, "scheduled backup failed")
			case <-s.stopCh:
				logging.Info("backup scheduler stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop shuts the scheduler down and waits for a running backup to finish.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) runLogged(ctx context.Context, msg string) {
	if _, err := s.RunOnce(ctx); err != nil {
		logging.Error(msg, err)
	}
}

// RunOnce writes one backup and applies the retention policy.
func (s *Scheduler) RunOnce(ctx context.Context) (*export.ExportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.exporter.ExportToFile(ctx, s.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("backup failed: %w", err)
	}

	if s.config.RetentionCount > 0 {
		// Retention failures never fail the backup itself.
		if err := s.applyRetentionPolicy(); err != nil {
			logging.Error("backup retention failed", err)
		}
	}
	return result, nil
}

// applyRetentionPolicy removes the oldest backups beyond the retention count.
func (s *Scheduler) applyRetentionPolicy() error {
	backups, err := List(s.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(backups) <= s.config.RetentionCount {
		return nil
	}

	for _, b := range backups[:len(backups)-s.config.RetentionCount] {
		if err := os.Remove(b.Path); err != nil {
			logging.Warn("failed to delete old backup", map[string]interface{}{
				"path":  b.Path,
				"error": err.Error(),
			})
			continue
		}
		logging.Info("deleted old backup", map[string]interface{}{"path": b.Path})
	}
	return nil
}

// BackupInfo describes a backup file.
type BackupInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// List returns the backups in dir, oldest first. Backup names embed their
// UTC creation time, so name order is creation order.
func List(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []BackupInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), export.FileExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:      e.Name(),
			Path:      filepath.Join(dir, e.Name()),
			SizeBytes: fi.Size(),
			ModTime:   fi.ModTime(),
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Name < backups[j].Name })
	return backups, nil
}
