package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// VaultCollection is the retrieval collection vault notes sync into.
const VaultCollection = "vault"

// syncWorkers bounds parallel re-ingestion during a sync run.
const syncWorkers = 4

// TriggerSync starts a sync run in the background. When a run is
// already in flight the trigger returns immediately with
// SyncAlreadyRunning; nothing queues.
func (s *Scheduler) TriggerSync(ctx context.Context) SyncStatus {
	if !s.syncMu.TryLock() {
		return SyncAlreadyRunning
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.syncMu.Unlock()
		s.runSync(ctx)
	}()
	return SyncStarted
}

// SyncNow runs a sync synchronously. Returns SyncAlreadyRunning without
// blocking when another run holds the sync.
func (s *Scheduler) SyncNow(ctx context.Context) (SyncState, SyncStatus) {
	if !s.syncMu.TryLock() {
		return s.SyncStatus(), SyncAlreadyRunning
	}
	defer s.syncMu.Unlock()

	s.runSync(ctx)
	return s.SyncStatus(), SyncStarted
}

// SyncStatus returns a snapshot of the sync job's state.
func (s *Scheduler) SyncStatus() SyncState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// runSync walks the vault, re-ingests new and changed notes, and drops
// sources whose files disappeared. Caller holds syncMu.
func (s *Scheduler) runSync(ctx context.Context) {
	started := time.Now()
	s.stateMu.Lock()
	s.state.Running = true
	s.state.LastStarted = started
	s.stateMu.Unlock()

	var processed, removed, errCount int64
	defer func() {
		s.stateMu.Lock()
		s.state.Running = false
		s.state.LastFinished = time.Now()
		s.state.Processed = int(processed)
		s.state.Removed = int(removed)
		s.state.Errors = int(errCount)
		s.stateMu.Unlock()
	}()

	notes, err := s.vault.List("")
	if err != nil {
		s.logger.Error("sync: vault walk failed", "error", err)
		errCount++
		return
	}

	known := make(map[string]time.Time)
	if sources, err := s.engine.Sources(ctx, VaultCollection); err != nil {
		s.logger.Warn("sync: listing sources failed, re-ingesting everything", "error", err)
	} else {
		for _, src := range sources {
			known[src.Name] = src.UpdatedAt
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncWorkers)

	seen := make(map[string]bool, len(notes))
	for _, note := range notes {
		if s.excluded(note.Path) {
			continue
		}
		seen[note.Path] = true

		lastIngested, exists := known[note.Path]
		if exists && !note.ModTime.After(lastIngested) {
			continue
		}

		note := note
		g.Go(func() error {
			content, err := s.vault.Read(note.Path)
			if err != nil {
				s.logger.Warn("sync: read failed", "path", note.Path, "error", err)
				atomic.AddInt64(&errCount, 1)
				return nil
			}
			if _, err := s.engine.Ingest(gctx, VaultCollection, note.Path, content); err != nil {
				s.logger.Warn("sync: ingest failed", "path", note.Path, "error", err)
				atomic.AddInt64(&errCount, 1)
				return nil
			}
			atomic.AddInt64(&processed, 1)
			return nil
		})
	}
	_ = g.Wait()

	// Sources without a backing file are stale captures of deleted notes.
	for name := range known {
		if seen[name] || s.excluded(name) {
			continue
		}
		if err := s.engine.DeleteSource(ctx, VaultCollection, name); err != nil {
			s.logger.Warn("sync: delete source failed", "source", name, "error", err)
			errCount++
			continue
		}
		removed++
	}

	s.logger.Info("sync completed",
		"processed", processed,
		"removed", removed,
		"errors", errCount,
		"duration", time.Since(started),
	)
}

// excluded reports whether a vault-relative path falls under a
// configured exclusion prefix.
func (s *Scheduler) excluded(relPath string) bool {
	norm := filepath.ToSlash(relPath)
	for _, prefix := range s.cfg.Exclude {
		p := strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if p == "" {
			continue
		}
		if norm == p || strings.HasPrefix(norm, p+"/") {
			return true
		}
	}
	return false
}

// syncLoop triggers a sync on the configured interval.
func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Interval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status := s.TriggerSync(ctx); status == SyncAlreadyRunning {
				s.logger.Debug("interval sync skipped, run in flight")
			}
		}
	}
}

// watchVault registers an fsnotify watcher over the vault tree and
// triggers a sync after a quiet period following file events.
func (s *Scheduler) watchVault(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the root and every subdirectory; fsnotify is not recursive.
	root := s.vault.Root()
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return err
	}
	notes, err := s.vault.List("")
	if err == nil {
		dirs := make(map[string]bool)
		for _, note := range notes {
			dir := filepath.Dir(note.Path)
			for dir != "." && dir != "/" && !dirs[dir] {
				dirs[dir] = true
				_ = watcher.Add(filepath.Join(root, dir))
				dir = filepath.Dir(dir)
			}
		}
	}

	debounce := s.cfg.WatchDebounce.Std()
	if debounce <= 0 {
		debounce = 5 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(event.Name)
				if strings.HasPrefix(name, ".") {
					continue
				}
				// New directories join the watch so nested edits are seen.
				if event.Has(fsnotify.Create) {
					_ = watcher.Add(event.Name)
				}
				if timer == nil {
					timer = time.AfterFunc(debounce, func() {
						s.TriggerSync(ctx)
					})
				} else {
					timer.Reset(debounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("vault watch error", "error", err)
			}
		}
	}()

	return nil
}
