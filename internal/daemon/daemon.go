// Package daemon provides the background worker that keeps a writing
// workspace synchronized.
//
// The daemon:
// 1. Watches a drafts spool directory for manuscript files
// 2. Imports each <projectID>.md as chapters, then marks the file imported
// 3. Periodically drains the outbound queue and syncs configured projects
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inkwell-app/inkwell/internal/queue"
	"github.com/inkwell-app/inkwell/internal/remote"
	"github.com/inkwell-app/inkwell/internal/service"
	isync "github.com/inkwell-app/inkwell/internal/sync"
)

// importedSuffix marks spool files that have already been consumed.
const importedSuffix = ".imported"

// Config holds the daemon's configuration.
type Config struct {
	// SpoolDir is the drafts directory to watch for <projectID>.md files.
	SpoolDir string

	// SyncProjects lists project ids to push/pull on every tick.
	SyncProjects []string

	// SyncInterval is how often to drain the outbox and sync projects.
	SyncInterval time.Duration

	// DebounceInterval is how long a spool file must sit quiet before
	// import, so half-written saves are not picked up.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates spool imports and background synchronization.
type Daemon struct {
	chapters *service.Chapters
	engine   *isync.Engine
	outbox   *queue.Outbox
	client   remote.Client
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // spool path -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Chapters and config.SpoolDir are required; engine,
// outbox and client may be nil for a local-only workspace, which disables
// the sync tick but keeps the spool importer running.
func New(chapters *service.Chapters, engine *isync.Engine, outbox *queue.Outbox, client remote.Client, config *Config) (*Daemon, error) {
	if chapters == nil {
		return nil, fmt.Errorf("chapters service cannot be nil")
	}
	if config == nil || config.SpoolDir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Second
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		chapters:    chapters,
		engine:      engine,
		outbox:      outbox,
		client:      client,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled.
//
// On startup any spool files left over from a previous run are imported
// before watching begins, so a crash mid-import loses nothing.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.config.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := d.importPending(); err != nil {
		return fmt.Errorf("initial spool import failed: %w", err)
	}

	if err := d.watcher.Add(d.config.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", d.config.SpoolDir, err)
	}
	d.config.Logger.Printf("Watching: %s", d.config.SpoolDir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon and drains in-flight work.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.chapters.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// RunSyncOnce drains the outbox and syncs every configured project.
// Exposed for the CLI's manual "sync now".
func (d *Daemon) RunSyncOnce(ctx context.Context) error {
	if d.client == nil {
		return nil
	}

	if d.outbox != nil {
		delivered, err := d.outbox.Flush(ctx, d.client)
		if err != nil {
			d.config.Logger.Printf("Warning: outbox flush stopped after %d ops: %v", delivered, err)
		} else if delivered > 0 {
			d.config.Logger.Printf("Delivered %d queued ops", delivered)
		}
	}

	if d.engine == nil {
		return nil
	}
	var firstErr error
	for _, projectID := range d.config.SyncProjects {
		if err := d.engine.SyncChapters(ctx, projectID); err != nil {
			d.config.Logger.Printf("Warning: sync of project %s failed: %v", projectID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// importPending consumes every spool file that has not been imported yet.
func (d *Daemon) importPending() error {
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		path := filepath.Join(d.config.SpoolDir, entry.Name())
		if err := d.importSpoolFile(path); err != nil {
			d.config.Logger.Printf("Warning: failed to import %s: %v", path, err)
		}
	}
	return nil
}

// watchFileEvents queues spool file events for debounced processing.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isSpoolFile(filepath.Base(event.Name)) {
				continue
			}
			d.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue imports spool files once they have sat quiet for a
// full debounce interval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)

		if err := d.importSpoolFile(path); err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
	}
}

// importSpoolFile splits one manuscript into chapters, then renames the
// file so it is never imported twice. The rename happens only after a
// successful import.
func (d *Daemon) importSpoolFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read spool file: %w", err)
	}

	projectID := strings.TrimSuffix(filepath.Base(path), ".md")
	metas, err := d.chapters.ImportFromDocument(d.ctx, projectID, string(data), nil)
	if err != nil {
		return fmt.Errorf("failed to import document: %w", err)
	}
	d.config.Logger.Printf("Imported %d chapters into project %s", len(metas), projectID)

	if err := os.Rename(path, path+importedSuffix); err != nil {
		return fmt.Errorf("failed to mark %s imported: %w", path, err)
	}
	return nil
}

// syncLoop drains the outbox and syncs configured projects on a timer.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	if d.client == nil {
		return
	}

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunSyncOnce(d.ctx); err != nil {
				d.config.Logger.Printf("Warning: background sync: %v", err)
			}
		}
	}
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".md") && !strings.HasSuffix(name, importedSuffix)
}
