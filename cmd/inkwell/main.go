package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/inkwell-app/inkwell/internal/bus"
	"github.com/inkwell-app/inkwell/internal/cache"
	"github.com/inkwell-app/inkwell/internal/config"
	"github.com/inkwell-app/inkwell/internal/queue"
	"github.com/inkwell-app/inkwell/internal/remote"
	"github.com/inkwell-app/inkwell/internal/service"
	"github.com/inkwell-app/inkwell/internal/store"
	isync "github.com/inkwell-app/inkwell/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Local-first chapter storage and sync for long-form writing",
	Long: `inkwell keeps a manuscript's chapters in a local SQLite database,
serves them through an in-process cache, and reconciles them with a
remote backend when one is configured. Everything works offline;
sync is an enhancement, not a requirement.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(
		listCmd, createCmd, showCmd, exportCmd, importCmd,
		splitCmd, mergeCmd, reorderCmd, rmCmd,
		syncCmd, statusCmd, watchCmd,
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// app bundles everything a command needs, wired once per invocation.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	store    *store.Store
	peer     *bus.Peer
	cache    *cache.Cache
	outbox   *queue.Outbox
	client   remote.Client
	engine   *isync.Engine
	chapters *service.Chapters
}

// openApp loads config and wires the full stack. The invalidation bus and
// the remote backend are both optional: a missing hub degrades to
// single-process caching, a missing remote URL to local-only storage.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}

	outbox, err := queue.Open(st.RawDB(), logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st, outbox: outbox}

	var invalidations bus.Bus
	if peer, err := bus.Connect(cfg.BusAddr, logger); err != nil {
		logger.Printf("Warning: invalidation hub unavailable at %s: %v", cfg.BusAddr, err)
	} else {
		a.peer = peer
		invalidations = peer
	}

	a.cache = cache.New(cache.Config{
		Capacity: cfg.CacheCapacity,
		TTL:      cfg.CacheTTL,
		Bus:      invalidations,
		Logger:   logger,
	})

	if cfg.RemoteURL != "" {
		a.client = remote.NewHTTP(remote.HTTPConfig{
			BaseURL: cfg.RemoteURL,
			Token:   cfg.RemoteToken,
			Logger:  logger,
		})
		a.engine = isync.New(st, a.client, outbox, a.cache, logger)
	}

	a.chapters = service.New(service.Config{
		Store:  st,
		Cache:  a.cache,
		Engine: a.engine,
		Logger: logger,
	})
	return a, nil
}

func (a *app) Close() {
	a.chapters.Wait()
	if a.peer != nil {
		a.peer.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Printf("Warning: failed to close store: %v", err)
	}
}

func newLogger(cfg *config.Config) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	return log.New(w, "[inkwell] ", log.LstdFlags)
}
