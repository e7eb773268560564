package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwell-app/inkwell/internal/daemon"
	"github.com/inkwell-app/inkwell/internal/sync"
	"github.com/inkwell-app/inkwell/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local edits and pull newer remote chapters",
	Long: `Reconcile local chapters with the remote backend.

Queued operations are delivered first, then each project is pushed and
pulled. With --project only that project is synced; otherwise the
configured sync_projects list is used.`,
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")

		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		if a.engine == nil {
			fail("no remote backend configured (set remote_url)")
		}

		projects := a.cfg.SyncProjects
		if projectID != "" {
			projects = []string{projectID}
		}
		if len(projects) == 0 {
			fail("nothing to sync: pass --project or configure sync_projects")
		}

		ctx := context.Background()
		start := time.Now()
		fmt.Printf("%s Syncing %d projects...\n", ui.RenderAccent("🔄"), len(projects))

		if delivered, err := a.outbox.Flush(ctx, a.client); err != nil {
			fail("outbox flush stopped after %d ops: %v", delivered, err)
		} else if delivered > 0 {
			fmt.Printf("%s Delivered %d queued ops\n", ui.RenderPass("✓"), delivered)
		}

		for _, id := range projects {
			if !sync.Syncable(id) {
				fmt.Printf("%s Project %s is local-only, skipping\n", ui.RenderWarn("⚠"), id)
				continue
			}
			if err := a.engine.SyncChapters(ctx, id); err != nil {
				fail("sync of project %s failed: %v", id, err)
			}
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace, queue and connectivity status",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()
		ctx := context.Background()

		fmt.Printf("%s Inkwell Status\n\n", ui.RenderAccent("📖"))
		fmt.Printf("  Database:  %s\n", a.store.Path())

		pending, err := a.outbox.Pending(ctx)
		if err != nil {
			fail("%v", err)
		}
		marker := ui.RenderPass("✓")
		if pending > 0 {
			marker = ui.RenderWarn("⚠")
		}
		fmt.Printf("  Outbox:    %s %d pending ops\n", marker, pending)

		if a.client == nil {
			fmt.Printf("  Remote:    %s not configured\n", ui.RenderDim("-"))
		} else {
			fmt.Printf("  Remote:    %s\n", a.cfg.RemoteURL)
		}
		if a.peer == nil {
			fmt.Printf("  Bus:       %s hub unavailable\n", ui.RenderDim("-"))
		} else {
			fmt.Printf("  Bus:       %s %s\n", ui.RenderPass("✓"), a.cfg.BusAddr)
		}

		for _, projectID := range a.cfg.SyncProjects {
			metas, err := a.chapters.List(ctx, projectID)
			if err != nil {
				fail("%v", err)
			}
			words, err := a.chapters.ProjectWordCount(ctx, projectID)
			if err != nil {
				fail("%v", err)
			}
			fmt.Printf("  Project %s: %d chapters, %d words\n", projectID, len(metas), words)
		}
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background worker (spool imports and periodic sync)",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		d, err := daemon.New(a.chapters, a.engine, a.outbox, a.client, &daemon.Config{
			SpoolDir:     a.cfg.SpoolDir,
			SyncProjects: a.cfg.SyncProjects,
			SyncInterval: a.cfg.SyncInterval,
			Logger:       a.logger,
		})
		if err != nil {
			fail("%v", err)
		}

		fmt.Printf("%s Watching %s (Ctrl-C to stop)\n", ui.RenderAccent("🚀"), a.cfg.SpoolDir)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fail("%v", err)
		}
	},
}

func init() {
	syncCmd.Flags().StringP("project", "p", "", "sync a single project")
}
