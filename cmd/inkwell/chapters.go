package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkwell-app/inkwell/internal/chapter"
	"github.com/inkwell-app/inkwell/internal/store"
	"github.com/inkwell-app/inkwell/internal/ui"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's chapters in manuscript order",
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			fail("--project is required")
		}

		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		metas, err := a.chapters.List(context.Background(), projectID)
		if err != nil {
			fail("%v", err)
		}
		if len(metas) == 0 {
			fmt.Printf("%s No chapters in project %s\n", ui.RenderWarn("⚠"), projectID)
			return
		}

		total := 0
		fmt.Println(ui.RenderTitle(fmt.Sprintf("Chapters in %s", projectID)))
		for _, m := range metas {
			total += m.WordCount
			fmt.Printf("  %2d. %-40s %-9s %6d words  %s\n",
				m.Index+1, m.Title, m.Status, m.WordCount, ui.RenderDim(m.ID))
		}
		fmt.Printf("\n%s %d chapters, %d words\n", ui.RenderAccent("✎"), len(metas), total)
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a chapter",
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		title, _ := cmd.Flags().GetString("title")
		summary, _ := cmd.Flags().GetString("summary")
		status, _ := cmd.Flags().GetString("status")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		if projectID == "" || title == "" {
			fail("--project and --title are required")
		}

		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		meta, err := a.chapters.Create(context.Background(), store.CreateInput{
			ProjectID: projectID,
			Title:     title,
			Summary:   summary,
			Status:    chapter.Status(status),
			Tags:      tags,
		})
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Created chapter %d: %s (%s)\n",
			ui.RenderPass("✓"), meta.Index+1, meta.Title, meta.ID)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a chapter's metadata and content",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		full, err := a.chapters.Get(context.Background(), args[0])
		if err != nil {
			fail("%v", err)
		}

		fmt.Println(ui.RenderTitle(full.Title))
		fmt.Printf("%s status %s, %d words, version %d, updated %s\n\n",
			ui.RenderDim("meta:"), full.Status, full.WordCount, full.Version,
			full.UpdatedAt.Format("2006-01-02 15:04"))
		if full.Summary != "" {
			fmt.Printf("%s\n\n", ui.RenderDim(full.Summary))
		}
		fmt.Println(full.Content)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a chapter as markdown with front matter",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("output")

		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		full, err := a.chapters.Get(context.Background(), args[0])
		if err != nil {
			fail("%v", err)
		}
		data, err := chapter.ExportMarkdown(full)
		if err != nil {
			fail("%v", err)
		}

		if out == "" {
			os.Stdout.Write(data)
			return
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Exported %s to %s\n", ui.RenderPass("✓"), full.Title, out)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Split a manuscript at headings and append its chapters",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			fail("--project is required")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			fail("%v", err)
		}

		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		metas, err := a.chapters.ImportFromDocument(context.Background(), projectID, string(data), nil)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Imported %d chapters from %s\n", ui.RenderPass("✓"), len(metas), args[0])
		for _, m := range metas {
			fmt.Printf("  %2d. %s (%d words)\n", m.Index+1, m.Title, m.WordCount)
		}
	},
}

var splitCmd = &cobra.Command{
	Use:   "split <id>",
	Short: "Split a chapter in two at a byte offset",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		at, _ := cmd.Flags().GetInt("at")
		title, _ := cmd.Flags().GetString("title")
		if at <= 0 {
			fail("--at must be a positive byte offset")
		}

		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		meta, err := a.chapters.Split(context.Background(), args[0], at, title)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Split off chapter %d: %s (%s)\n",
			ui.RenderPass("✓"), meta.Index+1, meta.Title, meta.ID)
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <id>",
	Short: "Fold the following chapter into this one",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		meta, err := a.chapters.MergeWithNext(context.Background(), args[0])
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Merged into %s (%d words)\n", ui.RenderPass("✓"), meta.Title, meta.WordCount)
	},
}

var reorderCmd = &cobra.Command{
	Use:   "reorder <id>...",
	Short: "Rewrite a project's chapter order",
	Long: `Rewrite the project's chapter ordering to match the given id list.
Every chapter of the project must appear exactly once.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			fail("--project is required")
		}

		// Accept both space-separated and comma-separated ids.
		var ids []string
		for _, arg := range args {
			for _, id := range strings.Split(arg, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ids = append(ids, id)
				}
			}
		}

		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		if err := a.chapters.Reorder(context.Background(), projectID, ids); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Reordered %d chapters\n", ui.RenderPass("✓"), len(ids))
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a chapter",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()

		if err := a.chapters.Remove(context.Background(), args[0]); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	listCmd.Flags().StringP("project", "p", "", "project id")
	createCmd.Flags().StringP("project", "p", "", "project id")
	createCmd.Flags().StringP("title", "t", "", "chapter title")
	createCmd.Flags().String("summary", "", "one-line summary")
	createCmd.Flags().String("status", "", "draft, revising or final")
	createCmd.Flags().StringSlice("tags", nil, "comma-separated tags")
	exportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	importCmd.Flags().StringP("project", "p", "", "project id")
	splitCmd.Flags().Int("at", 0, "byte offset to split at")
	splitCmd.Flags().String("title", "", "title for the new chapter")
	reorderCmd.Flags().StringP("project", "p", "", "project id")
}
