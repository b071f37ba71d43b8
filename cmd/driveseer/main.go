package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/ingest"
	"github.com/vonshlovens/driveseer/internal/worker"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "driveseer",
		Short:   "Semantic image search over Google Drive folders",
		Long:    `Ingests a shared Google Drive folder, captions and embeds every image with a multimodal model, and serves hybrid lexical/semantic search over the result.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		ingestCmd(),
		syncCmd(),
		searchCmd(),
		statusCmd(),
		recoverCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	standalone := false
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  `Starts the HTTP API server. With --standalone the workers and an in-process queue run in the same process, so a single binary serves everything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, cfgFile, appOptions{
				memoryQueue:   standalone,
				withCaptioner: standalone,
			})
			if err != nil {
				return err
			}
			defer a.close()

			if standalone {
				if err := a.startWorkers(ctx); err != nil {
					return err
				}
			}

			slog.Info("api server starting", "addr", a.cfg.Server.Addr, "standalone", standalone)
			return a.server().Run(ctx, a.cfg.Server.Addr)
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "run workers and an in-process queue alongside the API")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the queue workers and recovery supervisor",
		Long:  `Starts the folder and image workers plus the recovery supervisor, consuming from the queue broker until terminated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, cfgFile, appOptions{withCaptioner: true})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.startWorkers(ctx); err != nil {
				return err
			}

			slog.Info("workers started",
				"image_concurrency", a.cfg.Workers.ImageConcurrency,
				"folder_concurrency", a.cfg.Workers.FolderConcurrency)
			<-ctx.Done()
			slog.Info("shutting down...")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	showStatus := false
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending database migrations. Exits zero even when the database is unreachable so deployments are not blocked by transient outages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := buildApp(ctx, cfgFile, appOptions{memoryQueue: true})
			if err != nil {
				slog.Error("migration skipped", "error", err)
				return nil
			}
			defer a.close()

			if showStatus {
				return a.db.MigrationStatus()
			}

			if err := a.db.RunMigrations(ctx); err != nil {
				slog.Error("migration failed", "error", err)
				return nil
			}

			fmt.Println("Migrations completed successfully.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showStatus, "status", false, "show migration status instead of applying")
	return cmd
}

func ingestCmd() *cobra.Command {
	wait := false
	credential := ""
	cmd := &cobra.Command{
		Use:   "ingest <folder-url>",
		Short: "Submit a drive folder for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, cfgFile, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.coordinator.Ingest(ctx, ingest.Request{
				FolderURL:  args[0],
				Credential: credential,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Folder accepted: %s (%d images, status %s)\n",
				snap.ID, snap.TotalImages, snap.Status)

			if !wait {
				return nil
			}
			return waitForFolder(ctx, a, snap)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until processing completes, showing progress")
	cmd.Flags().StringVar(&credential, "credential", "", "user OAuth access token for private folders")
	return cmd
}

// waitForFolder polls the folder row and renders a progress bar until the
// pipeline settles.
func waitForFolder(ctx context.Context, a *app, snap *ingest.Snapshot) error {
	bar := progressbar.NewOptions(snap.TotalImages,
		progressbar.OptionSetDescription("Processing images"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
	)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			folder, err := a.db.GetFolder(ctx, snap.ID)
			if err != nil || folder == nil {
				continue
			}
			bar.ChangeMax(folder.TotalImages)
			bar.Set(folder.ProcessedImages)

			switch folder.Status {
			case domain.StatusCompleted:
				bar.Finish()
				fmt.Println("\nProcessing complete.")
				return nil
			case domain.StatusFailed:
				fmt.Println("\nProcessing failed; run `driveseer recover` or retry via the API.")
				return nil
			}
		}
	}
}

func syncCmd() *cobra.Command {
	credential := ""
	cmd := &cobra.Command{
		Use:   "sync <folder-id>",
		Short: "Reconcile a folder with the drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			folderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid folder id: %w", err)
			}

			a, err := buildApp(ctx, cfgFile, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.syncEngine.SyncFolder(ctx, folderID, credential)
			if err != nil {
				return err
			}

			fmt.Printf("Sync complete: +%d / -%d images, status %s (%d/%d processed)\n",
				result.Added, result.Removed, result.Status, result.Done, result.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "user OAuth access token for private folders")
	return cmd
}

func searchCmd() *cobra.Command {
	topK := 10
	cmd := &cobra.Command{
		Use:   "search <folder-id> <query>",
		Short: "Search a folder's images",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			folderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid folder id: %w", err)
			}

			a, err := buildApp(ctx, cfgFile, appOptions{memoryQueue: true})
			if err != nil {
				return err
			}
			defer a.close()

			query := ""
			for i, arg := range args[1:] {
				if i > 0 {
					query += " "
				}
				query += arg
			}

			resp, err := a.searcher.Search(ctx, folderID, query, topK)
			if err != nil {
				return err
			}

			header := color.New(color.Bold)
			dim := color.New(color.Faint)
			header.Printf("%d results (%s, %dms)\n\n", len(resp.Hits), resp.SearchType, resp.TookMs)

			for i, hit := range resp.Hits {
				fmt.Printf("%2d. %s  ", i+1, color.CyanString(hit.Name))
				dim.Printf("similarity %.3f\n", hit.Similarity)
				if hit.Caption != "" {
					fmt.Printf("    %s\n", truncateLine(hit.Caption, 120))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top", 10, "maximum results (1-50)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show corpus and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := buildApp(ctx, cfgFile, appOptions{})
			if err != nil {
				color.Red("Database Status: Disconnected")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer a.close()

			status, err := a.db.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			bold := color.New(color.Bold)
			bold.Println("=== Driveseer Status ===")
			color.Green("Database Status: Connected")
			fmt.Printf("  Host: %s\n", a.cfg.Database.Host)
			fmt.Printf("  Database: %s\n", a.cfg.Database.Database)
			fmt.Println()
			fmt.Printf("Folders: %d\n", status.Folders)
			fmt.Printf("Images:  %d\n", status.Images)
			fmt.Printf("  Pending:    %d\n", status.ByStatus.Pending)
			fmt.Printf("  Processing: %d\n", status.ByStatus.Processing)
			fmt.Printf("  Completed:  %d\n", status.ByStatus.Completed)
			if status.ByStatus.Failed > 0 {
				color.Yellow("  Failed:     %d", status.ByStatus.Failed)
			} else {
				fmt.Printf("  Failed:     %d\n", status.ByStatus.Failed)
			}
			if status.LastIngested != nil {
				fmt.Printf("Last Ingest: %s\n", status.LastIngested.Format(time.RFC3339))
			}

			if counts, err := a.queue.Counts(ctx); err == nil {
				fmt.Println()
				fmt.Printf("Queue:\n")
				fmt.Printf("  Folders: %d waiting, %d active, %d failed\n",
					counts.Folders.Waiting, counts.Folders.Active, counts.Folders.Failed)
				fmt.Printf("  Images:  %d waiting, %d active, %d failed\n",
					counts.Images.Waiting, counts.Images.Active, counts.Images.Failed)
			} else {
				color.Red("Queue: unreachable (%v)", err)
			}

			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery sweep",
		Long:  `Resets rows stuck in processing, reconciles folder counters, re-queues pending work and fails stalled jobs, then exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, cfgFile, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			supervisor := worker.NewSupervisor(a.db, a.queue, a.progress)
			report, err := supervisor.Sweep(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Recovery sweep: %d stuck rows reset, %d folders re-queued, %d images re-batched, %d stalled jobs failed\n",
				report.StuckImagesReset, report.FoldersRequeued, report.ImagesRequeued, report.StalledJobs)
			return nil
		},
	}
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
