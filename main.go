package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brettboylen/telegram-tracker/api"
	"github.com/brettboylen/telegram-tracker/db"
	"github.com/brettboylen/telegram-tracker/models"
	"github.com/brettboylen/telegram-tracker/report"
	"github.com/brettboylen/telegram-tracker/scheduler"
	"github.com/brettboylen/telegram-tracker/server"
	"github.com/brettboylen/telegram-tracker/stats"
	"github.com/brettboylen/telegram-tracker/utils"
)

var (
	envPath  string
	logLevel string

	log    *logrus.Logger
	config *utils.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "telegram-tracker",
		Short:        "Track reactions on Telegram channel posts and rank the most engaging ones",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log = setupLogger(logLevel)

			cfg, err := utils.LoadConfig(envPath, log)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			config = cfg

			log.WithFields(logrus.Fields{
				"channels":      config.Telegram.Channels,
				"lookback_days": config.Telegram.LookbackDays,
				"database":      config.Database.Path,
			}).Debug("Configuration loaded")
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Path to .env file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")

	rootCmd.AddCommand(scrapeCmd())
	rootCmd.AddCommand(topCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		if log == nil {
			log = setupLogger(logLevel)
		}
		log.WithError(err).Fatal("Command failed")
	}
}

func scrapeCmd() *cobra.Command {
	var lookbackDays int

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape every configured channel once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkLookbackDays(lookbackDays); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			database, err := db.NewDatabase(config.Database.Path, log)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			result, err := newCollector(database).Run(ctx, lookbackDays)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "channels_ok=%d channels_failed=%d posts_processed=%d\n",
				result.ChannelsOK, result.ChannelsFailed, result.PostsProcessed)
			return nil
		},
	}

	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 0, "override LOOKBACK_DAYS for this run")
	return cmd
}

// rankFlags are the ranking options shared by top and export
type rankFlags struct {
	limit        int
	lookbackDays int
	github       bool
	external     bool
	researchOnly bool
}

func (f *rankFlags) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().IntVarP(&f.limit, "limit", "n", defaultLimit, "maximum number of posts")
	cmd.Flags().IntVar(&f.lookbackDays, "lookback-days", 0, "override LOOKBACK_DAYS for the ranking window")
	cmd.Flags().BoolVar(&f.github, "github", true, "only posts with a github link")
	cmd.Flags().BoolVar(&f.external, "external", true, "only posts with a github, research or article link")
	cmd.Flags().BoolVar(&f.researchOnly, "research-only", false, "only posts with a research link")
}

func (f *rankFlags) validate() error {
	if f.limit < 1 {
		return fmt.Errorf("--limit must be a positive integer, got %d", f.limit)
	}
	return checkLookbackDays(f.lookbackDays)
}

// checkLookbackDays rejects negative overrides; 0 means the configured LOOKBACK_DAYS
func checkLookbackDays(days int) error {
	if days < 0 {
		return fmt.Errorf("--lookback-days must be a positive integer, got %d", days)
	}
	return nil
}

func (f *rankFlags) topPosts(ctx context.Context, database *db.Database) ([]models.RankedPost, error) {
	window := f.lookbackDays
	if window < 1 {
		window = config.Telegram.LookbackDays
	}

	return stats.NewRanker(database, log).TopPosts(ctx, window, f.limit, models.RankFilters{
		RequireGitHub:       f.github,
		RequireExternalLink: f.external,
		ResearchOnly:        f.researchOnly,
	})
}

func topCmd() *cobra.Command {
	var (
		flags     rankFlags
		showLinks bool
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Print the top posts of the window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				return err
			}

			database, err := db.NewDatabase(config.Database.Path, log)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			posts, err := flags.topPosts(cmd.Context(), database)
			if err != nil {
				return err
			}

			return report.WriteSummary(cmd.OutOrStdout(), posts, showLinks)
		},
	}

	flags.register(cmd, 20)
	cmd.Flags().BoolVar(&showLinks, "show-links", false, "print the links of every post")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		flags  rankFlags
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the top posts of the window to JSON and Markdown files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				return err
			}

			database, err := db.NewDatabase(config.Database.Path, log)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			posts, err := flags.topPosts(cmd.Context(), database)
			if err != nil {
				return err
			}

			jsonPath, mdPath, err := report.ExportFiles(outDir, posts, time.Now())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported JSON: %s\n", jsonPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Exported Markdown: %s\n", mdPath)
			return nil
		},
	}

	flags.register(cmd, 30)
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "outputs", "output directory for generated files")
	return cmd
}

func serveCmd() *cobra.Command {
	var scrapeAtStartup bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily scrape schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.WithField("version", config.App.Version).Info("Starting " + config.App.Name)

			database, err := db.NewDatabase(config.Database.Path, log)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			collector := newCollector(database)
			ranker := stats.NewRanker(database, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			daily, err := scheduler.NewDaily(config.Schedule.Hour, config.Schedule.Minute, log)
			if err != nil {
				return err
			}
			if err := daily.Start(ctx, func(ctx context.Context) (models.ScrapeStats, error) {
				return collector.Run(ctx, 0)
			}); err != nil {
				return err
			}
			defer daily.Stop()

			if scrapeAtStartup {
				go daily.RunNow(ctx, func(ctx context.Context) (models.ScrapeStats, error) {
					return collector.Run(ctx, 0)
				})
			}

			srv := server.New(collector, ranker, server.Options{
				Port:                 config.Server.Port,
				DefaultLookbackDays:  config.Telegram.LookbackDays,
				MaxRequestsPerMinute: config.Server.MaxRequestsPerMinute,
			}, log)

			go func() {
				if err := srv.Run(ctx); err != nil {
					log.WithError(err).Error("API server stopped unexpectedly")
					cancel()
				}
			}()

			waitForShutdown(ctx, cancel, log)
			return nil
		},
	}

	cmd.Flags().BoolVar(&scrapeAtStartup, "scrape-at-startup", true, "run a scrape immediately on startup")
	return cmd
}

func newCollector(database *db.Database) *stats.Collector {
	source := api.NewTelegramWeb(
		config.Telegram.BaseURL,
		config.Telegram.UserAgent,
		config.Telegram.MaxRequestsPerMinute,
		log,
	)

	return stats.NewCollector(
		source,
		database,
		config.Telegram.Channels,
		config.Telegram.LookbackDays,
		log,
	)
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// waitForShutdown waits for a shutdown signal or for ctx to end
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	time.Sleep(1 * time.Second)
	log.Info("Telegram Tracker stopped")
}
