// File: main.go

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxy-quality-monitor/pkg/company"
	"proxy-quality-monitor/pkg/database"
	"proxy-quality-monitor/pkg/directory"
	"proxy-quality-monitor/pkg/egress"
	"proxy-quality-monitor/pkg/iprange"
	"proxy-quality-monitor/pkg/notify"
	"proxy-quality-monitor/pkg/probe"
	"proxy-quality-monitor/pkg/quality"
	"proxy-quality-monitor/pkg/scheduler"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-quality-monitor",
	Short: "A service that monitors the quality of proxy exit nodes",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the probe, aggregation, and resolver refresh loops until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		dir, err := directory.FromViper(logger)
		if err != nil {
			logger.Error("Error configuring target directory", "error", err)
			os.Exit(1)
		}

		egressCfg, err := egress.FromViper()
		if err != nil {
			logger.Error("Error configuring egress proxies", "error", err)
			os.Exit(1)
		}

		resolver, err := company.FromViper(db, logger)
		if err != nil {
			logger.Error("Error initializing company resolver", "error", err)
			os.Exit(1)
		}
		defer resolver.Close()

		engine := probe.NewEngine(dir, egressCfg, db, probe.SettingsFromViper(), logger)
		aggregator := quality.NewAggregator(db, resolver, dir,
			quality.ThresholdsFromViper(), quality.SettingsFromViper(), logger)

		probeInterval := intervalFromViper("probe.interval_sec", 180)
		aggregateInterval := intervalFromViper("aggregate.interval_sec", 240)
		refreshInterval := intervalFromViper("resolver.refresh_interval_sec", 600)

		// A run that outlives its own cadence is stuck, not slow; the
		// deadline cancels it so the single-flight guard is released.
		runner := scheduler.NewRunner(logger)
		runner.Add(&scheduler.Job{
			Name:     "probe",
			Interval: probeInterval,
			Timeout:  probeInterval,
			Run:      engine.Run,
		})
		runner.Add(&scheduler.Job{
			Name:     "aggregate",
			Interval: aggregateInterval,
			Timeout:  aggregateInterval,
			Run:      aggregator.RunCycle,
		})
		runner.Add(&scheduler.Job{
			Name:     "resolver-refresh",
			Interval: refreshInterval,
			Timeout:  refreshInterval,
			Run:      resolver.Refresh,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		}()

		logger.Info("Starting monitor")
		runner.Start(ctx)
		logger.Info("Monitor stopped")
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run one probe pass over every egress port",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		dir, err := directory.FromViper(logger)
		if err != nil {
			logger.Error("Error configuring target directory", "error", err)
			os.Exit(1)
		}

		egressCfg, err := egress.FromViper()
		if err != nil {
			logger.Error("Error configuring egress proxies", "error", err)
			os.Exit(1)
		}

		engine := probe.NewEngine(dir, egressCfg, db, probe.SettingsFromViper(), logger)
		if err := engine.Run(context.Background()); err != nil {
			logger.Error("Error running probes", "error", err)
			os.Exit(1)
		}
		logger.Info("Probe run completed")
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Compute and store one aggregation window",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		resolver, err := company.FromViper(db, logger)
		if err != nil {
			logger.Error("Error initializing company resolver", "error", err)
			os.Exit(1)
		}
		defer resolver.Close()

		ctx := context.Background()
		if err := resolver.Refresh(ctx); err != nil {
			logger.Warn("Could not build the range index, owners will be unknown", "error", err)
		}

		// Liveness is only known when the directory is reachable. The
		// snapshot is still valid without it.
		var liveness quality.Liveness
		if dir, err := directory.FromViper(logger); err == nil {
			if err := dir.Refresh(ctx); err != nil {
				logger.Warn("Could not refresh the target directory", "error", err)
			} else {
				liveness = dir
			}
		}

		aggregator := quality.NewAggregator(db, resolver, liveness,
			quality.ThresholdsFromViper(), quality.SettingsFromViper(), logger)
		if err := aggregator.RunCycle(ctx); err != nil {
			logger.Error("Error running aggregation cycle", "error", err)
			os.Exit(1)
		}

		if snap := aggregator.Current(); snap != nil {
			logger.Info("Aggregation window stored",
				"nodes", snap.TotalNodes,
				"bad", snap.BadCount,
				"blocked", snap.BlockedCount,
				"discardedPorts", snap.DiscardedPorts)
		}
	},
}

var dailyReportCmd = &cobra.Command{
	Use:   "daily-report [date]",
	Short: "Render the per-port daily quality digest",
	Long: `Render the quality digest for one UTC day.
[date] is formatted as YYYY-MM-DD and defaults to yesterday`,
	Example: "daily-report 2026-08-22 --port 10101 --send",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if len(args) > 0 {
			parsed, err := time.Parse("2006-01-02", args[0])
			if err != nil {
				logger.Error("Invalid date value", "error", err)
				os.Exit(1)
			}
			day = parsed
		}
		ports, _ := cmd.Flags().GetIntSlice("port")
		send, _ := cmd.Flags().GetBool("send")

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		resolver, err := company.FromViper(db, logger)
		if err != nil {
			logger.Error("Error initializing company resolver", "error", err)
			os.Exit(1)
		}
		defer resolver.Close()

		ctx := context.Background()
		if err := resolver.Refresh(ctx); err != nil {
			logger.Warn("Could not build the range index, owners will be unknown", "error", err)
		}

		aggregator := quality.NewAggregator(db, resolver, nil,
			quality.ThresholdsFromViper(), quality.SettingsFromViper(), logger)
		report, err := aggregator.AnalyzeDay(ctx, day, ports)
		if err != nil {
			logger.Error("Error building daily report", "error", err)
			os.Exit(1)
		}

		digest := report.RenderDigest()
		fmt.Println(digest)

		if send {
			tg := notify.FromViper(logger)
			if !tg.Configured() {
				logger.Error("notify.bot_token is not configured")
				os.Exit(1)
			}
			sent, failed := tg.Broadcast(ctx, digest)
			logger.Info("Digest broadcast", "sent", sent, "failed", failed)
			if failed > 0 && sent == 0 {
				os.Exit(1)
			}
		}
	},
}

var loadRangesCmd = &cobra.Command{
	Use:   "load-ranges [file]",
	Short: "Replace the IP range table from a tab-separated file",
	Long: `Replace the IP range table from a tab-separated file.
[file] columns are: start, end, owner, and optionally asn and domain.
Start and end accept numeric or dotted-quad IPv4 values.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rows, stats, err := iprange.ParseFile(args[0])
		if err != nil {
			logger.Error("Error parsing range file", "error", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			logger.Error("No usable ranges in file", "lines", stats.Lines, "skipped", stats.Skipped)
			os.Exit(1)
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.ReplaceIPRanges(context.Background(), rows); err != nil {
			logger.Error("Error replacing ip ranges", "error", err)
			os.Exit(1)
		}
		logger.Info("IP ranges replaced", "loaded", stats.Loaded, "skipped", stats.Skipped)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [ip]...",
	Short: "Look up the owning company for one or more IPv4 addresses",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		resolver, err := company.FromViper(db, logger)
		if err != nil {
			logger.Error("Error initializing company resolver", "error", err)
			os.Exit(1)
		}
		defer resolver.Close()

		ctx := context.Background()
		if err := resolver.Refresh(ctx); err != nil {
			logger.Error("Error building range index", "error", err)
			os.Exit(1)
		}

		for _, ip := range args {
			entry := resolver.Describe(ctx, ip)
			line := fmt.Sprintf("%-15s  %s", ip, entry.Owner)
			if entry.ASN != "" {
				line += "  " + entry.ASN
			}
			if entry.Domain != "" {
				line += "  " + entry.Domain
			}
			if entry.Country != "" {
				line += "  " + entry.Country
			}
			fmt.Println(line)
		}
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete measurements and bandwidth samples older than the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			logger.Error("Invalid days value, must be positive")
			os.Exit(1)
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		measurements, err := db.PruneMeasurementsBefore(ctx, cutoff)
		if err != nil {
			logger.Error("Error pruning measurements", "error", err)
			os.Exit(1)
		}
		bandwidth, err := db.PruneBandwidthSamplesBefore(ctx, cutoff)
		if err != nil {
			logger.Error("Error pruning bandwidth samples", "error", err)
			os.Exit(1)
		}

		logger.Info("Pruned old samples",
			"cutoff", cutoff.Format(time.RFC3339),
			"measurements", measurements,
			"bandwidthSamples", bandwidth)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	dailyReportCmd.Flags().IntSlice("port", nil, "Restrict the report to these egress ports")
	dailyReportCmd.Flags().Bool("send", false, "Broadcast the digest to the configured Telegram chats")
	pruneCmd.Flags().Int("days", 14, "Retention window in days")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(dailyReportCmd)
	rootCmd.AddCommand(loadRangesCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(pruneCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.proxy-quality-monitor")
	viper.AddConfigPath("/etc/proxy-quality-monitor/")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func intervalFromViper(key string, defaultSec int) time.Duration {
	sec := viper.GetInt(key)
	if sec <= 0 {
		sec = defaultSec
	}
	return time.Duration(sec) * time.Second
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
