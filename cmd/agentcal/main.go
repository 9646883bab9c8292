package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"agentcal/internal/availability"
	"agentcal/internal/config"
	"agentcal/internal/ics"
	"agentcal/internal/ingest"
	appLog "agentcal/internal/log"
	"agentcal/internal/model"
	"agentcal/internal/store"
	"agentcal/internal/syncer"
	"agentcal/internal/utilization"
	"agentcal/internal/web"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string
	conf       *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		appLog.Error("agentcal failed", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentcal",
		Short:         "Agent availability search and calendar feed sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			conf, err = config.Load(configPath)
			if err != nil {
				appLog.Error("failed to load config", err, "config_path", configPath)
				return err
			}
			if logLevel != "" {
				conf.LogLevel = logLevel
			}
			appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./agentcal.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config if set)")

	root.AddCommand(newServeCmd(), newSyncCmd(), newSlotsCmd(), newUtilizationCmd())
	return root
}

// app bundles the components shared by every subcommand.
type app struct {
	store     *store.DB
	searcher  *availability.Searcher
	reporter  *utilization.Reporter
	scheduler *syncer.Scheduler
	hours     *availability.WorkingHours
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	hours, err := workingHours(cfg.Search.WorkingHours)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	fetcher := ics.NewFetcher(ics.FetcherOptions{
		CacheDir:      cfg.Fetch.CacheDir,
		Timeout:       cfg.Fetch.Timeout,
		RatePerSecond: cfg.Fetch.RatePerSecond,
	})

	targets := make([]model.SyncTarget, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets = append(targets, model.SyncTarget{
			ClientID:  t.ClientID,
			AgentID:   t.AgentID,
			SourceURI: t.Source,
		})
	}

	return &app{
		store:    db,
		searcher: availability.NewSearcher(db, cfg.Search.EscalationSpan, cfg.Search.MaxEscalations),
		reporter: utilization.NewReporter(db, cfg.Utilization.CapacityMinutes),
		scheduler: syncer.New(fetcher, ingest.NewMerger(db), targets, syncer.Options{
			Dispatch:  cfg.Sync.Dispatch,
			Interval:  cfg.Sync.Interval,
			Workers:   cfg.Sync.Workers,
			PollWait:  cfg.Sync.PollWait,
			QueueSize: cfg.Sync.QueueSize,
		}),
		hours: hours,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("failed to close store", err)
	}
}

func workingHours(wc *config.WorkingHoursConfig) (*availability.WorkingHours, error) {
	if wc == nil {
		return nil, nil
	}
	start, err := config.ParseClock(wc.Start)
	if err != nil {
		return nil, err
	}
	end, err := config.ParseClock(wc.End)
	if err != nil {
		return nil, err
	}
	days, err := config.ParseWeekdays(wc.Days)
	if err != nil {
		return nil, err
	}
	return availability.NewWorkingHours(start, end, days...)
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newServeCmd() *cobra.Command {
	var listen string
	var noSync bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				conf.Listen = listen
			}

			appLog.Info("agentcal starting", "version", version)
			appLog.Info("effective config",
				"listen", conf.Listen,
				"db_driver", conf.Database.Driver,
				"sync_dispatch", conf.Sync.Dispatch,
				"sync_interval", conf.Sync.Interval.String(),
				"sync_workers", conf.Sync.Workers,
				"targets", len(conf.Targets),
				"max_escalations", conf.Search.MaxEscalations,
				"capacity_minutes", conf.Utilization.CapacityMinutes,
				"sync", !noSync,
			)

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			defer a.close()

			deps := web.Deps{
				Slots:        a.searcher,
				Reports:      a.reporter,
				Events:       a.store,
				Syncer:       a.scheduler,
				WorkingHours: a.hours,
			}
			if !noSync {
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
				defer a.scheduler.Stop()
			}

			err = web.NewServer(conf, deps).ListenAndServe(ctx)
			appLog.Info("agentcal exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Serve queries only; do not run the sync scheduler")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch and merge every configured feed once, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.scheduler.SyncAll(ctx); err != nil {
				appLog.Error("sync finished with errors", err)
				return err
			}
			return nil
		},
	}
}

type agentFlags struct {
	clientID string
	agentID  string
	start    string
}

func (f *agentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.clientID, "client", "", "Client ID")
	cmd.Flags().StringVar(&f.agentID, "agent", "", "Agent ID")
	cmd.Flags().StringVar(&f.start, "start", "", "Start time, RFC 3339 or YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("agent")
}

func newSlotsCmd() *cobra.Command {
	var af agentFlags
	var end string
	var duration, limit int
	var anyTime bool

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print free slots for an agent as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			startAt, err := parseTime(af.start, time.Now().UTC().Truncate(time.Minute))
			if err != nil {
				return err
			}
			endAt, err := parseTime(end, startAt.Add(24*time.Hour))
			if err != nil {
				return err
			}
			if duration <= 0 {
				duration = conf.Search.DefaultDuration
			}
			if limit <= 0 {
				limit = conf.Search.DefaultLimit
			}

			a, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			defer a.close()

			q := availability.Query{
				ClientID:        af.clientID,
				AgentID:         af.agentID,
				Start:           startAt,
				End:             endAt,
				DurationMinutes: duration,
				Limit:           limit,
				WorkingHours:    a.hours,
			}
			if anyTime {
				q.WorkingHours = nil
			}
			slots, err := a.searcher.Search(ctx, q)
			if err != nil {
				return err
			}
			return printJSON(cmd, slots)
		},
	}
	af.register(cmd)
	cmd.Flags().StringVar(&end, "end", "", "End of the first search window (default start + 1 day)")
	cmd.Flags().IntVar(&duration, "duration", 0, "Slot length in minutes (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of slots (default from config)")
	cmd.Flags().BoolVar(&anyTime, "any-time", false, "Ignore working hours")
	return cmd
}

func newUtilizationCmd() *cobra.Command {
	var af agentFlags
	var days int

	cmd := &cobra.Command{
		Use:   "utilization",
		Short: "Print per-day utilization for an agent as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			now := time.Now().UTC()
			startAt, err := parseTime(af.start, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
			if err != nil {
				return err
			}

			a, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.reporter.Report(ctx, af.clientID, af.agentID, startAt, days)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	af.register(cmd)
	cmd.Flags().IntVar(&days, "days", 1, "Number of 24-hour windows")
	return cmd
}

func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.New("time must be RFC 3339 or YYYY-MM-DD: " + v)
	}
	return t, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
