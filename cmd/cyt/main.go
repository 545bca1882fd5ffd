// Command cyt is the Chasing Your Tail engine: a passive wireless
// surveillance detector that watches a Kismet capture database for
// devices that keep following you around.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swamppop/chasingyourtail/internal/adapters/health"
	"github.com/swamppop/chasingyourtail/internal/adapters/historystore"
	"github.com/swamppop/chasingyourtail/internal/adapters/snifferdb"
	"github.com/swamppop/chasingyourtail/internal/adapters/storage"
	"github.com/swamppop/chasingyourtail/internal/adapters/watchlist"
	"github.com/swamppop/chasingyourtail/internal/alertbus"
	"github.com/swamppop/chasingyourtail/internal/config"
	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/services/analyzer"
	"github.com/swamppop/chasingyourtail/internal/core/services/behavioral"
	"github.com/swamppop/chasingyourtail/internal/core/services/monitor"
	"github.com/swamppop/chasingyourtail/internal/core/services/reloadsvc"
	"github.com/swamppop/chasingyourtail/internal/core/services/scoring"
	"github.com/swamppop/chasingyourtail/internal/core/services/window"
	"github.com/swamppop/chasingyourtail/internal/telemetry"
)

// Exit codes.
const (
	exitOK         = 0
	exitOther      = 1
	exitConfig     = 2
	exitNoSniffer  = 3
	exitFatalSuper = 4
)

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "cyt",
		Short:         "Chasing Your Tail — passive wireless surveillance detector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/cyt/config.json", "path to the JSON configuration file")
	root.AddCommand(runCommand(), analyzeCommand(), healthCommand(), reloadCommand())

	if err := root.Execute(); err != nil {
		slog.Error("cyt failed", slog.Any("error", err))
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		var ce *domain.ConfigError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitOther)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	return cfg, nil
}

func supervisorConfig(cfg *config.Config) health.Config {
	return health.Config{
		SnifferProcessName: cfg.Health.SnifferProcessName,
		SnifferDBGlob:      cfg.Paths.SnifferDBGlob,
		FreshnessThreshold: time.Duration(cfg.Health.DataFreshnessThresholdMinutes) * time.Minute,
		AutoRestart:        cfg.Health.AutoRestart,
		RestartCooldown:    time.Duration(cfg.Health.RestartCooldownSeconds) * time.Second,
		MaxRestartAttempts: cfg.Health.MaxRestartAttempts,
		StartupCommand:     cfg.Health.StartupCommand,
		StartupWait:        time.Duration(cfg.Health.StartupWaitSeconds) * time.Second,
	}
}

func scorerFor(cfg *config.Config, windowCount int) *scoring.Scorer {
	return scoring.NewScorer(scoring.DefaultWeights(), scoring.Config{
		MinAppearances:               cfg.DetectionThresholds.MinAppearances,
		MinLocations:                 cfg.DetectionThresholds.MinLocations,
		AppearanceFrequencyThreshold: cfg.DetectionThresholds.AppearanceFrequencyThreshold,
		WindowCount:                  windowCount,
		Thresholds:                   cfg.Thresholds(),
	})
}

func runCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the monitor loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			shutdownTracer, err := telemetry.InitTracer()
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				_ = shutdownTracer(shutdownCtx)
			}()

			reader := snifferdb.NewReader()

			// Startup grace: the sniffer database must be reachable
			// before the loop is worth starting.
			if _, err := reader.LatestDBPath(ctx, cfg.Paths.SnifferDBGlob); err != nil {
				return &exitError{code: exitNoSniffer, err: err}
			}

			db, err := storage.Open(cfg.Paths.HistoryDB)
			if err != nil {
				return fmt.Errorf("opening history database: %w", err)
			}
			lists, err := watchlist.NewStore(ctx, db, cfg.Paths.IgnoreListDir)
			if err != nil {
				return fmt.Errorf("loading lists: %w", err)
			}
			store, err := historystore.NewStore(ctx, db)
			if err != nil {
				return fmt.Errorf("opening history store: %w", err)
			}
			store.Start(ctx)

			spans := []time.Duration{
				time.Duration(cfg.Timing.TimeWindows.Recent) * time.Second,
				time.Duration(cfg.Timing.TimeWindows.Medium) * time.Second,
				time.Duration(cfg.Timing.TimeWindows.Old) * time.Second,
				time.Duration(cfg.Timing.TimeWindows.Oldest) * time.Second,
			}
			tracker := window.NewTracker(spans)

			supervisor := health.NewSupervisor(reader, supervisorConfig(cfg))

			bus := alertbus.NewBus()
			if cfg.AlertBus.Handle != "" {
				hub := alertbus.NewHub(bus)
				hub.Start(ctx)
				mux := http.NewServeMux()
				mux.HandleFunc("/alerts", hub.HandleWebSocket)
				srv := &http.Server{Addr: cfg.AlertBus.Handle, Handler: mux}
				go func() {
					<-ctx.Done()
					c, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancelShutdown()
					_ = srv.Shutdown(c)
				}()
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						slog.Warn("alert bus endpoint failed", slog.Any("error", err))
					}
				}()
			}
			if metricsAddr != "" {
				telemetry.ServeMetrics(ctx, metricsAddr)
			}

			control := reloadsvc.NewServer(lists)
			go func() {
				if err := control.Serve(ctx, cfg.Paths.ControlSocket); err != nil {
					slog.Warn("control socket failed", slog.Any("error", err))
				}
			}()

			loop := monitor.NewLoop(monitor.Config{
				SnifferDBGlob:             cfg.Paths.SnifferDBGlob,
				TickInterval:              time.Duration(cfg.Timing.TickIntervalSeconds) * time.Second,
				Slack:                     time.Duration(cfg.Timing.SlackSeconds) * time.Second,
				HealthEnabled:             cfg.Health.Enabled,
				HealthCheckIntervalCycles: cfg.Health.CheckIntervalCycles,
				MinAppearances:            cfg.DetectionThresholds.MinAppearances,
				BehavioralConfidence:      cfg.DetectionThresholds.BehavioralConfidence,
				Thresholds:                cfg.Thresholds(),
				LocationThresholdMeters:   cfg.GPSSettings.LocationThresholdMeters,
				AlertCooldown:             time.Duration(cfg.Timing.AlertCooldownSeconds) * time.Second,
			}, monitor.Deps{
				Reader:     reader,
				Lists:      lists,
				History:    store,
				Tracker:    tracker,
				Scorer:     scorerFor(cfg, len(spans)),
				Classifier: behavioral.NewClassifier(cfg.DetectionThresholds.MinAppearances),
				Supervisor: supervisor,
				Bus:        bus,
			})

			slog.Info("monitor loop starting",
				slog.String("db_glob", cfg.Paths.SnifferDBGlob),
				slog.Int64("tick_seconds", cfg.Timing.TickIntervalSeconds))

			err = loop.Run(ctx)
			store.Wait()
			if supervisor.Fatal() {
				return &exitError{code: exitFatalSuper, err: fmt.Errorf("health supervisor escalated to fatal")}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (empty disables)")
	return cmd
}

func analyzeCommand() *cobra.Command {
	var (
		dbPath         string
		sinceHours     int
		minPersistence float64
		gpsPath        string
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the offline surveillance analysis and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			reader := snifferdb.NewReader()
			if dbPath == "" {
				dbPath, err = reader.LatestDBPath(cmd.Context(), cfg.Paths.SnifferDBGlob)
				if err != nil {
					return &exitError{code: exitNoSniffer, err: err}
				}
			}

			var track []domain.GPSFix
			if gpsPath != "" {
				data, err := os.ReadFile(gpsPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &track); err != nil {
					return fmt.Errorf("parsing GPS track: %w", err)
				}
			}

			a := analyzer.NewAnalyzer(reader, scorerFor(cfg, 4), analyzer.Config{
				LocationThresholdMeters: cfg.GPSSettings.LocationThresholdMeters,
				SessionTimeout:          time.Duration(cfg.GPSSettings.SessionTimeoutSeconds) * time.Second,
				MinAppearances:          cfg.DetectionThresholds.MinAppearances,
				MinLocations:            cfg.DetectionThresholds.MinLocations,
				OffHoursStart:           22,
				OffHoursEnd:             6,
				OffHoursFlagShare:       0.30,
			})

			since := time.Now().Add(-time.Duration(sinceHours) * time.Hour).Unix()
			report, err := a.Analyze(cmd.Context(), dbPath, track, since, 0)
			if err != nil {
				return err
			}

			if minPersistence > 0 {
				kept := report.SuspiciousDevices[:0]
				for _, d := range report.SuspiciousDevices {
					if d.Persistence.Score >= minPersistence {
						kept = append(kept, d)
					}
				}
				report.SuspiciousDevices = kept
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "capture database path (default: newest match of the configured glob)")
	cmd.Flags().IntVar(&sinceHours, "since", 24, "analysis window in hours")
	cmd.Flags().Float64Var(&minPersistence, "min-persistence", 0, "only report devices at or above this persistence score")
	cmd.Flags().StringVar(&gpsPath, "gps", "", "JSON file with the operator GPS track")
	return cmd
}

func healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run a one-shot sniffer health check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			supervisor := health.NewSupervisor(snifferdb.NewReader(), supervisorConfig(cfg))
			h, err := supervisor.Check(cmd.Context())
			fmt.Printf("process:   %v\ndatabase:  %v\nfreshness: %v\n", h.ProcessOK, h.DatabaseOK, h.FreshnessOK)
			if err != nil {
				return &exitError{code: exitNoSniffer, err: err}
			}
			return nil
		},
	}
}

func reloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running monitor to reload its ignore and watch lists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := reloadsvc.Reload(cmd.Context(), cfg.Paths.ControlSocket); err != nil {
				return fmt.Errorf("reload failed (is the monitor running?): %w", err)
			}
			fmt.Println("lists reloaded")
			return nil
		},
	}
}
