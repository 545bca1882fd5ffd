// Package config loads and validates the engine's JSON configuration
// document, binding it through viper into one typed Config value that
// is passed through the component constructors.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

// Paths mirrors the document's "paths" section.
type Paths struct {
	SnifferDBGlob string `mapstructure:"sniffer_db_glob"`
	LogDir        string `mapstructure:"log_dir"`
	IgnoreListDir string `mapstructure:"ignore_list_dir"`
	HistoryDB     string `mapstructure:"history_db"`
	ControlSocket string `mapstructure:"control_socket"`
}

// TimeWindows mirrors "timing.time_windows", seconds per span.
type TimeWindows struct {
	Recent int64 `mapstructure:"recent"`
	Medium int64 `mapstructure:"medium"`
	Old    int64 `mapstructure:"old"`
	Oldest int64 `mapstructure:"oldest"`
}

// Timing mirrors the document's "timing" section.
type Timing struct {
	TickIntervalSeconds  int64       `mapstructure:"tick_interval_seconds"`
	SlackSeconds         int64       `mapstructure:"slack_seconds"`
	AlertCooldownSeconds int64       `mapstructure:"alert_cooldown_seconds"`
	TimeWindows          TimeWindows `mapstructure:"time_windows"`
}

// DetectionThresholds mirrors the document's "detection_thresholds" section.
type DetectionThresholds struct {
	MinAppearances               int     `mapstructure:"min_appearances"`
	MinLocations                 int     `mapstructure:"min_locations"`
	PersistenceScoreCritical     float64 `mapstructure:"persistence_score_critical"`
	PersistenceScoreHigh         float64 `mapstructure:"persistence_score_high"`
	PersistenceScoreMedium       float64 `mapstructure:"persistence_score_medium"`
	AppearanceFrequencyThreshold float64 `mapstructure:"appearance_frequency_threshold"`
	BehavioralConfidence         float64 `mapstructure:"behavioral_confidence"`
}

// GPSSettings mirrors the document's "gps_settings" section.
type GPSSettings struct {
	LocationThresholdMeters float64 `mapstructure:"location_threshold_meters"`
	SessionTimeoutSeconds   int64   `mapstructure:"session_timeout_seconds"`
}

// Health mirrors the document's "health" section.
type Health struct {
	Enabled                       bool   `mapstructure:"enabled"`
	CheckIntervalCycles           int    `mapstructure:"check_interval_cycles"`
	DataFreshnessThresholdMinutes int    `mapstructure:"data_freshness_threshold_minutes"`
	AutoRestart                   bool   `mapstructure:"auto_restart"`
	MaxRestartAttempts            int    `mapstructure:"max_restart_attempts"`
	RestartCooldownSeconds        int64  `mapstructure:"restart_cooldown_seconds"`
	StartupCommand                string `mapstructure:"startup_command"`
	StartupWaitSeconds            int64  `mapstructure:"startup_wait_seconds"`
	SnifferProcessName            string `mapstructure:"sniffer_process_name"`
}

// AlertBus mirrors the document's "alert_bus" section.
type AlertBus struct {
	Handle string `mapstructure:"handle"`
}

// Config is the fully validated, bound configuration document.
type Config struct {
	Paths               Paths               `mapstructure:"paths"`
	Timing              Timing              `mapstructure:"timing"`
	DetectionThresholds DetectionThresholds `mapstructure:"detection_thresholds"`
	GPSSettings         GPSSettings         `mapstructure:"gps_settings"`
	Health              Health              `mapstructure:"health"`
	AlertBus            AlertBus            `mapstructure:"alert_bus"`
}

// defaults returns the engine's built-in defaults.
func defaults() Config {
	return Config{
		Paths: Paths{
			SnifferDBGlob: "/opt/kismet/*.kismet",
			LogDir:        "/var/log/cyt",
			IgnoreListDir: "/etc/cyt",
			HistoryDB:     "/var/lib/cyt/cyt.db",
			ControlSocket: "/var/run/cyt.sock",
		},
		Timing: Timing{
			TickIntervalSeconds:  60,
			SlackSeconds:         15,
			AlertCooldownSeconds: 300,
			TimeWindows: TimeWindows{
				Recent: 300,
				Medium: 600,
				Old:    900,
				Oldest: 1200,
			},
		},
		DetectionThresholds: DetectionThresholds{
			MinAppearances:               3,
			MinLocations:                 3,
			PersistenceScoreCritical:     0.8,
			PersistenceScoreHigh:         0.6,
			PersistenceScoreMedium:       0.4,
			AppearanceFrequencyThreshold: 0.5,
			BehavioralConfidence:         0.60,
		},
		GPSSettings: GPSSettings{
			LocationThresholdMeters: 100,
			SessionTimeoutSeconds:   600,
		},
		Health: Health{
			Enabled:                       true,
			CheckIntervalCycles:           5,
			DataFreshnessThresholdMinutes: 5,
			AutoRestart:                   false,
			MaxRestartAttempts:            3,
			RestartCooldownSeconds:        60,
			StartupWaitSeconds:            10,
			SnifferProcessName:            "kismet",
		},
	}
}

// Load reads the JSON configuration document at path, applies defaults
// for unset fields, and validates it. Unknown keys are ignored (viper's
// default behavior) and logged by the caller if it wishes.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	setViperDefaults(v, defaults())

	if err := v.ReadInConfig(); err != nil {
		return nil, &domain.ConfigError{Field: path, Err: err}
	}

	cfg := defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &domain.ConfigError{Field: "unmarshal", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setViperDefaults(v *viper.Viper, d Config) {
	v.SetDefault("paths.sniffer_db_glob", d.Paths.SnifferDBGlob)
	v.SetDefault("paths.log_dir", d.Paths.LogDir)
	v.SetDefault("paths.ignore_list_dir", d.Paths.IgnoreListDir)
	v.SetDefault("paths.history_db", d.Paths.HistoryDB)
	v.SetDefault("paths.control_socket", d.Paths.ControlSocket)
	v.SetDefault("timing.tick_interval_seconds", d.Timing.TickIntervalSeconds)
	v.SetDefault("timing.slack_seconds", d.Timing.SlackSeconds)
	v.SetDefault("timing.alert_cooldown_seconds", d.Timing.AlertCooldownSeconds)
	v.SetDefault("timing.time_windows.recent", d.Timing.TimeWindows.Recent)
	v.SetDefault("timing.time_windows.medium", d.Timing.TimeWindows.Medium)
	v.SetDefault("timing.time_windows.old", d.Timing.TimeWindows.Old)
	v.SetDefault("timing.time_windows.oldest", d.Timing.TimeWindows.Oldest)
	v.SetDefault("detection_thresholds.min_appearances", d.DetectionThresholds.MinAppearances)
	v.SetDefault("detection_thresholds.min_locations", d.DetectionThresholds.MinLocations)
	v.SetDefault("detection_thresholds.persistence_score_critical", d.DetectionThresholds.PersistenceScoreCritical)
	v.SetDefault("detection_thresholds.persistence_score_high", d.DetectionThresholds.PersistenceScoreHigh)
	v.SetDefault("detection_thresholds.persistence_score_medium", d.DetectionThresholds.PersistenceScoreMedium)
	v.SetDefault("detection_thresholds.appearance_frequency_threshold", d.DetectionThresholds.AppearanceFrequencyThreshold)
	v.SetDefault("detection_thresholds.behavioral_confidence", d.DetectionThresholds.BehavioralConfidence)
	v.SetDefault("gps_settings.location_threshold_meters", d.GPSSettings.LocationThresholdMeters)
	v.SetDefault("gps_settings.session_timeout_seconds", d.GPSSettings.SessionTimeoutSeconds)
	v.SetDefault("health.enabled", d.Health.Enabled)
	v.SetDefault("health.check_interval_cycles", d.Health.CheckIntervalCycles)
	v.SetDefault("health.data_freshness_threshold_minutes", d.Health.DataFreshnessThresholdMinutes)
	v.SetDefault("health.auto_restart", d.Health.AutoRestart)
	v.SetDefault("health.max_restart_attempts", d.Health.MaxRestartAttempts)
	v.SetDefault("health.restart_cooldown_seconds", d.Health.RestartCooldownSeconds)
	v.SetDefault("health.startup_wait_seconds", d.Health.StartupWaitSeconds)
	v.SetDefault("health.sniffer_process_name", d.Health.SnifferProcessName)
}

// Validate checks threshold ordering and the required paths. A bad
// document is fatal at startup, never silently coerced.
func (c Config) Validate() error {
	th := c.DetectionThresholds
	if !(0.0 <= th.PersistenceScoreMedium && th.PersistenceScoreMedium <= th.PersistenceScoreHigh && th.PersistenceScoreHigh <= th.PersistenceScoreCritical && th.PersistenceScoreCritical <= 1.0) {
		return &domain.ConfigError{Field: "detection_thresholds", Err: fmt.Errorf("persistence thresholds out of order: medium=%.2f high=%.2f critical=%.2f", th.PersistenceScoreMedium, th.PersistenceScoreHigh, th.PersistenceScoreCritical)}
	}
	if strings.TrimSpace(c.Paths.SnifferDBGlob) == "" {
		return &domain.ConfigError{Field: "paths.sniffer_db_glob", Err: fmt.Errorf("must not be empty")}
	}
	if c.Timing.TickIntervalSeconds <= 0 {
		return &domain.ConfigError{Field: "timing.tick_interval_seconds", Err: fmt.Errorf("must be positive")}
	}
	if c.Health.MaxRestartAttempts < 0 {
		return &domain.ConfigError{Field: "health.max_restart_attempts", Err: fmt.Errorf("must be non-negative")}
	}
	return nil
}

// Thresholds converts the config's detection thresholds into the
// domain's closed PersistenceThresholds type.
func (c Config) Thresholds() domain.PersistenceThresholds {
	return domain.PersistenceThresholds{
		Medium:   c.DetectionThresholds.PersistenceScoreMedium,
		High:     c.DetectionThresholds.PersistenceScoreHigh,
		Critical: c.DetectionThresholds.PersistenceScoreCritical,
	}
}
