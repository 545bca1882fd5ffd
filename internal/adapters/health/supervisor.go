// Package health watches the external sniffer process: is it running,
// is its capture database present, and is the data fresh. It can
// optionally restart a dead sniffer, with a cooldown between attempts
// and a hard attempt cap that only an operator reset clears.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
)

// Config tunes the supervisor.
type Config struct {
	SnifferProcessName string
	SnifferDBGlob      string
	FreshnessThreshold time.Duration

	AutoRestart        bool
	RestartCooldown    time.Duration
	MaxRestartAttempts int
	StartupCommand     string
	StartupWait        time.Duration
}

// DefaultConfig returns the stock supervisor configuration with restart
// disabled.
func DefaultConfig() Config {
	return Config{
		SnifferProcessName: "kismet",
		FreshnessThreshold: 5 * time.Minute,
		AutoRestart:        false,
		RestartCooldown:    60 * time.Second,
		MaxRestartAttempts: 3,
		StartupWait:        10 * time.Second,
	}
}

// processProbe reports whether a process whose executable matches name
// is running, and can terminate matching processes. Separated out so
// tests can substitute a fake for the gopsutil-backed default.
type processProbe interface {
	Running(ctx context.Context, name string) (bool, error)
	Terminate(ctx context.Context, name string) error
}

type gopsutilProbe struct{}

func (gopsutilProbe) Running(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	needle := strings.ToLower(name)
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(pname), needle) {
			return true, nil
		}
	}
	return false, nil
}

func (gopsutilProbe) Terminate(ctx context.Context, name string) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}
	needle := strings.ToLower(name)
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(pname), needle) {
			continue
		}
		if err := p.TerminateWithContext(ctx); err != nil {
			// Escalate if the polite signal was refused.
			_ = p.KillWithContext(ctx)
		}
	}
	return nil
}

// Supervisor performs the three-layer check and manages restarts.
type Supervisor struct {
	reader ports.SnifferReader
	cfg    Config
	probe  processProbe
	clock  func() time.Time
	runCmd func(ctx context.Context, command string) error

	mu                  sync.Mutex
	consecutiveFailures int
	restartAttempts     int
	lastRestart         time.Time
	fatal               bool
	cyclesSinceRestart  int
}

// NewSupervisor wires a supervisor over the sniffer DB reader.
func NewSupervisor(reader ports.SnifferReader, cfg Config) *Supervisor {
	return &Supervisor{
		reader: reader,
		cfg:    cfg,
		probe:  gopsutilProbe{},
		clock:  time.Now,
		runCmd: runStartupCommand,
	}
}

func runStartupCommand(ctx context.Context, command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("empty startup command")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}

// Check runs the three layers. A failing check increments the
// consecutive-failure count; a passing one resets it.
func (s *Supervisor) Check(ctx context.Context) (ports.Health, error) {
	h := ports.Health{}

	running, err := s.probe.Running(ctx, s.cfg.SnifferProcessName)
	if err == nil {
		h.ProcessOK = running
	}

	dbPath, err := s.reader.LatestDBPath(ctx, s.cfg.SnifferDBGlob)
	if err == nil {
		if _, statErr := os.Stat(dbPath); statErr == nil {
			h.DatabaseOK = true
		}
	}

	if h.DatabaseOK {
		age, err := s.reader.LastUpdateAge(ctx, dbPath, s.clock())
		if err == nil && age < s.cfg.FreshnessThreshold {
			h.FreshnessOK = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Healthy() {
		s.consecutiveFailures = 0
		s.cyclesSinceRestart = 0
		return h, nil
	}
	s.consecutiveFailures++
	if !s.lastRestart.IsZero() {
		s.cyclesSinceRestart++
		// Restart attempts are used up and data is still stale two
		// checks after the last one: stop trying.
		if s.cyclesSinceRestart >= 2 && s.restartAttempts >= s.cfg.MaxRestartAttempts {
			s.fatal = true
		}
	}
	return h, &domain.SupervisorFailure{
		ProcessOK:           h.ProcessOK,
		DatabaseOK:          h.DatabaseOK,
		FreshnessOK:         h.FreshnessOK,
		ConsecutiveFailures: s.consecutiveFailures,
	}
}

// Fatal reports whether the supervisor has given up on restarts.
func (s *Supervisor) Fatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// ConsecutiveFailures returns the current failure streak.
func (s *Supervisor) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// RestartAttempts returns how many restarts have been attempted since
// the last reset.
func (s *Supervisor) RestartAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartAttempts
}

// ResetRestartState clears the attempt counter and fatal flag. This is
// the operator's explicit re-arm after the cap was hit.
func (s *Supervisor) ResetRestartState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartAttempts = 0
	s.consecutiveFailures = 0
	s.fatal = false
	s.lastRestart = time.Time{}
	s.cyclesSinceRestart = 0
}

// MaybeRestart attempts a sniffer restart if the health result calls
// for one and restart policy allows it: auto-restart on, not fatal,
// outside the cooldown, under the attempt cap.
func (s *Supervisor) MaybeRestart(ctx context.Context, h ports.Health) error {
	if h.Healthy() || !s.cfg.AutoRestart {
		return nil
	}

	s.mu.Lock()
	if s.fatal {
		s.mu.Unlock()
		return nil
	}
	if s.restartAttempts >= s.cfg.MaxRestartAttempts {
		s.fatal = true
		s.mu.Unlock()
		return &domain.RestartFailure{
			Attempt: s.restartAttempts,
			Err:     fmt.Errorf("restart attempt cap %d reached, operator reset required", s.cfg.MaxRestartAttempts),
		}
	}
	now := s.clock()
	if !s.lastRestart.IsZero() && now.Sub(s.lastRestart) < s.cfg.RestartCooldown {
		s.mu.Unlock()
		return nil
	}
	s.restartAttempts++
	attempt := s.restartAttempts
	s.lastRestart = now
	s.cyclesSinceRestart = 0
	s.mu.Unlock()

	slog.Info("restarting sniffer",
		slog.Int("attempt", attempt),
		slog.String("command", s.cfg.StartupCommand))

	if err := s.probe.Terminate(ctx, s.cfg.SnifferProcessName); err != nil {
		slog.Warn("terminating old sniffer processes failed", slog.Any("error", err))
	}
	if err := s.runCmd(ctx, s.cfg.StartupCommand); err != nil {
		return &domain.RestartFailure{Attempt: attempt, Err: err}
	}

	select {
	case <-time.After(s.cfg.StartupWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	after, checkErr := s.Check(ctx)
	if after.Healthy() {
		slog.Info("sniffer restart succeeded", slog.Int("attempt", attempt))
		return nil
	}
	return &domain.RestartFailure{
		Attempt: attempt,
		Err:     fmt.Errorf("post-restart check still failing: %v", checkErr),
	}
}
