package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"bridgehost/internal/config"
	"bridgehost/internal/domain"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Only these parent variables cross into a spawned agent. Secrets in
// the host environment must never be forwarded.
var inheritedEnvKeys = []string{
	"PATH", "SYSTEMROOT", "TEMP", "TMP", "HOME",
	"USERPROFILE", "APPDATA", "LOCALAPPDATA",
}

// Notifier receives operator-facing alerts. May be nil.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type agent struct {
	cfg config.AgentConfig

	status       domain.AgentStatus
	cmd          *exec.Cmd
	pid          int
	startedAt    *time.Time
	lastCheck    *domain.HealthReport
	restartCount int
	lastError    string

	// stopping marks an operator-initiated stop so the exit handler
	// does not count it as a crash.
	stopping bool
	logSink  *lumberjack.Logger
}

// Supervisor owns the locally spawned bridge-agent processes: start,
// health polling, bounded auto-restart and graceful shutdown. One
// mutex serializes all writes to the agent table, including those from
// exit handlers and the monitor loop.
type Supervisor struct {
	health   *HealthClient
	notifier Notifier

	startupDelay    time.Duration
	restartDelay    time.Duration
	maxRestarts     int
	shutdownTimeout time.Duration
	healthInterval  time.Duration
	healthTimeout   time.Duration

	mu           sync.Mutex
	agents       map[domain.Platform]*agent
	shuttingDown bool

	monitorStop chan struct{}
	monitorDone chan struct{}
}

func New(cfg config.Config, notifier Notifier) *Supervisor {
	s := &Supervisor{
		health:          NewHealthClient(cfg.AgentHealthTimeout),
		notifier:        notifier,
		startupDelay:    cfg.AgentStartupDelay,
		restartDelay:    cfg.AgentRestartDelay,
		maxRestarts:     cfg.AgentMaxRestarts,
		shutdownTimeout: cfg.AgentShutdownTimeout,
		healthInterval:  cfg.AgentHealthInterval,
		healthTimeout:   cfg.AgentHealthTimeout,
		agents:          make(map[domain.Platform]*agent),
	}
	for _, ac := range cfg.Agents {
		s.agents[ac.Platform] = &agent{cfg: ac, status: domain.AgentStopped}
	}
	return s
}

// Start launches the bundled agent for a platform. External and
// unconfigured platforms, and bundled platforms whose executable is
// missing, end up not-available without spawning anything.
func (s *Supervisor) Start(platform domain.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(platform)
}

func (s *Supervisor) startLocked(platform domain.Platform) error {
	a, ok := s.agents[platform]
	if !ok {
		return ErrUnknownPlatform
	}
	if s.shuttingDown {
		return errors.New("supervisor is shutting down")
	}
	if a.cmd != nil {
		return fmt.Errorf("%s agent already running", platform)
	}
	if a.cfg.Mode != domain.AgentModeBundled {
		a.status = domain.AgentNotAvailable
		a.lastError = fmt.Sprintf("agent mode is %s, not managed locally", a.cfg.Mode)
		return nil
	}
	if _, err := os.Stat(a.cfg.ExecPath); err != nil {
		a.status = domain.AgentNotAvailable
		a.lastError = "Bundled agent not found"
		return nil
	}

	a.status = domain.AgentStarting
	a.stopping = false
	a.lastError = ""
	a.logSink = &lumberjack.Logger{
		Filename:   a.cfg.LogPath,
		MaxSize:    10, // MiB before rotation; rotated files keep a timestamp suffix
		MaxBackups: 5,
	}

	cmd := exec.Command(a.cfg.ExecPath)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = childEnv(a.cfg)
	cmd.Stdout = a.logSink
	cmd.Stderr = a.logSink

	if err := cmd.Start(); err != nil {
		a.status = domain.AgentError
		a.lastError = fmt.Sprintf("spawn failed: %v", err)
		_ = a.logSink.Close()
		a.logSink = nil
		return fmt.Errorf("spawn %s agent: %w", platform, err)
	}

	now := time.Now().UTC()
	a.cmd = cmd
	a.pid = cmd.Process.Pid
	a.startedAt = &now
	log.Printf("supervisor: %s agent started, pid %d", platform, a.pid)

	go s.waitExit(platform, cmd)
	go s.startupCheck(platform)
	return nil
}

// childEnv builds the minimized environment for a spawned agent.
func childEnv(cfg config.AgentConfig) []string {
	env := make([]string, 0, len(inheritedEnvKeys)+2)
	for _, key := range inheritedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"BRIDGE_HOST="+cfg.Host,
		fmt.Sprintf("BRIDGE_PORT=%d", cfg.Port),
	)
	return env
}

// startupCheck runs the single post-spawn health probe. A failed probe
// still leaves the agent running: it may simply not be listening yet.
func (s *Supervisor) startupCheck(platform domain.Platform) {
	time.Sleep(s.startupDelay)

	s.mu.Lock()
	a, ok := s.agents[platform]
	if !ok || a.cmd == nil || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	host, port := a.cfg.Host, a.cfg.Port
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.healthTimeout)
	report := s.health.Check(ctx, host, port)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok = s.agents[platform]
	if !ok || a.cmd == nil {
		return
	}
	a.lastCheck = &report
	if report.Healthy && report.TerminalLinked {
		a.status = domain.AgentConnected
	} else {
		a.status = domain.AgentRunning
	}
}

func (s *Supervisor) waitExit(platform domain.Platform, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	a, ok := s.agents[platform]
	if !ok || a.cmd != cmd {
		s.mu.Unlock()
		return
	}
	if a.logSink != nil {
		_ = a.logSink.Close()
		a.logSink = nil
	}
	a.cmd = nil
	a.pid = 0
	a.startedAt = nil

	if a.stopping || s.shuttingDown {
		a.status = domain.AgentStopped
		s.mu.Unlock()
		return
	}

	a.status = domain.AgentError
	if err != nil {
		a.lastError = fmt.Sprintf("agent exited: %v", err)
	} else {
		a.lastError = "agent exited unexpectedly"
	}
	a.restartCount++
	count := a.restartCount
	reason := a.lastError
	s.mu.Unlock()

	log.Printf("supervisor: %s agent exited (restart %d/%d): %s", platform, count, s.maxRestarts, reason)

	if count >= s.maxRestarts {
		msg := fmt.Sprintf("%s agent: max restart attempts exceeded (%d), manual restart required", platform, s.maxRestarts)
		log.Printf("supervisor: %s", msg)
		if s.notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.notifier.Notify(ctx, msg)
			cancel()
		}
		return
	}

	time.AfterFunc(s.restartDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.shuttingDown {
			return
		}
		if err := s.startLocked(platform); err != nil {
			log.Printf("supervisor: auto-restart %s: %v", platform, err)
		}
	})
}

// Stop terminates a platform's agent: graceful signal first, forced
// kill after the shutdown timeout.
func (s *Supervisor) Stop(platform domain.Platform) error {
	s.mu.Lock()
	a, ok := s.agents[platform]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownPlatform
	}
	cmd := a.cmd
	if cmd == nil {
		a.status = domain.AgentStopped
		s.mu.Unlock()
		return nil
	}
	a.stopping = true
	s.mu.Unlock()

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}

	deadline := time.NewTimer(s.shutdownTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			log.Printf("supervisor: %s agent did not exit in time, killing", platform)
			_ = cmd.Process.Kill()
			s.awaitExit(platform, cmd, s.shutdownTimeout)
			return nil
		case <-tick.C:
			if s.exited(platform, cmd) {
				return nil
			}
		}
	}
}

func (s *Supervisor) exited(platform domain.Platform, cmd *exec.Cmd) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[platform]
	return !ok || a.cmd != cmd
}

func (s *Supervisor) awaitExit(platform domain.Platform, cmd *exec.Cmd, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.exited(platform, cmd) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Restart stops the agent, waits a beat, clears the restart counter
// and starts again. Manual restarts always reset the bounded-restart
// budget.
func (s *Supervisor) Restart(platform domain.Platform) error {
	if err := s.Stop(platform); err != nil {
		return err
	}
	time.Sleep(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[platform]
	if !ok {
		return ErrUnknownPlatform
	}
	a.restartCount = 0
	return s.startLocked(platform)
}

// CheckExternal probes an externally managed agent: a TCP dial for
// loopback endpoints, then the regular health check. No process state
// is owned for external agents.
func (s *Supervisor) CheckExternal(ctx context.Context, platform domain.Platform) (domain.AgentStatus, error) {
	s.mu.Lock()
	a, ok := s.agents[platform]
	if !ok {
		s.mu.Unlock()
		return "", ErrUnknownPlatform
	}
	if a.cfg.Mode != domain.AgentModeExternal {
		s.mu.Unlock()
		return "", fmt.Errorf("%s agent is not in external mode", platform)
	}
	host, port := a.cfg.Host, a.cfg.Port
	s.mu.Unlock()

	if isLoopback(host) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), s.healthTimeout)
		if err != nil {
			s.recordExternal(platform, domain.AgentError, domain.HealthReport{
				Reason:    fmt.Sprintf("endpoint not reachable: %v", err),
				CheckedAt: time.Now().UTC(),
			})
			return domain.AgentError, nil
		}
		_ = conn.Close()
	}

	report := s.health.Check(ctx, host, port)
	status := domain.AgentError
	switch {
	case report.Healthy && report.TerminalLinked:
		status = domain.AgentConnected
	case report.Healthy:
		status = domain.AgentRunning
	}
	s.recordExternal(platform, status, report)
	return status, nil
}

func (s *Supervisor) recordExternal(platform domain.Platform, status domain.AgentStatus, report domain.HealthReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[platform]; ok {
		a.status = status
		a.lastCheck = &report
		if status == domain.AgentError {
			a.lastError = report.Reason
		}
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// StartMonitor begins periodic health polling of bundled agents.
func (s *Supervisor) StartMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorStop != nil || s.shuttingDown {
		return
	}
	s.monitorStop = make(chan struct{})
	s.monitorDone = make(chan struct{})
	go s.monitorLoop(s.monitorStop, s.monitorDone)
}

func (s *Supervisor) monitorLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollAgents()
		}
	}
}

func (s *Supervisor) pollAgents() {
	s.mu.Lock()
	targets := make([]domain.Platform, 0, len(s.agents))
	for platform, a := range s.agents {
		if a.cfg.Mode != domain.AgentModeBundled {
			continue
		}
		if a.status == domain.AgentStopped || a.status == domain.AgentNotAvailable {
			continue
		}
		targets = append(targets, platform)
	}
	s.mu.Unlock()

	for _, platform := range targets {
		s.pollOne(platform)
	}
}

// pollOne re-checks one bundled agent. A failed check only forces
// error when the process is actually gone; a successful check lets a
// previously faulted agent earn its restart budget back.
func (s *Supervisor) pollOne(platform domain.Platform) {
	s.mu.Lock()
	a, ok := s.agents[platform]
	if !ok {
		s.mu.Unlock()
		return
	}
	host, port := a.cfg.Host, a.cfg.Port
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.healthTimeout)
	report := s.health.Check(ctx, host, port)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok = s.agents[platform]
	if !ok {
		return
	}
	a.lastCheck = &report
	switch {
	case report.Healthy:
		if report.TerminalLinked {
			a.status = domain.AgentConnected
		} else {
			a.status = domain.AgentRunning
		}
		if a.restartCount != 0 {
			log.Printf("supervisor: %s agent healthy again, clearing restart counter", platform)
			a.restartCount = 0
		}
	case a.cmd == nil:
		// Probe failed and the process is gone: that is a real fault.
		a.status = domain.AgentError
		a.lastError = report.Reason
	default:
		// Process still present: a transient probe failure is noted in
		// lastCheck but does not change status on its own.
	}
}

// State returns a copy of one agent's externally visible state.
func (s *Supervisor) State(platform domain.Platform) (domain.AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[platform]
	if !ok {
		return domain.AgentState{}, ErrUnknownPlatform
	}
	return s.stateLocked(platform, a), nil
}

// States returns every agent's state, keyed by platform.
func (s *Supervisor) States() map[domain.Platform]domain.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Platform]domain.AgentState, len(s.agents))
	for platform, a := range s.agents {
		out[platform] = s.stateLocked(platform, a)
	}
	return out
}

func (s *Supervisor) stateLocked(platform domain.Platform, a *agent) domain.AgentState {
	state := domain.AgentState{
		Platform:     platform,
		Mode:         a.cfg.Mode,
		Status:       a.status,
		PID:          a.pid,
		Port:         a.cfg.Port,
		RestartCount: a.restartCount,
		LastError:    a.lastError,
	}
	if a.startedAt != nil {
		t := *a.startedAt
		state.StartedAt = &t
	}
	if a.lastCheck != nil {
		c := *a.lastCheck
		state.LastCheck = &c
	}
	return state
}

// LogPath reports where a platform's agent output is written.
func (s *Supervisor) LogPath(platform domain.Platform) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[platform]
	if !ok {
		return "", ErrUnknownPlatform
	}
	return a.cfg.LogPath, nil
}

// Shutdown suppresses restarts and health polling, then stops every
// bundled agent. The order matters: the shutting-down flag must be set
// before processes die, or an exit event could schedule a restart.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	stop, done := s.monitorStop, s.monitorDone
	s.monitorStop = nil
	platforms := make([]domain.Platform, 0, len(s.agents))
	for platform := range s.agents {
		platforms = append(platforms, platform)
	}
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, platform := range platforms {
		_ = s.Stop(platform)
	}
}
