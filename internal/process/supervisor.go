package process

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/config"
	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

// managed is the supervisor's bookkeeping for one live plugin process
type managed struct {
	plugin     string
	handle     Handle
	workingDir string
	pid        int
	startedAt  time.Time
}

// Supervisor owns the table of live plugin processes. At most one process
// per plugin name exists at any time; every transition is reconciled here
// and published on the bus, so asynchronous OS signals and manager-side
// bookkeeping cannot diverge into false-positive failures.
type Supervisor struct {
	bus    *events.Bus
	logger *logging.Logger
	spawn  Spawner

	benign        map[int]bool
	startupVerify time.Duration
	stopGrace     time.Duration
	killGrace     time.Duration

	mu       sync.RWMutex
	procs    map[string]*managed
	starting map[string]bool
	stopping map[string]bool
}

// NewSupervisor wires a supervisor. The spawner defaults to the real OS
// spawner when nil.
func NewSupervisor(cfg config.ProcessConfig, bus *events.Bus, logger *logging.Logger, spawn Spawner) *Supervisor {
	if spawn == nil {
		spawn = Spawn
	}
	benign := make(map[int]bool, len(cfg.BenignExitCodes))
	for _, code := range cfg.BenignExitCodes {
		benign[code] = true
	}
	return &Supervisor{
		bus:           bus,
		logger:        logger.Component("supervisor"),
		spawn:         spawn,
		benign:        benign,
		startupVerify: cfg.StartupVerify,
		stopGrace:     cfg.StopGrace,
		killGrace:     cfg.KillGrace,
		procs:         make(map[string]*managed),
		starting:      make(map[string]bool),
		stopping:      make(map[string]bool),
	}
}

// StartPlugin launches a process for the plugin. Returns false without
// side effects when one already exists; the second caller is told via a
// warning notice, never an error.
func (s *Supervisor) StartPlugin(name string, spec SpawnSpec) (bool, error) {
	s.mu.Lock()
	_, exists := s.procs[name]
	// A start still in flight holds the name until its spawn resolves;
	// without this a second caller races past the table check.
	if exists || s.starting[name] {
		s.mu.Unlock()
		s.logger.Warn("start rejected, plugin already running", zap.String("plugin", name))
		s.bus.Notice(types.SeverityWarning, name+" is already running")
		return false, nil
	}
	s.starting[name] = true
	s.mu.Unlock()

	s.bus.PluginStatus(name, types.StatusStarting)

	handle, err := s.spawn(spec)
	if err != nil {
		s.mu.Lock()
		delete(s.starting, name)
		s.mu.Unlock()
		s.bus.PluginStatus(name, types.StatusError)
		s.bus.PluginError(name, "failed to launch: "+err.Error())
		return false, err
	}

	s.mu.Lock()
	s.procs[name] = &managed{
		plugin:     name,
		handle:     handle,
		workingDir: spec.WorkingDir,
		pid:        handle.Pid(),
		startedAt:  time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("plugin process launched",
		zap.String("plugin", name), zap.Int("pid", handle.Pid()))

	go s.watch(name, handle)

	// The started notification is not guaranteed to fire on every
	// platform; confirm liveness ourselves after a short delay so a
	// healthy spawn never stays stuck in starting.
	time.AfterFunc(s.startupVerify, func() { s.verifyStarted(name) })

	return true, nil
}

// StopPlugin gracefully stops a plugin: terminate, wait, then kill.
// Returns false without side effects when the plugin is not in the table.
func (s *Supervisor) StopPlugin(name string) bool {
	s.mu.Lock()
	proc, ok := s.procs[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.stopping[name] = true
	s.mu.Unlock()

	s.bus.PluginStatus(name, types.StatusStopping)

	if err := proc.handle.Terminate(); err != nil {
		s.logger.Warn("terminate failed, escalating to kill",
			zap.String("plugin", name), zap.Error(err))
	}
	if !proc.handle.WaitExit(s.stopGrace) {
		s.logger.Warn("plugin ignored terminate, killing",
			zap.String("plugin", name))
		if err := proc.handle.Kill(); err != nil {
			s.logger.Error("kill failed", zap.String("plugin", name), zap.Error(err))
		}
		proc.handle.WaitExit(s.killGrace)
	}

	if s.cleanup(name) {
		s.bus.PluginStatus(name, types.StatusStopped)
	}
	return true
}

// IsPluginRunning reports whether a process exists for the plugin.
// Read-only over current table state; never blocks on process I/O.
func (s *Supervisor) IsPluginRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.procs[name]
	return ok
}

// RunningPlugins lists every plugin with a live table entry
func (s *Supervisor) RunningPlugins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	return names
}

// Pid returns the tracked pid, or -1 when the plugin is not running
func (s *Supervisor) Pid(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if proc, ok := s.procs[name]; ok {
		return proc.pid
	}
	return -1
}

// StopAll stops every running plugin; used on shutdown
func (s *Supervisor) StopAll() {
	for _, name := range s.RunningPlugins() {
		s.StopPlugin(name)
	}
}

// watch consumes one handle's notifications until it closes
func (s *Supervisor) watch(name string, handle Handle) {
	for n := range handle.Notifications() {
		switch n.Kind {
		case NotifyStarted:
			s.markRunning(name)
		case NotifyFinished:
			s.handleExit(name, n.ExitCode, n.Abnormal)
		case NotifyErrored:
			s.handleError(name, handle, n.Err)
		case NotifyOutput:
			s.bus.Publish(types.Event{
				Type:    types.EventPluginOutput,
				Plugin:  name,
				Stream:  n.Stream,
				Message: n.Chunk,
			})
		}
	}
}

// verifyStarted promotes a plugin still stuck in starting if its process
// is confirmed alive; spawn success must never hinge on a callback that
// can silently fail to fire.
func (s *Supervisor) verifyStarted(name string) {
	s.mu.Lock()
	proc, tracked := s.procs[name]
	pending := s.starting[name]
	s.mu.Unlock()

	if !tracked || !pending {
		return
	}
	if proc.handle.Alive() {
		s.logger.Debug("started signal never fired, promoting after liveness check",
			zap.String("plugin", name))
		s.markRunning(name)
	}
}

func (s *Supervisor) markRunning(name string) {
	s.mu.Lock()
	_, tracked := s.procs[name]
	pending := s.starting[name]
	delete(s.starting, name)
	s.mu.Unlock()

	if !tracked || !pending {
		return
	}
	s.bus.PluginStatus(name, types.StatusRunning)
}

// handleExit classifies a process exit and retires the table entry.
// Exit code 0 is always normal; the configured allow-list covers codes
// produced by forceful-but-expected termination on some platforms.
func (s *Supervisor) handleExit(name string, code int, abnormal bool) {
	s.mu.RLock()
	wasStopping := s.stopping[name]
	s.mu.RUnlock()

	normal := !abnormal && (code == 0 || s.benign[code])
	if wasStopping {
		normal = true
	}

	if !s.cleanup(name) {
		return
	}

	if normal {
		s.logger.Info("plugin exited",
			zap.String("plugin", name), zap.Int("exit_code", code))
		s.bus.PluginStatus(name, types.StatusStopped)
		return
	}

	s.logger.Warn("plugin exited abnormally",
		zap.String("plugin", name),
		zap.Int("exit_code", code),
		zap.Bool("signalled", abnormal))
	s.bus.PluginStatus(name, types.StatusError)
	s.bus.PluginError(name, "process exited abnormally")
}

// handleError reconciles a raw OS error signal against the tracked state.
// During the start/stop windows these are expected transients and stay
// suppressed as long as the process itself is still alive.
func (s *Supervisor) handleError(name string, handle Handle, err error) {
	s.mu.RLock()
	transitional := s.starting[name] || s.stopping[name]
	s.mu.RUnlock()

	if transitional && handle.Alive() {
		s.logger.Debug("suppressing error signal during transition",
			zap.String("plugin", name), zap.Error(err))
		return
	}

	if !s.cleanup(name) {
		return
	}
	s.logger.Error("plugin process errored",
		zap.String("plugin", name), zap.Error(err))
	s.bus.PluginStatus(name, types.StatusError)
	s.bus.PluginError(name, "process error: "+errText(err))
}

// cleanup retires a plugin from every table. Idempotent; only the caller
// that actually removed the entry gets true and may publish the terminal
// status, so concurrent exit paths cannot double-report.
func (s *Supervisor) cleanup(name string) bool {
	s.mu.Lock()
	proc, existed := s.procs[name]
	delete(s.procs, name)
	delete(s.starting, name)
	delete(s.stopping, name)
	s.mu.Unlock()

	if !existed {
		return false
	}
	if proc.handle.Alive() {
		proc.handle.Terminate()
		if !proc.handle.WaitExit(s.killGrace) {
			proc.handle.Kill()
		}
	}
	return true
}

func errText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
