package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/pwmloop/internal/audio"
	"github.com/audiolibrelab/pwmloop/internal/config"
	"github.com/audiolibrelab/pwmloop/internal/diag"
	"github.com/audiolibrelab/pwmloop/internal/hal"
	"github.com/audiolibrelab/pwmloop/internal/loopback"
	"github.com/google/uuid"
)

// ErrRunning is returned for operations that need a stopped engine.
var ErrRunning = errors.New("engine already running")

// Service represents the core loopback service interface
type Service interface {
	// Engine lifecycle
	Start(ctx context.Context) error
	Stop() error
	Wait() error
	Restart(ctx context.Context) error

	// Step advances simulated peripherals by n ticks in manual mode
	Step(n int) error

	// Status and configuration
	Status() Status
	LoadProfile(profile string) error
	GetConfig() *config.Config
	GetLastError() string
}

// EngineStatus represents the lifecycle state of the engine
type EngineStatus string

const (
	StatusStandby  EngineStatus = "STANDBY"
	StatusRunning  EngineStatus = "RUNNING"
	StatusFinished EngineStatus = "FINISHED"
	StatusError    EngineStatus = "ERROR"
)

// Status is a JSON friendly snapshot of the service
type Status struct {
	State      EngineStatus          `json:"state"`
	Session    string                `json:"session,omitempty"`
	Profile    string                `json:"profile"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	Samples    int                   `json:"samples"`
	Oversample int                   `json:"oversample"`
	Loop       loopback.Status       `json:"loop"`
	LastCycle  *loopback.CycleReport `json:"last_cycle,omitempty"`
	LevelsOut  int64                 `json:"levels_out"`
	Spurious   int64                 `json:"spurious_interrupts"`
	LastError  string                `json:"last_error,omitempty"`
}

// engine is one running instance of the loop and its peripherals
type engine struct {
	session   string
	startedAt time.Time

	loop  *loopback.Loop
	timer *hal.SimTimer
	pwm   *hal.SimPWM
	sink  audio.Sink

	closeDiag func() error
	cancel    context.CancelFunc
	stopped   bool
	done      chan struct{}
	err       error

	lastCycle loopback.CycleReport
	hasCycle  bool
}

// LoopService is the main service implementation
type LoopService struct {
	cfg        *config.Config
	configFile string
	diagWriter io.Writer

	mu     sync.RWMutex
	state  EngineStatus
	engine *engine

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance. A non-nil diagWriter receives the
// diagnostic report instead of diagnostics.output.
func New(cfg *config.Config, configFile string, diagWriter io.Writer) Service {
	return &LoopService{
		cfg:        cfg,
		configFile: configFile,
		diagWriter: diagWriter,
		state:      StatusStandby,
	}
}

// Start builds the peripherals and runs the loop in the background
func (s *LoopService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StatusRunning {
		return ErrRunning
	}
	s.clearLastError()

	e, err := s.build()
	if err != nil {
		s.state = StatusError
		s.setLastError(fmt.Sprintf("Failed to start engine: %v", err))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	s.engine = e
	s.state = StatusRunning

	slog.Info("Engine started",
		"session", e.session,
		"profile", s.cfg.Profile,
		"samples", s.cfg.BufferLen(),
		"oversample", s.cfg.Audio.Oversample,
		"mode", s.cfg.Sim.Mode)

	go s.run(runCtx, e)
	return nil
}

func (s *LoopService) run(ctx context.Context, e *engine) {
	err := e.loop.Run(ctx)
	s.teardown(e)

	s.mu.Lock()
	e.err = err
	if s.engine == e {
		switch {
		case err != nil:
			s.state = StatusError
		case e.stopped || ctx.Err() != nil:
			s.state = StatusStandby
		default:
			s.state = StatusFinished
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.setLastError(fmt.Sprintf("Engine stopped: %v", err))
	}
	slog.Info("Engine stopped", "session", e.session, "cycles", e.loop.Cycles(), "error", err)
	close(e.done)
}

// build wires config, peripherals and the loop for one session
func (s *LoopService) build() (*engine, error) {
	cfg := s.cfg

	mode, err := hal.ParseMode(cfg.Sim.Mode)
	if err != nil {
		return nil, err
	}

	source, err := audio.NewSource(cfg)
	if err != nil {
		return nil, err
	}
	sink, err := audio.NewSink(cfg)
	if err != nil {
		return nil, err
	}

	e := &engine{
		session:   uuid.New().String(),
		startedAt: time.Now(),
		timer:     hal.NewSimTimer(mode, cfg.Sim.Resolution, cfg.Sim.TimerSlots),
		pwm:       hal.NewSimPWM(mode, cfg.Sim.Resolution, cfg.Playback.SystemClockHz, sink),
		sink:      sink,
		closeDiag: func() error { return nil },
		done:      make(chan struct{}),
	}

	var reporter *diag.Reporter
	if cfg.Diagnostics.Enabled {
		w := s.diagWriter
		if w == nil {
			w, e.closeDiag, err = diag.Open(cfg.Diagnostics.Output)
			if err != nil {
				s.teardown(e)
				return nil, err
			}
		}
		reporter = diag.NewReporter(w, cfg.Diagnostics.VRef)
	}

	opts := loopback.Options{
		Samples:       cfg.BufferLen(),
		Oversample:    cfg.Audio.Oversample,
		ADCBits:       cfg.Capture.ADCBits,
		CapturePeriod: cfg.CapturePeriod(),
		Cycle: hal.CycleConfig{
			ClockDivider: cfg.ClockDivider(),
			Wrap:         uint16(cfg.Playback.Wrap),
		},
		InitTimeout: cfg.Playback.InitTimeout,
		Cycles:      cfg.Run.Cycles,
		Diagnostics: reporter,
		OnCycle: func(r loopback.CycleReport) {
			s.mu.Lock()
			e.lastCycle, e.hasCycle = r, true
			s.mu.Unlock()
			slog.Info("Cycle complete",
				"session", e.session,
				"cycle", r.Cycle,
				"samples", r.Samples,
				"min", r.Min,
				"max", r.Max,
				"duration", r.Duration)
		},
	}

	e.loop, err = loopback.New(opts, e.timer, e.pwm, source)
	if err != nil {
		s.teardown(e)
		return nil, fmt.Errorf("failed to build loop: %w", err)
	}
	return e, nil
}

func (s *LoopService) teardown(e *engine) {
	e.timer.Close()
	e.pwm.Close()
	if err := e.sink.Close(); err != nil {
		slog.Warn("Failed to close output sink", "session", e.session, "error", err)
	}
	if err := e.closeDiag(); err != nil {
		slog.Warn("Failed to close diagnostics output", "session", e.session, "error", err)
	}
}

// Stop cancels the running engine and waits for it to wind down
func (s *LoopService) Stop() error {
	s.mu.Lock()
	e := s.engine
	if e == nil || s.state != StatusRunning {
		s.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.cancel()
	s.mu.Unlock()

	<-e.done
	return nil
}

// Wait blocks until the current engine stops and returns its error
func (s *LoopService) Wait() error {
	s.mu.RLock()
	e := s.engine
	s.mu.RUnlock()

	if e == nil {
		return nil
	}
	<-e.done

	s.mu.RLock()
	defer s.mu.RUnlock()
	return e.err
}

// Restart stops any running engine and starts a new session
func (s *LoopService) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Step advances the simulated timer and output by n ticks each
func (s *LoopService) Step(n int) error {
	s.mu.RLock()
	e := s.engine
	running := s.state == StatusRunning
	simMode := s.cfg.Sim.Mode
	s.mu.RUnlock()

	if e == nil || !running {
		return fmt.Errorf("engine is not running")
	}
	if mode, _ := hal.ParseMode(simMode); mode != hal.ModeManual {
		return fmt.Errorf("step requires sim.mode manual, got %s", simMode)
	}
	for i := 0; i < n; i++ {
		e.timer.Step(1)
		e.pwm.Step(1)
	}
	return nil
}

// Status returns the current engine state and counters
func (s *LoopService) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:      s.state,
		Profile:    s.cfg.Profile,
		Samples:    s.cfg.BufferLen(),
		Oversample: s.cfg.Audio.Oversample,
		LastError:  s.GetLastError(),
	}

	e := s.engine
	if e == nil {
		st.Loop = loopback.Status{PhaseName: loopback.PhaseIdle.String()}
		return st
	}

	st.Session = e.session
	st.StartedAt = e.startedAt
	st.Loop = e.loop.Status()
	st.Spurious = e.pwm.Spurious()
	if e.hasCycle {
		last := e.lastCycle
		st.LastCycle = &last
	}
	if trace, ok := e.sink.(*audio.TraceSink); ok {
		st.LevelsOut = trace.Count()
	}
	return st
}

// LoadProfile loads a new configuration profile. The engine must be stopped.
func (s *LoopService) LoadProfile(profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StatusRunning {
		return fmt.Errorf("cannot load profile '%s': %w", profile, ErrRunning)
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.cfg = newCfg
	return nil
}

// GetConfig returns the current configuration
func (s *LoopService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// GetLastError returns the last error message (thread-safe)
func (s *LoopService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *LoopService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *LoopService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
