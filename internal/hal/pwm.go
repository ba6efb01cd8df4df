package hal

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// SimPWM is a host implementation of CycleService. Each wrap sets the
// pending flag and, when the interrupt is enabled, runs the handler on the
// peripheral goroutine. Levels are forwarded to the sink while enabled.
type SimPWM struct {
	mode          DriveMode
	resolution    time.Duration
	systemClockHz float64
	sink          AnalogSink

	mu         sync.Mutex
	cfg        CycleConfig
	configured bool
	enabled    bool
	irqEnabled bool
	handler    func()
	pending    bool
	level      uint16
	wraps      int64
	spurious   int64

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// NewSimPWM creates a simulated output slice. In fast and paced modes a
// goroutine services wraps until Close.
func NewSimPWM(mode DriveMode, resolution time.Duration, systemClockHz float64, sink AnalogSink) *SimPWM {
	if resolution <= 0 {
		resolution = time.Millisecond
	}
	p := &SimPWM{
		mode:          mode,
		resolution:    resolution,
		systemClockHz: systemClockHz,
		sink:          sink,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	if mode != ModeManual {
		go p.run()
	}
	return p
}

// Configure sets the clock divider and wrap value.
func (p *SimPWM) Configure(cfg CycleConfig) error {
	if cfg.ClockDivider < 1 || cfg.ClockDivider >= 256 {
		return fmt.Errorf("clock divider must be in [1, 256), got %.4f", cfg.ClockDivider)
	}
	if cfg.Wrap == 0 {
		return fmt.Errorf("wrap must be > 0")
	}

	p.mu.Lock()
	p.cfg = cfg
	p.configured = true
	p.mu.Unlock()
	return nil
}

// SetEnabled starts or stops the counter.
func (p *SimPWM) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
	p.poke()
}

// SetLevel sets the compare level for the next cycles.
func (p *SimPWM) SetLevel(level uint16) {
	p.mu.Lock()
	p.level = level
	enabled := p.enabled
	p.mu.Unlock()

	if enabled && p.sink != nil {
		p.sink.SetLevel(level)
	}
}

// EnableInterrupt installs the wrap handler and unmasks the interrupt.
func (p *SimPWM) EnableInterrupt(handler func()) {
	p.mu.Lock()
	p.handler = handler
	p.irqEnabled = true
	p.mu.Unlock()
	p.poke()
}

// DisableInterrupt masks the wrap interrupt. It may be called from the handler.
func (p *SimPWM) DisableInterrupt() {
	p.mu.Lock()
	p.irqEnabled = false
	p.mu.Unlock()
}

// ClearPending acknowledges the current wrap.
func (p *SimPWM) ClearPending() {
	p.mu.Lock()
	p.pending = false
	p.mu.Unlock()
}

// Step simulates n wraps on the calling goroutine (manual mode).
func (p *SimPWM) Step(n int) {
	for i := 0; i < n; i++ {
		p.wrap()
	}
}

// Close stops the service goroutine.
func (p *SimPWM) Close() {
	p.closeOnce.Do(func() { close(p.stop) })
}

// Enabled reports whether the counter is running.
func (p *SimPWM) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// InterruptEnabled reports whether the wrap interrupt is unmasked.
func (p *SimPWM) InterruptEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.irqEnabled
}

// Level returns the last level written.
func (p *SimPWM) Level() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Wraps returns the number of cycles simulated while enabled.
func (p *SimPWM) Wraps() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wraps
}

// Spurious returns how many wraps found the previous interrupt unacknowledged.
func (p *SimPWM) Spurious() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spurious
}

func (p *SimPWM) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *SimPWM) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && p.irqEnabled && p.configured
}

func (p *SimPWM) wrap() {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	p.wraps++
	if p.pending {
		p.spurious++
	}
	p.pending = true
	handler := p.handler
	fire := p.irqEnabled && handler != nil
	p.mu.Unlock()

	if fire {
		handler()
	}
}

func (p *SimPWM) run() {
	for {
		if !p.active() {
			select {
			case <-p.stop:
				return
			case <-p.wake:
				continue
			}
		}

		if p.mode == ModePaced {
			if p.runPaced() {
				return
			}
			continue
		}

		select {
		case <-p.stop:
			return
		default:
		}
		p.wrap()
		runtime.Gosched()
	}
}

// runPaced fires wraps at the configured cycle rate until the interrupt is
// masked or the output disabled. It returns true when the slice is closed.
func (p *SimPWM) runPaced() bool {
	p.mu.Lock()
	rate := p.cfg.CycleRate(p.systemClockHz)
	p.mu.Unlock()
	if rate <= 0 {
		rate = 1
	}

	ticker := time.NewTicker(p.resolution)
	defer ticker.Stop()

	start := time.Now()
	fired := int64(0)
	for {
		select {
		case <-p.stop:
			return true
		case <-ticker.C:
		}

		due := int64(time.Since(start).Seconds() * rate)
		for ; fired < due; fired++ {
			if !p.active() {
				return false
			}
			p.wrap()
		}
	}
}
