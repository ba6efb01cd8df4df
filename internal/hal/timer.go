package hal

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// SimTimer is a host implementation of TimerService with a fixed number of
// slots, mirroring the alarm pool of a microcontroller timer block.
type SimTimer struct {
	mode       DriveMode
	resolution time.Duration
	slots      int

	mu     sync.Mutex
	next   TimerHandle
	timers map[TimerHandle]*simTimer
}

type simTimer struct {
	period time.Duration
	cb     func() bool
	stop   chan struct{}
	once   sync.Once
}

func (t *simTimer) halt() {
	t.once.Do(func() { close(t.stop) })
}

// NewSimTimer creates a timer service. Resolution is only used in paced mode.
func NewSimTimer(mode DriveMode, resolution time.Duration, slots int) *SimTimer {
	if resolution <= 0 {
		resolution = time.Millisecond
	}
	return &SimTimer{
		mode:       mode,
		resolution: resolution,
		slots:      slots,
		timers:     make(map[TimerHandle]*simTimer),
	}
}

// Schedule registers a repeating callback.
func (s *SimTimer) Schedule(period time.Duration, cb func() bool) (TimerHandle, error) {
	if period <= 0 {
		return 0, fmt.Errorf("timer period must be > 0, got %v", period)
	}
	if cb == nil {
		return 0, fmt.Errorf("timer callback is required")
	}

	s.mu.Lock()
	if len(s.timers) >= s.slots {
		s.mu.Unlock()
		return 0, fmt.Errorf("schedule %v timer: %w", period, ErrNoTimer)
	}
	s.next++
	h := s.next
	t := &simTimer{period: period, cb: cb, stop: make(chan struct{})}
	s.timers[h] = t
	s.mu.Unlock()

	switch s.mode {
	case ModeFast:
		go s.runFast(h, t)
	case ModePaced:
		go s.runPaced(h, t)
	}
	return h, nil
}

// Cancel stops a timer. It is safe to cancel an already finished timer.
func (s *SimTimer) Cancel(h TimerHandle) {
	s.mu.Lock()
	t, ok := s.timers[h]
	delete(s.timers, h)
	s.mu.Unlock()

	if ok {
		t.halt()
	}
}

// Active returns the number of scheduled timers.
func (s *SimTimer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Step fires every scheduled timer n times on the calling goroutine.
// It returns the number of callbacks invoked. Only meaningful in manual mode.
func (s *SimTimer) Step(n int) int {
	fired := 0
	for i := 0; i < n; i++ {
		s.mu.Lock()
		handles := make([]TimerHandle, 0, len(s.timers))
		for h := range s.timers {
			handles = append(handles, h)
		}
		s.mu.Unlock()
		sort.Slice(handles, func(a, b int) bool { return handles[a] < handles[b] })

		for _, h := range handles {
			s.mu.Lock()
			t, ok := s.timers[h]
			s.mu.Unlock()
			if !ok {
				continue
			}
			fired++
			if !t.cb() {
				s.finish(h, t)
			}
		}
	}
	return fired
}

// Close cancels every timer.
func (s *SimTimer) Close() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[TimerHandle]*simTimer)
	s.mu.Unlock()

	for _, t := range timers {
		t.halt()
	}
}

func (s *SimTimer) finish(h TimerHandle, t *simTimer) {
	s.mu.Lock()
	if cur, ok := s.timers[h]; ok && cur == t {
		delete(s.timers, h)
	}
	s.mu.Unlock()
	t.halt()
}

func (s *SimTimer) runFast(h TimerHandle, t *simTimer) {
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		if !t.cb() {
			s.finish(h, t)
			return
		}
		runtime.Gosched()
	}
}

func (s *SimTimer) runPaced(h TimerHandle, t *simTimer) {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	start := time.Now()
	fired := int64(0)
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		due := int64(time.Since(start) / t.period)
		for ; fired < due; fired++ {
			select {
			case <-t.stop:
				return
			default:
			}
			if !t.cb() {
				s.finish(h, t)
				return
			}
		}
	}
}
