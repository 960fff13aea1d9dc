package mcp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ChangeFunc is invoked when a point's or range position's value differs
// from the last observed value. number is the point's absolute device
// number (for a range, start+index).
type ChangeFunc func(class string, number uint32, oldValue, newValue Value)

// ErrorFunc is invoked when a read fails for a target. identifier is the
// device number for a point, or "start-end" for a range.
type ErrorFunc func(class string, identifier string, err error)

// Handle identifies a registered monitor target for later removal.
type Handle int

// reader is the subset of *Session the monitor depends on, so tests can
// substitute a stub.
type reader interface {
	ReadPoint(class string, number uint32) (Value, error)
	ReadPoints(class string, start uint32, count int) ([]Value, error)
}

type target struct {
	handle   Handle
	class    string
	start    uint32
	count    int // 1 for a point, the range width for a range
	isRange  bool
	onChange ChangeFunc
	onError  ErrorFunc

	havePoint  bool
	lastPoint  Value
	haveRange  bool
	lastValues []Value
}

func (t *target) identifier() string {
	if !t.isRange {
		return fmt.Sprintf("%d", t.start)
	}
	return fmt.Sprintf("%d-%d", t.start, t.start+uint32(t.count)-1)
}

// Monitor periodically polls a set of registered targets through a Session,
// diffs new reads against the last observed value, and dispatches change
// and error callbacks. It owns exactly one background worker per instance
// (spec.md §4.3, §5).
type Monitor struct {
	session reader
	log     *slog.Logger
	clock   clockwork.Clock

	mu       sync.Mutex
	targets  []*target
	nextH    Handle
	interval time.Duration
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// MonitorOption configures a Monitor at construction time.
type MonitorOption func(*Monitor)

// WithMonitorLogger injects a logger for cycle-budget warnings and
// recovered callback panics. Default is slog.Default().
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMonitorClock injects a clock, primarily for deterministic tests.
// Default is clockwork.NewRealClock().
func WithMonitorClock(c clockwork.Clock) MonitorOption {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewMonitor constructs a Monitor over session, polling every interval. If
// autoStart is true, the worker starts immediately.
func NewMonitor(session reader, interval time.Duration, autoStart bool, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		session:  session,
		log:      slog.Default(),
		clock:    clockwork.NewRealClock(),
		interval: interval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if autoStart {
		m.Start(0)
	}
	return m
}

// AddPoint registers a single device for monitoring. The initial read is
// attempted immediately to seed the last-observed value; a failure invokes
// onError but does not prevent registration (spec.md §4.3 "initial
// snapshot").
func (m *Monitor) AddPoint(class string, number uint32, onChange ChangeFunc, onError ErrorFunc) Handle {
	t := &target{class: class, start: number, count: 1, isRange: false, onChange: onChange, onError: onError}

	m.mu.Lock()
	t.handle = m.nextH
	m.nextH++
	m.targets = append(m.targets, t)
	m.mu.Unlock()

	value, err := m.session.ReadPoint(class, number)
	if err != nil {
		m.log.Warn("mcp: monitor: failed to read initial value", "class", class, "number", number, "error", err)
		m.dispatchError(t, err)
		return t.handle
	}
	t.lastPoint = value
	t.havePoint = true
	return t.handle
}

// AddRange registers a contiguous block of count devices for monitoring.
func (m *Monitor) AddRange(class string, start uint32, count int, onChange ChangeFunc, onError ErrorFunc) Handle {
	t := &target{class: class, start: start, count: count, isRange: true, onChange: onChange, onError: onError}

	m.mu.Lock()
	t.handle = m.nextH
	m.nextH++
	m.targets = append(m.targets, t)
	m.mu.Unlock()

	values, err := m.session.ReadPoints(class, start, count)
	if err != nil {
		m.log.Warn("mcp: monitor: failed to read initial values", "class", class, "start", start, "count", count, "error", err)
		m.dispatchError(t, err)
		return t.handle
	}
	t.lastValues = append([]Value(nil), values...)
	t.haveRange = true
	return t.handle
}

// RemovePoint removes a previously registered point target, reporting
// whether a matching entry existed.
func (m *Monitor) RemovePoint(class string, number uint32) bool {
	return m.remove(func(t *target) bool {
		return !t.isRange && t.class == class && t.start == number
	})
}

// RemoveRange removes a previously registered range target.
func (m *Monitor) RemoveRange(class string, start uint32, count int) bool {
	return m.remove(func(t *target) bool {
		return t.isRange && t.count == count && t.class == class && t.start == start
	})
}

func (m *Monitor) remove(match func(*target) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.targets {
		if match(t) {
			m.targets = append(m.targets[:i], m.targets[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes all registered targets. Safe to call while running.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = nil
}

// IsRunning reports whether the worker is currently running.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start begins the polling worker. Idempotent: if already running, a
// non-zero interval updates the polling period for subsequent cycles.
func (m *Monitor) Start(interval time.Duration) {
	m.mu.Lock()
	if interval > 0 {
		m.interval = interval
	}
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	go m.run(stopCh, doneCh)
}

// Stop signals the worker to exit and waits for it to acknowledge,
// bounded by 2*interval. The worker finishes the target it is currently
// dispatching callbacks for before exiting (spec.md §4.3, §5).
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	doneCh := m.doneCh
	interval := m.interval
	m.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-m.clock.After(2 * interval):
		m.log.Warn("mcp: monitor: worker did not exit within 2x interval")
	}
}

func (m *Monitor) snapshotTargets() []*target {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*target, len(m.targets))
	copy(out, m.targets)
	return out
}

func (m *Monitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		start := m.clock.Now()
		m.runCycle(stopCh)
		elapsed := m.clock.Now().Sub(start)

		m.mu.Lock()
		interval := m.interval
		m.mu.Unlock()

		remaining := interval - elapsed
		if remaining <= 0 {
			m.log.Warn("mcp: monitor: cycle exceeded interval budget", "elapsed", elapsed, "interval", interval)
			continue
		}

		select {
		case <-stopCh:
			return
		case <-m.clock.After(remaining):
		}
	}
}

// runCycle polls every target once, in insertion order, and dispatches any
// resulting callbacks. stopCh is checked before each target so a stop
// request only waits for the in-flight target to finish, not the rest of
// the cycle (spec.md §4.3 "polling cycle", §5 shutdown latency bound).
func (m *Monitor) runCycle(stopCh chan struct{}) {
	for _, t := range m.snapshotTargets() {
		select {
		case <-stopCh:
			return
		default:
		}
		if t.isRange {
			m.pollRange(t)
		} else {
			m.pollPoint(t)
		}
	}
}

func (m *Monitor) pollPoint(t *target) {
	value, err := m.session.ReadPoint(t.class, t.start)
	if err != nil {
		m.dispatchError(t, err)
		return
	}
	if t.havePoint && !t.lastPoint.Equal(value) {
		m.dispatchChange(t, t.start, t.lastPoint, value)
	}
	t.lastPoint = value
	t.havePoint = true
}

func (m *Monitor) pollRange(t *target) {
	values, err := m.session.ReadPoints(t.class, t.start, t.count)
	if err != nil {
		m.dispatchError(t, err)
		return
	}
	if t.haveRange {
		for i, nv := range values {
			if i < len(t.lastValues) && !t.lastValues[i].Equal(nv) {
				m.dispatchChange(t, t.start+uint32(i), t.lastValues[i], nv)
			}
		}
	}
	t.lastValues = append(t.lastValues[:0], values...)
	t.haveRange = true
}

// dispatchChange invokes t.onChange inside a guard that recovers and logs
// any panic, so a misbehaving callback can never abort the worker or
// affect other targets (spec.md §4.3 "callback isolation").
func (m *Monitor) dispatchChange(t *target, number uint32, oldValue, newValue Value) {
	if t.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("mcp: monitor: change callback panicked", "class", t.class, "number", number, "panic", r)
		}
	}()
	t.onChange(t.class, number, oldValue, newValue)
}

func (m *Monitor) dispatchError(t *target, err error) {
	if t.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("mcp: monitor: error callback panicked", "class", t.class, "identifier", t.identifier(), "panic", r)
		}
	}()
	t.onError(t.class, t.identifier(), err)
}
