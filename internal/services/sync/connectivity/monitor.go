package connectivity

import (
	"context"
	"log"
	"sync"

	"github.com/louisbranch/offlinesync/internal/services/sync/engine"
)

// Drainer runs a sync drain. *engine.Engine satisfies it.
type Drainer interface {
	Drain(ctx context.Context) (engine.Result, error)
}

// Options configures a Monitor.
type Options struct {
	// DrainOnStart triggers a drain from Start when the source is already
	// online.
	DrainOnStart bool
	Logf         func(string, ...any)
}

// Monitor triggers one drain on every offline to online edge.
type Monitor struct {
	source  Source
	drainer Drainer
	logf    func(string, ...any)
	opts    Options

	mu          sync.Mutex
	online      bool
	started     bool
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New builds a Monitor. It does nothing until Start.
func New(source Source, drainer Drainer, opts Options) *Monitor {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Monitor{source: source, drainer: drainer, logf: logf, opts: opts}
}

// Start subscribes to the source. Drains run on contexts derived from ctx.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.online = m.source.IsOnline()
	drainNow := m.online && m.opts.DrainOnStart
	m.mu.Unlock()

	unsubscribe := m.source.OnChange(m.handle)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		unsubscribe()
		return
	}
	m.unsubscribe = unsubscribe
	// An edge between the first read and the subscription was never
	// delivered; re-read now that events are flowing.
	if online := m.source.IsOnline(); online != m.online {
		m.online = online
		if online {
			m.triggerLocked("online")
			drainNow = false
		}
	}
	if drainNow {
		m.triggerLocked("start")
	}
	m.mu.Unlock()
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Close unsubscribes, cancels in-flight drains and waits for them.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	cancel := m.cancel
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) handle(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	switch event {
	case BecameOnline:
		if m.online {
			return
		}
		m.online = true
		m.triggerLocked("online")
	case BecameOffline:
		m.online = false
	}
}

// triggerLocked starts an asynchronous drain. Overlap is coalesced by the
// drainer's single-flight guard. Callers hold m.mu.
func (m *Monitor) triggerLocked(reason string) {
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		result, err := m.drainer.Drain(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logf("connectivity drain (%s) failed: %v", reason, err)
			}
			return
		}
		if result.Halted {
			m.logf("connectivity drain (%s) halted; waiting for the next online edge", reason)
		}
	}()
}
