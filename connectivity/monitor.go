// Package connectivity polls network reachability and reports transitions
// to a kernel as is-online/is-offline/back-online events.
//
// Grounded on watchdir.Watcher's background-goroutine-plus-ticker shape
// (acquire/watchdir/watcher.go): where that reacts to fsnotify events,
// Monitor has no OS-level signal for "the network changed" to react to, so
// it polls a CheckFunc on a fixed interval instead, the same tradeoff
// PeriodicExecutor-style polling loops elsewhere in the corpus make when no
// push notification for a condition exists.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kanto-io/uploadkit/kernel"
)

// CheckFunc reports whether the network is currently reachable.
type CheckFunc func(ctx context.Context) bool

// Options configures a Monitor.
type Options struct {
	Interval time.Duration // poll period, default 5s
	Check    CheckFunc     // default DialCheck("8.8.8.8:53", 2s)
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Check == nil {
		o.Check = DialCheck("8.8.8.8:53", 2*time.Second)
	}
}

// DialCheck builds a CheckFunc that reports reachability by attempting a
// TCP dial to addr, closing the connection immediately on success.
func DialCheck(addr string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Monitor polls network reachability on an interval and emits is-online,
// is-offline, and back-online on a kernel's event bus as state changes.
type Monitor struct {
	opts   Options
	kernel *kernel.Kernel

	mu     sync.Mutex
	online bool
	primed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Monitor for k. Start must be called to begin polling.
func New(k *kernel.Kernel, opts Options) *Monitor {
	opts.withDefaults()
	return &Monitor{opts: opts, kernel: k}
}

// Start begins polling in a background goroutine.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts polling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	online := m.opts.Check(ctx)

	m.mu.Lock()
	wasOnline, wasPrimed := m.online, m.primed
	m.online, m.primed = online, true
	m.mu.Unlock()

	if !wasPrimed {
		m.emit(online, false)
		return
	}
	if online == wasOnline {
		return
	}
	m.emit(online, true)
}

func (m *Monitor) emit(online, transition bool) {
	if online {
		if transition {
			m.kernel.Emit("back-online")
		}
		m.kernel.Emit("is-online")
		return
	}
	m.kernel.Emit("is-offline")
}
