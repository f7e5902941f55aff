package audit

import (
	"net"
	"sync"
	"time"

	"aegis.evalgo.org/common"
)

// Monitor reports network connectivity and notifies subscribers on
// transitions. Offline is never an error condition for the pipeline; it
// only switches delivery into the durable queue.
type Monitor interface {
	// Online reports current connectivity.
	Online() bool

	// Subscribe registers fn to be invoked on every online/offline
	// transition with the new state.
	Subscribe(fn func(online bool))
}

// ManualMonitor is driven by the embedding application, which typically
// receives connectivity signals from its own host environment.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	subs   []func(bool)
}

// NewManualMonitor creates a monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online}
}

// Online reports the last state set.
func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition callback.
func (m *ManualMonitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SetOnline updates the state and notifies subscribers if it changed.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(online)
	}
}

// DialMonitor derives connectivity by periodically dialing a TCP target,
// normally the remote store's host. A failed dial within the probe timeout
// counts as offline.
type DialMonitor struct {
	target   string
	interval time.Duration
	timeout  time.Duration

	inner   *ManualMonitor
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewDialMonitor creates a monitor probing target ("host:port") every
// interval. The monitor starts offline until the first probe succeeds;
// call Start to begin probing.
func NewDialMonitor(target string, interval, timeout time.Duration) *DialMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DialMonitor{
		target:   target,
		interval: interval,
		timeout:  timeout,
		inner:    NewManualMonitor(false),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Online reports the state observed by the most recent probe.
func (m *DialMonitor) Online() bool { return m.inner.Online() }

// Subscribe registers a transition callback.
func (m *DialMonitor) Subscribe(fn func(online bool)) { m.inner.Subscribe(fn) }

// Start performs one synchronous probe so the initial state is accurate,
// then probes in the background until Stop is called.
func (m *DialMonitor) Start() {
	m.started = true
	m.inner.SetOnline(m.probe())

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.inner.SetOnline(m.probe())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts background probing. Stopping a monitor that was never
// started is a no-op.
func (m *DialMonitor) Stop() {
	if !m.started {
		return
	}
	close(m.stop)
	<-m.done
}

func (m *DialMonitor) probe() bool {
	conn, err := net.DialTimeout("tcp", m.target, m.timeout)
	if err != nil {
		common.Logger.WithError(err).Debug("connectivity probe failed")
		return false
	}
	conn.Close()
	return true
}
