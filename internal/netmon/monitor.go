// Package netmon defines the connectivity-monitor collaborator consumed
// by the sync engine, plus a probe-based implementation for hosts without
// a platform network stack. The monitor pushes state changes to
// subscribers and answers on-demand snapshots.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is a connectivity snapshot. IsConnected means a link exists;
// IsInternetReachable means the backend (or a reference host) answered.
type State struct {
	IsConnected         bool
	IsInternetReachable bool
}

// Online reports whether sync traffic should be attempted.
func (s State) Online() bool {
	return s.IsConnected && s.IsInternetReachable
}

// Monitor is the connectivity collaborator interface.
type Monitor interface {
	// Subscribe registers a callback for state changes and returns an
	// unsubscribe function. The callback may be invoked from another
	// goroutine.
	Subscribe(fn func(State)) (unsubscribe func())
	// Fetch returns a fresh on-demand snapshot.
	Fetch(ctx context.Context) State
}

// ProbeMonitor implements Monitor by issuing HEAD requests against a
// probe URL on a fixed interval, notifying subscribers when the derived
// state flips.
type ProbeMonitor struct {
	ProbeURL string
	Interval time.Duration
	Client   *http.Client
	Log      zerolog.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]func(State)
	last    State
	started bool
	stop    chan struct{}
}

// Start launches the probe loop. Safe to call once.
func (m *ProbeMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
}

// Stop terminates the probe loop.
func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		close(m.stop)
		m.started = false
	}
}

// Subscribe implements Monitor.
func (m *ProbeMonitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		m.subs = make(map[int]func(State))
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Fetch implements Monitor: one synchronous probe.
func (m *ProbeMonitor) Fetch(ctx context.Context) State {
	st := m.probe(ctx)
	m.publish(st)
	return st
}

func (m *ProbeMonitor) loop() {
	interval := m.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			st := m.probe(ctx)
			cancel()
			m.publish(st)
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) State {
	if m.ProbeURL == "" {
		return State{IsConnected: true, IsInternetReachable: true}
	}
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.ProbeURL, nil)
	if err != nil {
		return State{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return State{IsConnected: true, IsInternetReachable: false}
	}
	resp.Body.Close()
	return State{IsConnected: true, IsInternetReachable: true}
}

// publish notifies subscribers when the state changed.
func (m *ProbeMonitor) publish(st State) {
	m.mu.Lock()
	changed := st != m.last
	m.last = st
	var fns []func(State)
	if changed {
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if changed {
		m.Log.Debug().Bool("online", st.Online()).Msg("connectivity changed")
		for _, fn := range fns {
			fn(st)
		}
	}
}
