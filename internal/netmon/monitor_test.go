package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestState_Online(t *testing.T) {
	cases := []struct {
		st   State
		want bool
	}{
		{State{IsConnected: true, IsInternetReachable: true}, true},
		{State{IsConnected: true, IsInternetReachable: false}, false},
		{State{IsConnected: false, IsInternetReachable: true}, false},
		{State{}, false},
	}
	for _, tc := range cases {
		if got := tc.st.Online(); got != tc.want {
			t.Fatalf("Online(%+v) = %v; want %v", tc.st, got, tc.want)
		}
	}
}

func TestProbeMonitor_FetchReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe used %s; want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := &ProbeMonitor{ProbeURL: srv.URL, Log: zerolog.Nop()}
	st := m.Fetch(context.Background())
	if !st.Online() {
		t.Fatalf("expected online against a live server, got %+v", st)
	}
}

func TestProbeMonitor_FetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // probe target gone

	m := &ProbeMonitor{ProbeURL: srv.URL, Log: zerolog.Nop()}
	st := m.Fetch(context.Background())
	if !st.IsConnected || st.IsInternetReachable {
		t.Fatalf("expected connected-but-unreachable, got %+v", st)
	}
}

func TestProbeMonitor_NoProbeURLMeansOnline(t *testing.T) {
	m := &ProbeMonitor{Log: zerolog.Nop()}
	if st := m.Fetch(context.Background()); !st.Online() {
		t.Fatalf("no probe URL should report online, got %+v", st)
	}
}

func TestProbeMonitor_SubscribeNotifiesOnChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := &ProbeMonitor{ProbeURL: srv.URL, Log: zerolog.Nop()}

	var got []State
	unsub := m.Subscribe(func(st State) { got = append(got, st) })

	// First fetch flips zero-value state to online: one notification.
	m.Fetch(context.Background())
	// Same state again: no notification.
	m.Fetch(context.Background())
	if len(got) != 1 || !got[0].Online() {
		t.Fatalf("notifications = %+v; want one online flip", got)
	}

	// Unsubscribed callbacks stay quiet on the next flip.
	unsub()
	srv.Close()
	m.Fetch(context.Background())
	if len(got) != 1 {
		t.Fatalf("unsubscribed callback still fired: %+v", got)
	}
}

func TestProbeMonitor_StartStopIdempotent(t *testing.T) {
	m := &ProbeMonitor{Log: zerolog.Nop()}
	m.Start()
	m.Start() // second call is a no-op
	m.Stop()
	m.Stop() // safe after stop
}
