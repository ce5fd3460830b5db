package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/kotsync/internal/remote"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestMonitor_SetOnlineNotifiesTransitionsOnly(t *testing.T) {
	m := NewMonitor(nil)
	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) { seen = append(seen, online) })

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	unsubscribe()
	m.SetOnline(false)

	assert.Equal(t, []bool{false, true}, seen)
	assert.False(t, m.IsOnline())
}

func TestMonitor_Probe(t *testing.T) {
	p := &fakeProber{}
	m := NewMonitor(p)
	ctx := context.Background()

	assert.True(t, m.Probe(ctx))
	p.set(errors.New("connection refused"))
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.IsOnline())
	p.set(nil)
	assert.True(t, m.Probe(ctx))
}

func TestMonitor_ProbeKeepsStateOnCancel(t *testing.T) {
	p := &fakeProber{err: context.Canceled}
	m := NewMonitor(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, m.Probe(ctx))
	assert.True(t, m.IsOnline())
}

func TestMonitor_RunAgainstServer(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(remote.New(srv.URL, remote.WithRateLimit(0, 0)))
	transitions := make(chan bool, 4)
	m.Subscribe(func(online bool) { transitions <- online })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Equal(t, false, <-transitions)
	healthy.Store(true)
	select {
	case online := <-transitions:
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not notice the server coming back")
	}

	cancel()
	<-done
}
