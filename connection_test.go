package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	assert.Equal(t, 500*time.Millisecond, backoffDelay(1, base, max))
	assert.Equal(t, time.Second, backoffDelay(2, base, max))
	assert.Equal(t, 2*time.Second, backoffDelay(3, base, max))
	assert.Equal(t, 16*time.Second, backoffDelay(6, base, max))
	assert.Equal(t, max, backoffDelay(7, base, max))
	assert.Equal(t, max, backoffDelay(100, base, max))

	// never decreasing
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(attempt, base, max)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestConnectVerifiesApplication(t *testing.T) {
	cfg := testSettings(t, "")
	pbx := newFakePBX()
	m := newConnectionManager(cfg, newMetrics(prometheus.NewRegistry()), func(context.Context) (pbxConn, error) {
		return pbx, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.Same(t, pbx, m.Client().(*fakePBX))
	m.BeginShutdown()
	m.Close()
}

func TestConnectFailsWhenApplicationMissing(t *testing.T) {
	cfg := testSettings(t, "")
	pbx := newFakePBX()
	pbx.apps = []string{"something-else"}
	m := newConnectionManager(cfg, newMetrics(prometheus.NewRegistry()), func(context.Context) (pbxConn, error) {
		return pbx, nil
	})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
	// the rejected connection is released
	select {
	case <-pbx.Closed():
	default:
		t.Fatal("connection not closed after failed verification")
	}
}

func TestConnectTripsBreaker(t *testing.T) {
	cfg := testSettings(t, `
[gateway]
breaker_threshold = 1
`)
	dials := 0
	m := newConnectionManager(cfg, newMetrics(prometheus.NewRegistry()), func(context.Context) (pbxConn, error) {
		dials++
		return nil, errors.New("connection refused")
	})

	require.Error(t, m.Connect(context.Background()))
	require.Equal(t, breakerOpen, m.breaker.State())

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, errBreakerOpen)
	assert.Equal(t, 1, dials)
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	cfg := testSettings(t, `
[gateway]
reconnect_base_ms = 1
reconnect_attempts = 2
breaker_threshold = 100
`)
	dials := 0
	m := newConnectionManager(cfg, newMetrics(prometheus.NewRegistry()), func(context.Context) (pbxConn, error) {
		dials++
		return nil, errors.New("connection refused")
	})

	m.reconnect(context.Background())

	assert.Equal(t, 2, dials)
	select {
	case err := <-m.Fatal():
		assert.ErrorIs(t, err, errMaxReconnect)
	default:
		t.Fatal("expected fatal error after exhausting reconnect attempts")
	}
}

func TestClientSurvivesClose(t *testing.T) {
	cfg := testSettings(t, "")
	pbx := newFakePBX()
	m := newConnectionManager(cfg, newMetrics(prometheus.NewRegistry()), func(context.Context) (pbxConn, error) {
		return pbx, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	m.BeginShutdown()
	m.Close()

	// handlers draining after shutdown still get a usable client
	cl := m.Client()
	require.NotNil(t, cl)
	assert.NotNil(t, cl.Channel("CH1"))
}

func TestReconnectStopsOnShutdown(t *testing.T) {
	cfg := testSettings(t, "")
	m := newConnectionManager(cfg, newMetrics(prometheus.NewRegistry()), func(context.Context) (pbxConn, error) {
		t.Fatal("dial during shutdown")
		return nil, nil
	})

	m.BeginShutdown()
	m.reconnect(context.Background())

	select {
	case <-m.Fatal():
		t.Fatal("shutdown must not report a fatal error")
	default:
	}
}
