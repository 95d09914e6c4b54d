package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// errMaxReconnect is delivered on the fatal channel when every configured
// reconnect attempt has failed. The gateway shuts down on it.
var errMaxReconnect = errors.New("pbx reconnect attempts exhausted")

// pbxConn is a live control-plane connection. Closed fires when the event
// stream ends for any reason other than an orderly Close.
type pbxConn interface {
	pbxClient
	Closed() <-chan struct{}
}

// connectionManager owns the PBX connection lifecycle. It dials through a
// circuit breaker, verifies the application is registered, probes liveness,
// and reconnects with exponential backoff when the stream drops.
type connectionManager struct {
	cfg     *Settings
	dial    func(ctx context.Context) (pbxConn, error)
	breaker *circuitBreaker
	metrics *gatewayMetrics

	mu       sync.Mutex
	conn     pbxConn
	shutdown bool

	fatal chan error
}

func newConnectionManager(cfg *Settings, metrics *gatewayMetrics, dial func(ctx context.Context) (pbxConn, error)) *connectionManager {
	return &connectionManager{
		cfg:     cfg,
		dial:    dial,
		breaker: newCircuitBreaker(cfg.BreakerThreshold(), cfg.BreakerCooldown()),
		metrics: metrics,
		fatal:   make(chan error, 1),
	}
}

// Connect establishes the initial connection. Failure here is fatal, only
// drops after a successful connect trigger the reconnect loop.
func (m *connectionManager) Connect(ctx context.Context) error {
	conn, err := m.connectOnce(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	go m.monitor(ctx, conn)
	return nil
}

func (m *connectionManager) connectOnce(ctx context.Context) (pbxConn, error) {
	var conn pbxConn
	err := m.breaker.Execute(func() error {
		c, err := m.dial(ctx)
		if err != nil {
			return err
		}
		if err := m.verifyApplication(ctx, c); err != nil {
			c.Close()
			return err
		}
		conn = c
		return nil
	})
	m.metrics.breakerState.Set(float64(m.breaker.State()))
	return conn, err
}

// verifyApplication checks that our Stasis application is visible on the
// PBX before the connection is handed out.
func (m *connectionManager) verifyApplication(ctx context.Context, c pbxConn) error {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout())
	defer cancel()
	apps, err := c.ListApplications(rctx)
	if err != nil {
		return fmt.Errorf("application check: %w", err)
	}
	for _, app := range apps {
		if app == m.cfg.Application() {
			return nil
		}
	}
	return fmt.Errorf("application %q not registered on pbx", m.cfg.Application())
}

// monitor waits for the connection to drop and drives reconnection. It also
// runs the liveness probe so half-dead websockets are noticed between drops.
func (m *connectionManager) monitor(ctx context.Context, conn pbxConn) {
	ticker := time.NewTicker(m.cfg.LivenessInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Closed():
			if m.isShutdown() {
				return
			}
			ariLog.Warn("pbx event stream closed, reconnecting")
			m.reconnect(ctx)
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout())
			_, err := conn.ListApplications(rctx)
			cancel()
			if err != nil && !m.isShutdown() {
				ariLog.WithError(err).Warn("pbx liveness probe failed, reconnecting")
				conn.Close()
				m.reconnect(ctx)
				return
			}
		}
	}
}

func (m *connectionManager) reconnect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if m.isShutdown() || ctx.Err() != nil {
			return
		}
		if attempt > m.cfg.ReconnectAttempts() {
			ariLog.Error("pbx reconnect attempts exhausted")
			select {
			case m.fatal <- errMaxReconnect:
			default:
			}
			return
		}

		delay := backoffDelay(attempt, m.cfg.ReconnectBase(), m.cfg.ReconnectMax())
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
		ariLog.WithField("attempt", attempt).Infof("reconnecting to pbx in %s", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		m.metrics.reconnects.Inc()
		conn, err := m.connectOnce(ctx)
		if err != nil {
			ariLog.WithError(err).WithField("attempt", attempt).Warn("pbx reconnect failed")
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		ariLog.Info("pbx connection restored")
		go m.monitor(ctx, conn)
		return
	}
}

// backoffDelay returns the base reconnect delay for attempt, doubling each
// attempt and capped at max. Jitter is applied by the caller.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Client returns the current connection. It may be a stale handle while a
// reconnect is in flight; RPCs against it fail and are handled per call.
func (m *connectionManager) Client() pbxClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Fatal delivers unrecoverable connection errors.
func (m *connectionManager) Fatal() <-chan error { return m.fatal }

// BeginShutdown marks an orderly stop so the monitor does not interpret the
// closing stream as a failure.
func (m *connectionManager) BeginShutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

func (m *connectionManager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Close releases the connection. The handle is kept so event handlers
// still in flight get RPC failures instead of a nil client.
func (m *connectionManager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
