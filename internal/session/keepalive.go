package session

import (
	"log/slog"
	"sync"
	"time"
)

// KeepAliveInterval is how often an open session pings its connection.
// Some platforms drop WebSocket connections idle for 30s.
const KeepAliveInterval = 25 * time.Second

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock creates tickers.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

// SystemClock is the wall clock.
type SystemClock struct{}

// NewTicker wraps time.NewTicker.
func (SystemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// keepAlive pings on every tick until stopped. Stop blocks until the ping
// goroutine has exited, so no ping is sent after it returns.
type keepAlive struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func startKeepAlive(clock Clock, interval time.Duration, ping func() error, logger *slog.Logger) *keepAlive {
	k := &keepAlive{stop: make(chan struct{})}
	ticker := clock.NewTicker(interval)

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-ticker.C():
				select {
				case <-k.stop:
					return
				default:
				}
				if err := ping(); err != nil {
					logger.Debug("keep-alive ping failed", "error", err)
				}
			}
		}
	}()
	return k
}

func (k *keepAlive) Stop() {
	k.once.Do(func() { close(k.stop) })
	k.wg.Wait()
}
