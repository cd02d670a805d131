package keepalive

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"streamgate/work/config"
	"streamgate/work/logger"

	"github.com/panjf2000/ants/v2"
)

// Keepalive pings the gateway's own health route on an interval so idle
// deployments behind sleep-prone hosts stay warm. Interval 0 disables it.
type Keepalive struct {
	config *config.Config
	pool   *ants.Pool
	client *http.Client
	stop   chan struct{}
}

// New creates a Keepalive. Start must be called to begin pinging.
func New(cfg *config.Config, pool *ants.Pool) *Keepalive {
	return &Keepalive{
		config: cfg,
		pool:   pool,
		client: &http.Client{Timeout: 10 * time.Second},
		stop:   make(chan struct{}),
	}
}

// Start launches the ping loop. No-op when the interval is zero.
func (k *Keepalive) Start() {
	if k.config.KeepaliveInterval <= 0 {
		logger.Info("{keepalive - Start} disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(k.config.KeepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := k.pool.Submit(k.ping); err != nil {
					logger.Debug("{keepalive - Start} pool rejected ping: %v", err)
				}
			case <-k.stop:
				return
			}
		}
	}()
}

// Stop halts the ping loop.
func (k *Keepalive) Stop() {
	close(k.stop)
}

func (k *Keepalive) ping() {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", k.config.Port)
	resp, err := k.client.Get(url)
	if err != nil {
		logger.Debug("{keepalive - ping} %v", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
