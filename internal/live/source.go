// Package live implements Component E (Live Trade Source, spec §4.E, the
// streaming counterpart of §4.D's historical fetcher): a reconnecting trade-stream source
// with stale-data detection, grounded on the teacher's esi polling health
// check pattern and the pack's gorilla/websocket trade-stream consumers
// (other_examples' tick_collector.go connectToBinance loop).
package live

import (
	"context"
	"time"

	"contextengine/internal/model"
)

// Health reports point-in-time connection health for status endpoints.
type Health struct {
	Connected        bool
	LastEventAt      time.Time
	ReconnectCount   int
	ConsecutiveStale bool
}

// Source is any live trade feed the orchestrator can wire in (spec §4.E).
// Connect/Disconnect manage the underlying transport; NextEvent blocks until
// a trade arrives, the source disconnects, or ctx is cancelled.
type Source interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbol string) error
	NextEvent(ctx context.Context) (model.Trade, error)
	IsConnected() bool
	Health() Health
}

// Reconnect/backoff/staleness tuning (spec §4.E: "0.5s/1s/2s/4s/8s +/-20%
// jitter, capped at 5 attempts per cycle"; "30s grace then 60s stale timeout").
const (
	ReconnectBaseDelay    = 500 * time.Millisecond
	ReconnectMaxAttempts  = 5
	StaleGracePeriod      = 30 * time.Second
	StaleTimeout          = 60 * time.Second
	HealthInspectInterval = 5 * time.Second
	HealthLogInterval     = 60 * time.Second
)

// backoffDelay returns the delay before reconnect attempt n (1-indexed),
// doubling from ReconnectBaseDelay and jittered +/-20%.
func backoffDelay(attempt int, jitter func(time.Duration) time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > ReconnectMaxAttempts {
		attempt = ReconnectMaxAttempts
	}
	base := ReconnectBaseDelay * time.Duration(uint(1)<<uint(attempt-1))
	return jitter(base)
}
