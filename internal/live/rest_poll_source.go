package live

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"contextengine/internal/logger"
	"contextengine/internal/model"
)

// RecentTradesFetcher is the narrow polling primitive RESTPollSource needs
// from internal/exchange — defined locally so this package never imports
// exchange's Client type, satisfied by *exchange.Client.FetchRecentTrades.
type RecentTradesFetcher interface {
	FetchRecentTrades(ctx context.Context, symbol string, since time.Time) ([]model.Trade, error)
}

// RESTPollSource implements Source by periodically polling the historical
// aggTrades endpoint for anything newer than the last trade it has seen —
// DATA_SOURCE=live_rest, the REST-only alternative to WebSocketSource for
// exchanges or deployments where a streaming endpoint isn't available.
type RESTPollSource struct {
	fetcher  RecentTradesFetcher
	symbol   string
	interval time.Duration

	mu          sync.Mutex
	connected   bool
	lastEventAt time.Time
	startedAt   time.Time
	since       time.Time
	pollCount   int

	events chan model.Trade
	errs   chan error

	cancel  context.CancelFunc
	doneRun chan struct{}
}

// NewRESTPollSource builds a poll-mode source that checks for new trades
// every interval, starting from "now" at Connect time.
func NewRESTPollSource(fetcher RecentTradesFetcher, interval time.Duration) *RESTPollSource {
	return &RESTPollSource{
		fetcher:  fetcher,
		interval: interval,
		events:   make(chan model.Trade, 1024),
		errs:     make(chan error, 8),
	}
}

func (s *RESTPollSource) Subscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symbol != "" && s.symbol != strings.ToUpper(symbol) {
		return fmt.Errorf("live: already subscribed to %s", s.symbol)
	}
	s.symbol = strings.ToUpper(symbol)
	return nil
}

func (s *RESTPollSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.symbol == "" {
		s.mu.Unlock()
		return fmt.Errorf("live: Subscribe must be called before Connect")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneRun = make(chan struct{})
	s.startedAt = time.Now()
	s.since = s.startedAt
	s.connected = true
	s.mu.Unlock()

	go s.pollLoop(runCtx)
	return nil
}

func (s *RESTPollSource) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	s.connected = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *RESTPollSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *RESTPollSource) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := !s.lastEventAt.IsZero() && time.Since(s.lastEventAt) > StaleTimeout && time.Since(s.startedAt) > StaleGracePeriod
	return Health{
		Connected:        s.connected,
		LastEventAt:      s.lastEventAt,
		ReconnectCount:   0, // polling has no connection to reconnect
		ConsecutiveStale: stale,
	}
}

func (s *RESTPollSource) NextEvent(ctx context.Context) (model.Trade, error) {
	select {
	case tr := <-s.events:
		return tr, nil
	case err := <-s.errs:
		return model.Trade{}, err
	case <-ctx.Done():
		return model.Trade{}, ctx.Err()
	}
}

// pollLoop fetches everything newer than the last seen timestamp once per
// interval. A failed poll is logged and retried on the next tick — there is
// no backoff escalation here, since a REST poll failure doesn't indicate a
// dead connection, just a missed cycle.
func (s *RESTPollSource) pollLoop(ctx context.Context) {
	defer close(s.doneRun)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			symbol, since := s.symbol, s.since
			s.mu.Unlock()

			trades, err := s.fetcher.FetchRecentTrades(ctx, symbol, since)
			if err != nil {
				logger.Warn("Live", fmt.Sprintf("poll failed: %v", err))
				continue
			}
			if len(trades) == 0 {
				continue
			}

			newSince := since
			for _, tr := range trades {
				select {
				case s.events <- tr:
				case <-ctx.Done():
					return
				}
				if tr.Timestamp.Add(time.Millisecond).After(newSince) {
					newSince = tr.Timestamp.Add(time.Millisecond)
				}
			}

			s.mu.Lock()
			s.since = newSince
			s.lastEventAt = time.Now()
			s.pollCount++
			s.mu.Unlock()
		}
	}
}
