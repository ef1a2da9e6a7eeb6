package live

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"contextengine/internal/logger"
	"contextengine/internal/model"
)

type rawStreamTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (r rawStreamTrade) toTrade() (model.Trade, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("price: %w", err)
	}
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return model.Trade{}, fmt.Errorf("qty: %w", err)
	}
	side := model.SideBuy
	if r.IsBuyerMaker {
		side = model.SideSell
	}
	return model.Trade{
		Timestamp:     time.UnixMilli(r.TradeTime).UTC(),
		Price:         price,
		Qty:           qty,
		AggressorSide: side,
		IsBuyerMaker:  r.IsBuyerMaker,
		TradeID:       model.NumTradeID(r.AggTradeID),
		FromBackfill:  false,
	}, nil
}

// WebSocketSource streams aggregate trades over a gorilla/websocket
// connection to the exchange's public single-symbol aggTrade stream, with
// reconnect-with-backoff and stale-data detection (spec §4.E).
type WebSocketSource struct {
	baseURL string
	symbol  string

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	lastEventAt    time.Time
	reconnectCount int
	startedAt      time.Time

	events chan model.Trade
	errs   chan error

	cancel  context.CancelFunc
	doneRun chan struct{}
}

// NewWebSocketSource builds a source against baseURL (e.g.
// "wss://fstream.binance.com"), undialed until Connect is called.
func NewWebSocketSource(baseURL string) *WebSocketSource {
	return &WebSocketSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		events:  make(chan model.Trade, 1024),
		errs:    make(chan error, 8),
	}
}

func (s *WebSocketSource) Subscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symbol != "" && s.symbol != strings.ToLower(symbol) {
		return fmt.Errorf("live: already subscribed to %s", s.symbol)
	}
	s.symbol = strings.ToLower(symbol)
	return nil
}

func (s *WebSocketSource) streamURL() string {
	return fmt.Sprintf("%s/ws/%s@aggTrade", s.baseURL, s.symbol)
}

// Connect starts the background reconnect-and-read loop. It returns once the
// first connection attempt has been dispatched; transport errors thereafter
// surface through NextEvent, not through Connect's return value.
func (s *WebSocketSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.symbol == "" {
		s.mu.Unlock()
		return fmt.Errorf("live: Subscribe must be called before Connect")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneRun = make(chan struct{})
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.runLoop(runCtx)
	go s.staleWatchdog(runCtx)
	return nil
}

func (s *WebSocketSource) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.connected = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *WebSocketSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *WebSocketSource) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := !s.lastEventAt.IsZero() && time.Since(s.lastEventAt) > StaleTimeout && time.Since(s.startedAt) > StaleGracePeriod
	return Health{
		Connected:        s.connected,
		LastEventAt:      s.lastEventAt,
		ReconnectCount:   s.reconnectCount,
		ConsecutiveStale: stale,
	}
}

// NextEvent blocks until a trade arrives, a transport error is reported, or
// ctx is cancelled.
func (s *WebSocketSource) NextEvent(ctx context.Context) (model.Trade, error) {
	select {
	case tr := <-s.events:
		return tr, nil
	case err := <-s.errs:
		return model.Trade{}, err
	case <-ctx.Done():
		return model.Trade{}, ctx.Err()
	}
}

// runLoop owns the dial-read-reconnect cycle. A failed dial advances the
// in-cycle attempt counter; after ReconnectMaxAttempts, the cycle cools down
// for a longer period before trying again from attempt 1 (spec §4.E). A read
// error drops the connection and redials at once, with no backoff delay.
func (s *WebSocketSource) runLoop(ctx context.Context) {
	defer close(s.doneRun)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(), nil)
		if err != nil {
			attempt++
			s.mu.Lock()
			s.connected = false
			s.reconnectCount++
			s.mu.Unlock()
			logger.Warn("Live", fmt.Sprintf("dial failed (attempt %d): %v", attempt, err))

			delay := backoffDelay(attempt, jitterDelay)
			if attempt >= ReconnectMaxAttempts {
				delay = 30 * time.Second
				attempt = 0
			}
			if !sleepOrDone(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.lastEventAt = time.Now()
		s.mu.Unlock()
		logger.Success("Live", fmt.Sprintf("connected to %s", s.streamURL()))

		s.readUntilError(ctx, conn)

		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *WebSocketSource) readUntilError(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case s.errs <- fmt.Errorf("live: read error: %w", err):
			default:
			}
			return
		}

		var raw rawStreamTrade
		if err := json.Unmarshal(msg, &raw); err != nil {
			logger.Warn("Live", fmt.Sprintf("malformed message: %v", err))
			continue
		}
		tr, err := raw.toTrade()
		if err != nil {
			logger.Warn("Live", fmt.Sprintf("skipping malformed trade: %v", err))
			continue
		}

		s.mu.Lock()
		s.lastEventAt = time.Now()
		s.mu.Unlock()

		select {
		case s.events <- tr:
		case <-ctx.Done():
			return
		}
	}
}

// staleWatchdog force-closes the connection if no event has arrived within
// StaleTimeout after the initial StaleGracePeriod — a live TCP connection
// with no data is treated the same as a dropped one (spec §4.E).
func (s *WebSocketSource) staleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(HealthInspectInterval)
	defer ticker.Stop()
	lastLog := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h := s.Health()
			if h.ConsecutiveStale {
				logger.Warn("Live", "stale connection detected, forcing reconnect")
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close()
				}
			}
			if now.Sub(lastLog) >= HealthLogInterval {
				logger.Stats("live.connected", h.Connected)
				logger.Stats("live.reconnects", h.ReconnectCount)
				lastLog = now
			}
		}
	}
}

func jitterDelay(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
