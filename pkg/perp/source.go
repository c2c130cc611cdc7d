package perp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// feedTick is the wire format shared by the HTTP and websocket feeds.
// Prices arrive as decimal strings and are scaled to 1e7 fixed point.
type feedTick struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

func (t *feedTick) point() (PricePoint, error) {
	d, err := decimal.NewFromString(t.Price)
	if err != nil {
		return PricePoint{}, fmt.Errorf("bad price %q: %w", t.Price, err)
	}
	return PricePoint{
		Price:     d.Shift(PriceDecimals).Truncate(0).BigInt(),
		Timestamp: time.Unix(t.Timestamp, 0),
	}, nil
}

// FeedSource polls a JSON price endpoint over HTTP.
type FeedSource struct {
	name    string
	baseURL string
	client  *http.Client
	symbols map[uint32]string
}

// NewFeedSource builds an HTTP source. symbols maps market IDs to the
// feed's ticker symbols.
func NewFeedSource(name, baseURL string, symbols map[uint32]string) *FeedSource {
	return &FeedSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		symbols: symbols,
	}
}

func (s *FeedSource) Name() string { return s.name }

func (s *FeedSource) FetchPrice(ctx context.Context, marketID uint32) (PricePoint, error) {
	symbol, ok := s.symbols[marketID]
	if !ok {
		return PricePoint{}, fmt.Errorf("no symbol mapped for market %d", marketID)
	}

	url := fmt.Sprintf("%s/v1/price?symbol=%s", s.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PricePoint{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return PricePoint{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PricePoint{}, fmt.Errorf("feed %s returned %d", s.name, resp.StatusCode)
	}

	var tick feedTick
	if err := json.NewDecoder(resp.Body).Decode(&tick); err != nil {
		return PricePoint{}, err
	}
	return tick.point()
}

// StreamSource keeps a websocket subscription open and serves the last
// tick per market from cache. FetchPrice never blocks on the network;
// staleness of cached ticks is caught by the oracle's validation.
type StreamSource struct {
	name    string
	url     string
	symbols map[uint32]string // market ID -> symbol
	logger  log.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	last  map[string]PricePoint
	done  chan struct{}
	close sync.Once
}

func NewStreamSource(name, url string, symbols map[uint32]string, logger log.Logger) *StreamSource {
	return &StreamSource{
		name:    name,
		url:     url,
		symbols: symbols,
		logger:  logger,
		last:    make(map[string]PricePoint),
		done:    make(chan struct{}),
	}
}

func (s *StreamSource) Name() string { return s.name }

// Connect dials the feed, subscribes to all mapped symbols, and starts
// the read loop.
func (s *StreamSource) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	symbols := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	sub := map[string]interface{}{"op": "subscribe", "symbols": symbols}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *StreamSource) readLoop(conn *websocket.Conn) {
	for {
		var tick feedTick
		if err := conn.ReadJSON(&tick); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("price stream closed", "source", s.name, "error", err)
			}
			return
		}
		point, err := tick.point()
		if err != nil {
			s.logger.Warn("dropping malformed tick", "source", s.name, "error", err)
			continue
		}
		s.mu.Lock()
		s.last[tick.Symbol] = point
		s.mu.Unlock()
	}
}

func (s *StreamSource) FetchPrice(_ context.Context, marketID uint32) (PricePoint, error) {
	symbol, ok := s.symbols[marketID]
	if !ok {
		return PricePoint{}, fmt.Errorf("no symbol mapped for market %d", marketID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	point, ok := s.last[symbol]
	if !ok {
		return PricePoint{}, fmt.Errorf("no tick received yet for %s", symbol)
	}
	return point, nil
}

func (s *StreamSource) Close() error {
	var err error
	s.close.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}
