package perp

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// PricePoint is a single observation from one source.
type PricePoint struct {
	Price     *big.Int
	Timestamp time.Time
}

// PriceSource provides prices for markets. Production sources fetch from
// external feeds; see FeedSource and StreamSource.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, marketID uint32) (PricePoint, error)
}

// PriceOracle validates and aggregates prices from multiple sources.
// In simulated mode it generates deterministic prices instead, either
// oscillating around a base price or pinned to it.
type PriceOracle struct {
	mu      sync.RWMutex
	cfg     ConfigStore
	logger  log.Logger
	sources []PriceSource

	simulated  bool
	fixedPrice bool
	basePrices map[uint32]*big.Int

	fetchTimeout time.Duration
	now          func() time.Time
}

func NewPriceOracle(cfg ConfigStore, logger log.Logger) *PriceOracle {
	return &PriceOracle{
		cfg:          cfg,
		logger:       logger,
		basePrices:   make(map[uint32]*big.Int),
		fetchTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

// AddSource registers a production price source.
func (o *PriceOracle) AddSource(s PriceSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources = append(o.sources, s)
	o.logger.Info("price source registered", "source", s.Name())
}

// EnableSimulation switches the oracle to deterministic prices. With
// fixed=false prices oscillate ±10% around the base over each hour; with
// fixed=true GetPrice returns the base price unchanged. Admin only.
func (o *PriceOracle) EnableSimulation(caller string, fixed bool, basePrices map[uint32]*big.Int) error {
	if caller != o.cfg.Admin() {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	for id, p := range basePrices {
		if p == nil || p.Sign() <= 0 {
			return errf(KindValidation, "non-positive base price for market %d", id)
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.simulated = true
	o.fixedPrice = fixed
	for id, p := range basePrices {
		o.basePrices[id] = new(big.Int).Set(p)
	}
	o.logger.Info("oracle simulation enabled", "fixed", fixed, "markets", len(basePrices))
	return nil
}

// DisableSimulation returns the oracle to live sources. Admin only.
func (o *PriceOracle) DisableSimulation(caller string) error {
	if caller != o.cfg.Admin() {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.simulated = false
	return nil
}

// GetPrice returns the validated, aggregated price for a market.
//
// Live mode requires at least two sources; every fetched point must pass
// staleness and bounds validation, the set must pass the deviation
// check, and the result is the median (average of the middle pair for an
// even count).
func (o *PriceOracle) GetPrice(marketID uint32) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.simulated {
		return o.simulatedPrice(marketID)
	}

	if len(o.sources) < 2 {
		return nil, errf(KindState, "need at least 2 price sources, have %d", len(o.sources))
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.fetchTimeout)
	defer cancel()

	prices := make([]*big.Int, 0, len(o.sources))
	for _, src := range o.sources {
		point, err := src.FetchPrice(ctx, marketID)
		if err != nil {
			return nil, errf(KindState, "source %s: %v", src.Name(), err)
		}
		if err := o.ValidatePrice(point.Price, point.Timestamp); err != nil {
			return nil, err
		}
		prices = append(prices, point.Price)
	}

	if err := o.CheckDeviation(prices); err != nil {
		return nil, err
	}
	return median(prices), nil
}

// ValidatePrice rejects stale, non-positive, or absurd prices.
func (o *PriceOracle) ValidatePrice(price *big.Int, ts time.Time) error {
	if price == nil || price.Sign() <= 0 {
		return errf(KindValidation, "non-positive price")
	}
	if price.Cmp(maxSanePrice) > 0 {
		return errf(KindValidation, "price %s exceeds sanity bound", price)
	}
	age := o.now().Sub(ts)
	if age > o.cfg.PriceStalenessThreshold() {
		return errf(KindStaleness, "price is %s old, threshold %s", age, o.cfg.PriceStalenessThreshold())
	}
	return nil
}

// CheckDeviation verifies that no price deviates from the lowest price
// in the set by more than the configured threshold, measured relative to
// that lowest price.
func (o *PriceOracle) CheckDeviation(prices []*big.Int) error {
	if len(prices) < 2 {
		return nil
	}
	low := prices[0]
	for _, p := range prices[1:] {
		if p.Cmp(low) < 0 {
			low = p
		}
	}
	threshold := o.cfg.MaxPriceDeviationBps()
	for _, p := range prices {
		diff := new(big.Int).Sub(p, low)
		devBps := mulDiv(diff, bpsDenom, low)
		if devBps.Cmp(big.NewInt(threshold)) > 0 {
			return errf(KindValidation, "price deviation %s bps exceeds %d bps", devBps, threshold)
		}
	}
	return nil
}

// simulatedPrice oscillates ±10% around the base price over an hour:
// the offset grows linearly with the second-of-hour and flips direction
// every 30 minutes, so replays at the same timestamp are identical.
func (o *PriceOracle) simulatedPrice(marketID uint32) (*big.Int, error) {
	base, ok := o.basePrices[marketID]
	if !ok {
		return nil, errf(KindState, "no base price for market %d", marketID)
	}
	if o.fixedPrice {
		return new(big.Int).Set(base), nil
	}
	ts := o.now().Unix()
	timeInHour := ts % 3600
	variation := mulDiv(base, big.NewInt(timeInHour), big.NewInt(36_000))
	price := new(big.Int)
	if (ts/1800)%2 == 0 {
		price.Add(base, variation)
	} else {
		price.Sub(base, variation)
	}
	return price, nil
}

// median returns the middle price, averaging the central pair when the
// count is even. Two sources therefore aggregate to their average.
func median(prices []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	n := len(sorted)
	if n%2 == 1 {
		return new(big.Int).Set(sorted[n/2])
	}
	sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
	return sum.Quo(sum, big.NewInt(2))
}
