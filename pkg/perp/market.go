package perp

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// MarketManager tracks per-market open interest, pause state, and the
// funding accumulators driven by the quadratic imbalance rate.
type MarketManager struct {
	mu     sync.RWMutex
	cfg    ConfigStore
	logger log.Logger

	markets         map[uint32]*Market
	positionManager string

	now func() time.Time
}

func NewMarketManager(cfg ConfigStore, logger log.Logger) *MarketManager {
	return &MarketManager{
		cfg:     cfg,
		logger:  logger,
		markets: make(map[uint32]*Market),
		now:     time.Now,
	}
}

// SetPositionManager authorizes the position manager account for open
// interest updates. Admin only.
func (m *MarketManager) SetPositionManager(caller, pm string) error {
	if caller != m.cfg.Admin() {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionManager = pm
	return nil
}

// CreateMarket registers a new market. Admin only. Funding rates are in
// bps per hour.
func (m *MarketManager) CreateMarket(caller string, id uint32, maxOpenInterest *big.Int, baseFundingRate, maxFundingRate int64) error {
	if caller != m.cfg.Admin() {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	if maxOpenInterest == nil || maxOpenInterest.Sign() <= 0 {
		return errf(KindValidation, "max open interest must be positive")
	}
	if baseFundingRate < 0 || maxFundingRate < 0 {
		return errf(KindValidation, "funding rates must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.markets[id]; exists {
		return errf(KindState, "market %d already exists", id)
	}
	m.markets[id] = &Market{
		ID:                id,
		MaxOpenInterest:   new(big.Int).Set(maxOpenInterest),
		LongOI:            new(big.Int),
		ShortOI:           new(big.Int),
		BaseFundingRate:   baseFundingRate,
		MaxFundingRate:    maxFundingRate,
		LastFundingUpdate: m.now(),
		CumFundingLong:    new(big.Int),
		CumFundingShort:   new(big.Int),
	}
	m.logger.Info("market created", "market", id, "maxOI", maxOpenInterest)
	return nil
}

// PauseMarket halts trading and funding on a market. Admin only.
func (m *MarketManager) PauseMarket(caller string, id uint32) error {
	return m.setPaused(caller, id, true)
}

// UnpauseMarket resumes a paused market. Admin only.
func (m *MarketManager) UnpauseMarket(caller string, id uint32) error {
	return m.setPaused(caller, id, false)
}

func (m *MarketManager) setPaused(caller string, id uint32, paused bool) error {
	if caller != m.cfg.Admin() {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	market, ok := m.markets[id]
	if !ok {
		return errf(KindState, "market %d not found", id)
	}
	market.Paused = paused
	m.logger.Info("market pause state changed", "market", id, "paused", paused)
	return nil
}

// CanOpenPosition reports whether adding size on the given side stays
// within the open-interest cap of an unpaused market.
func (m *MarketManager) CanOpenPosition(id uint32, isLong bool, size *big.Int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.markets[id]
	if !ok || market.Paused {
		return false
	}
	side := market.LongOI
	if !isLong {
		side = market.ShortOI
	}
	after := new(big.Int).Add(side, size)
	return after.Cmp(market.MaxOpenInterest) <= 0
}

// UpdateOpenInterest applies a signed delta to one side's open
// interest. Position manager only.
func (m *MarketManager) UpdateOpenInterest(caller string, id uint32, isLong bool, delta *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.positionManager {
		return errf(KindAuthorization, "caller %s is not the position manager", caller)
	}
	market, ok := m.markets[id]
	if !ok {
		return errf(KindState, "market %d not found", id)
	}
	side := market.LongOI
	if !isLong {
		side = market.ShortOI
	}
	after := new(big.Int).Add(side, delta)
	if after.Sign() < 0 {
		return errf(KindState, "open interest underflow on market %d", id)
	}
	if delta.Sign() > 0 && after.Cmp(market.MaxOpenInterest) > 0 {
		return errf(KindState, "open interest cap exceeded on market %d", id)
	}
	side.Set(after)
	return nil
}

// UpdateFundingRate recomputes the funding rate from the current
// open-interest imbalance and accrues it into the cumulative
// accumulators. Permissionless, but gated to the configured cadence.
//
// rate = base * imbalance² / 10000 (imbalance in bps, sign preserved),
// clamped to ±max. The paying side's accumulator advances by
// rate*elapsed; the receiving side's accumulator is credited with the
// amount scaled by the open-interest ratio, so the funding transfer
// nets to zero across all positions.
func (m *MarketManager) UpdateFundingRate(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	market, ok := m.markets[id]
	if !ok {
		return errf(KindState, "market %d not found", id)
	}
	if market.Paused {
		return errf(KindState, "market %d is paused", id)
	}

	now := m.now()
	elapsed := now.Sub(market.LastFundingUpdate)
	if elapsed < m.cfg.FundingInterval() {
		return errf(KindState, "funding interval not elapsed on market %d", id)
	}
	elapsedSec := int64(elapsed / time.Second)

	totalOI := new(big.Int).Add(market.LongOI, market.ShortOI)
	if totalOI.Sign() == 0 {
		market.FundingRate = 0
		market.LastFundingUpdate = now
		return nil
	}

	diff := new(big.Int).Sub(market.LongOI, market.ShortOI)
	imbalance := mulDiv(diff, bpsDenom, totalOI).Int64() // [-10000, 10000]

	absImb := imbalance
	if absImb < 0 {
		absImb = -absImb
	}
	rate := market.BaseFundingRate * (absImb * absImb / BpsDenominator) / BpsDenominator
	if rate > market.MaxFundingRate {
		rate = market.MaxFundingRate
	}
	if imbalance < 0 {
		rate = -rate
	}

	accrued := new(big.Int).Mul(big.NewInt(rate), big.NewInt(elapsedSec))
	switch {
	case rate > 0: // longs pay shorts
		market.CumFundingLong.Add(market.CumFundingLong, accrued)
		if market.ShortOI.Sign() > 0 {
			credit := mulDiv(accrued, market.LongOI, market.ShortOI)
			market.CumFundingShort.Sub(market.CumFundingShort, credit)
		}
	case rate < 0: // shorts pay longs
		paid := new(big.Int).Neg(accrued)
		market.CumFundingShort.Add(market.CumFundingShort, paid)
		if market.LongOI.Sign() > 0 {
			credit := mulDiv(paid, market.ShortOI, market.LongOI)
			market.CumFundingLong.Sub(market.CumFundingLong, credit)
		}
	}

	market.FundingRate = rate
	market.LastFundingUpdate = now
	m.logger.Debug("funding updated",
		"market", id, "rate", rate, "imbalance", imbalance, "elapsed", elapsedSec)
	return nil
}

// CumulativeFunding returns the accumulator for one side, bps-seconds.
func (m *MarketManager) CumulativeFunding(id uint32, isLong bool) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.markets[id]
	if !ok {
		return nil, errf(KindState, "market %d not found", id)
	}
	if isLong {
		return new(big.Int).Set(market.CumFundingLong), nil
	}
	return new(big.Int).Set(market.CumFundingShort), nil
}

// FundingRate returns the rate set by the last update, bps per hour.
func (m *MarketManager) FundingRate(id uint32) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.markets[id]
	if !ok {
		return 0, errf(KindState, "market %d not found", id)
	}
	return market.FundingRate, nil
}

// OpenInterest returns the long and short open interest.
func (m *MarketManager) OpenInterest(id uint32) (long, short *big.Int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.markets[id]
	if !ok {
		return nil, nil, errf(KindState, "market %d not found", id)
	}
	return new(big.Int).Set(market.LongOI), new(big.Int).Set(market.ShortOI), nil
}

func (m *MarketManager) IsPaused(id uint32) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.markets[id]
	if !ok {
		return false, errf(KindState, "market %d not found", id)
	}
	return market.Paused, nil
}

// Market returns a copy of the market record.
func (m *MarketManager) Market(id uint32) (*Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.markets[id]
	if !ok {
		return nil, errf(KindState, "market %d not found", id)
	}
	return market.clone(), nil
}

// MarketIDs lists all markets in ascending order.
func (m *MarketManager) MarketIDs() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.markets))
	for id := range m.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarketState is the manager's serializable state for snapshots.
type MarketState struct {
	Markets         []*Market `json:"markets"`
	PositionManager string    `json:"position_manager"`
}

func (m *MarketManager) State() *MarketState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &MarketState{PositionManager: m.positionManager}
	for _, id := range m.marketIDsLocked() {
		s.Markets = append(s.Markets, m.markets[id].clone())
	}
	return s
}

func (m *MarketManager) Restore(s *MarketState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionManager = s.PositionManager
	m.markets = make(map[uint32]*Market, len(s.Markets))
	for _, market := range s.Markets {
		m.markets[market.ID] = market.clone()
	}
}

func (m *MarketManager) marketIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(m.markets))
	for id := range m.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
