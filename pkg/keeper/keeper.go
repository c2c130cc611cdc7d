// Package keeper drives the engine's permissionless maintenance:
// funding updates on cadence, conditional-order execution, and
// liquidation of underwater positions. Everything it does could be done
// by any external account; the keeper just does it on a timer.
package keeper

import (
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/perp"
)

// Keeper runs the maintenance loop under its own account, collecting
// execution fees and liquidation rewards.
type Keeper struct {
	address  string
	interval time.Duration

	manager *perp.PositionManager
	markets *perp.MarketManager
	pool    *perp.LiquidityPool
	metrics *metrics.PerpMetrics // optional
	logger  log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(address string, interval time.Duration, manager *perp.PositionManager, markets *perp.MarketManager, pool *perp.LiquidityPool, m *metrics.PerpMetrics, logger log.Logger) *Keeper {
	return &Keeper{
		address:  address,
		interval: interval,
		manager:  manager,
		markets:  markets,
		pool:     pool,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (k *Keeper) Start() {
	k.wg.Add(1)
	go k.run()
	k.logger.Info("keeper started", "address", k.address, "interval", k.interval)
}

// Stop terminates the loop and waits for the current scan to finish.
func (k *Keeper) Stop() {
	k.once.Do(func() { close(k.stopCh) })
	k.wg.Wait()
}

func (k *Keeper) run() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.Scan()
		case <-k.stopCh:
			return
		}
	}
}

// Scan performs one maintenance pass over every market.
func (k *Keeper) Scan() {
	start := time.Now()
	for _, marketID := range k.markets.MarketIDs() {
		k.updateFunding(marketID)
		k.executeOrders(marketID)
	}
	k.liquidate()
	k.updateGauges()
	if k.metrics != nil {
		k.metrics.ObserveKeeperScan(time.Since(start).Seconds())
	}
}

func (k *Keeper) updateFunding(marketID uint32) {
	err := k.markets.UpdateFundingRate(marketID)
	if err != nil {
		// cadence not elapsed and paused markets are routine
		k.logger.Debug("funding update skipped", "market", marketID, "reason", err)
		return
	}
	if k.metrics != nil {
		k.metrics.RecordFundingUpdate()
	}
}

func (k *Keeper) executeOrders(marketID uint32) {
	for _, orderID := range k.manager.MarketOrders(marketID) {
		if !k.manager.CanExecuteOrder(orderID) {
			continue
		}
		result, err := k.manager.ExecuteOrder(k.address, orderID)
		if err != nil {
			// eligibility can change between the check and execution
			k.logger.Debug("order execution failed", "order", orderID, "error", err)
			continue
		}
		if k.metrics != nil {
			k.metrics.RecordOrderExecuted()
		}
		k.logger.Info("keeper executed order",
			"order", orderID, "kind", result.Kind, "position", result.PositionID)
	}
}

func (k *Keeper) liquidate() {
	for _, positionID := range k.manager.PositionIDs() {
		liquidatable, err := k.manager.IsLiquidatable(positionID)
		if err != nil || !liquidatable {
			continue
		}
		reward, err := k.manager.LiquidatePosition(k.address, positionID)
		if err != nil {
			if perp.IsKind(err, perp.KindNotLiquidatable) {
				continue
			}
			k.logger.Warn("liquidation failed", "position", positionID, "error", err)
			continue
		}
		if k.metrics != nil {
			k.metrics.RecordPositionLiquidated()
		}
		k.logger.Info("keeper liquidated position", "position", positionID, "reward", reward)
	}
}

func (k *Keeper) updateGauges() {
	if k.metrics == nil {
		return
	}
	k.metrics.SetPoolUtilization(bigFloat(k.pool.UtilizationBps()))
	for _, marketID := range k.markets.MarketIDs() {
		label := strconv.FormatUint(uint64(marketID), 10)
		if rate, err := k.markets.FundingRate(marketID); err == nil {
			k.metrics.SetFundingRate(label, float64(rate))
		}
		if long, short, err := k.markets.OpenInterest(marketID); err == nil {
			k.metrics.SetOpenInterest(label, "long", bigFloat(long))
			k.metrics.SetOpenInterest(label, "short", bigFloat(short))
		}
	}
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
