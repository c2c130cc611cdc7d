package perp

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// PriceFeed is the oracle surface the position manager consumes.
type PriceFeed interface {
	GetPrice(marketID uint32) (*big.Int, error)
}

// CollateralPool is the liquidity pool surface the position manager
// consumes. All calls are authorized by the manager's own account.
type CollateralPool interface {
	Address() string
	ReserveLiquidity(caller string, positionID uint64, size, collateral *big.Int) error
	ReleaseLiquidity(caller string, positionID uint64, size *big.Int) error
	DepositPositionCollateral(caller string, positionID uint64, trader string, amount *big.Int) error
	WithdrawPositionCollateral(caller string, positionID uint64, recipient string, amount *big.Int) error
	SettleTraderPnL(caller, trader string, profit *big.Int) error
}

// MarketBook is the market manager surface the position manager
// consumes.
type MarketBook interface {
	CanOpenPosition(id uint32, isLong bool, size *big.Int) bool
	UpdateOpenInterest(caller string, id uint32, isLong bool, delta *big.Int) error
	CumulativeFunding(id uint32, isLong bool) (*big.Int, error)
	IsPaused(id uint32) (bool, error)
}

// PositionManager runs the position and order lifecycle. It owns a token
// account of its own, used to escrow limit-order collateral and
// execution fees until execution or cancellation.
type PositionManager struct {
	mu     sync.Mutex
	cfg    ConfigStore
	token  Token
	oracle PriceFeed
	pool   CollateralPool
	books  MarketBook
	logger log.Logger

	// addr identifies this manager to the pool and market manager and
	// holds the order escrow.
	addr string

	positions      map[uint64]*Position
	nextPositionID uint64
	userPositions  map[string][]uint64

	orders         map[uint64]*Order
	nextOrderID    uint64
	userOrders     map[string][]uint64
	positionOrders map[uint64][]uint64
	marketOrders   map[uint32][]uint64

	minExecutionFee *big.Int

	now func() time.Time
}

func NewPositionManager(addr string, cfg ConfigStore, token Token, oracle PriceFeed, pool CollateralPool, books MarketBook, logger log.Logger) *PositionManager {
	return &PositionManager{
		cfg:             cfg,
		token:           token,
		oracle:          oracle,
		pool:            pool,
		books:           books,
		logger:          logger,
		addr:            addr,
		positions:       make(map[uint64]*Position),
		nextPositionID:  1,
		userPositions:   make(map[string][]uint64),
		orders:          make(map[uint64]*Order),
		nextOrderID:     1,
		userOrders:      make(map[string][]uint64),
		positionOrders:  make(map[uint64][]uint64),
		marketOrders:    make(map[uint32][]uint64),
		minExecutionFee: big.NewInt(1_000_000),
		now:             time.Now,
	}
}

// Address returns the manager's escrow account.
func (pm *PositionManager) Address() string { return pm.addr }

// OpenPosition opens a leveraged position at the current oracle price.
// Size is collateral*leverage; leverage bounds are inclusive. Collateral
// moves from the trader into the pool's escrow before liquidity is
// reserved; every later failure rolls the earlier steps back.
func (pm *PositionManager) OpenPosition(trader string, marketID uint32, isLong bool, collateral *big.Int, leverage int64) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if trader == "" {
		return 0, errf(KindValidation, "empty trader address")
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return 0, errf(KindValidation, "collateral must be positive")
	}
	if leverage < pm.cfg.MinLeverage() || leverage > pm.cfg.MaxLeverage() {
		return 0, errf(KindValidation, "leverage %d outside [%d, %d]",
			leverage, pm.cfg.MinLeverage(), pm.cfg.MaxLeverage())
	}

	size := new(big.Int).Mul(collateral, big.NewInt(leverage))
	if size.Cmp(pm.cfg.MinPositionSize()) < 0 {
		return 0, errf(KindValidation, "position size %s below minimum %s", size, pm.cfg.MinPositionSize())
	}
	if !pm.books.CanOpenPosition(marketID, isLong, size) {
		return 0, errf(KindState, "market %d cannot accept %s of new %s interest",
			marketID, size, sideName(isLong))
	}

	price, err := pm.oracle.GetPrice(marketID)
	if err != nil {
		return 0, err
	}
	fundingLong, err := pm.books.CumulativeFunding(marketID, true)
	if err != nil {
		return 0, err
	}
	fundingShort, err := pm.books.CumulativeFunding(marketID, false)
	if err != nil {
		return 0, err
	}

	id := pm.nextPositionID

	if err := pm.token.Transfer(trader, pm.pool.Address(), collateral); err != nil {
		return 0, err
	}
	if err := pm.pool.ReserveLiquidity(pm.addr, id, size, collateral); err != nil {
		pm.token.Transfer(pm.pool.Address(), trader, collateral)
		return 0, err
	}
	if err := pm.books.UpdateOpenInterest(pm.addr, marketID, isLong, size); err != nil {
		pm.pool.WithdrawPositionCollateral(pm.addr, id, trader, collateral)
		pm.pool.ReleaseLiquidity(pm.addr, id, size)
		return 0, err
	}

	now := pm.now()
	position := &Position{
		ID:                id,
		Trader:            trader,
		MarketID:          marketID,
		IsLong:            isLong,
		Collateral:        new(big.Int).Set(collateral),
		Size:              size,
		EntryPrice:        price,
		EntryFundingLong:  fundingLong,
		EntryFundingShort: fundingShort,
		LastInteraction:   now,
		LiquidationPrice:  liquidationPrice(price, collateral, size, isLong, pm.cfg.MaintenanceMarginBps()),
	}
	pm.nextPositionID++
	pm.positions[id] = position
	pm.userPositions[trader] = append(pm.userPositions[trader], id)

	pm.logger.Info("position opened",
		"position", id, "trader", trader, "market", marketID,
		"side", sideName(isLong), "size", size, "entry", price)
	return id, nil
}

// IncreasePosition grows a position with fresh collateral at the given
// leverage. Funding and borrowing fees accrued so far are settled
// against the existing collateral, then the entry price becomes the
// size-weighted average and the funding snapshots reset.
func (pm *PositionManager) IncreasePosition(trader string, positionID uint64, addCollateral *big.Int, leverage int64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, err := pm.ownedPosition(trader, positionID)
	if err != nil {
		return err
	}
	if addCollateral == nil || addCollateral.Sign() <= 0 {
		return errf(KindValidation, "collateral must be positive")
	}
	if leverage < pm.cfg.MinLeverage() || leverage > pm.cfg.MaxLeverage() {
		return errf(KindValidation, "leverage %d outside [%d, %d]",
			leverage, pm.cfg.MinLeverage(), pm.cfg.MaxLeverage())
	}

	addSize := new(big.Int).Mul(addCollateral, big.NewInt(leverage))
	if !pm.books.CanOpenPosition(position.MarketID, position.IsLong, addSize) {
		return errf(KindState, "market %d cannot accept %s of new %s interest",
			position.MarketID, addSize, sideName(position.IsLong))
	}

	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return err
	}

	// Settle carrying costs on the existing size before resetting the
	// funding snapshots, otherwise accrued funding would be forgiven.
	carry, err := pm.carryingCost(position)
	if err != nil {
		return err
	}
	newCollateral := new(big.Int).Set(position.Collateral)
	if carry.Sign() > 0 {
		newCollateral.Sub(newCollateral, carry)
		if newCollateral.Sign() <= 0 {
			return errf(KindState, "accrued fees exhaust collateral; position must be liquidated")
		}
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, positionID, pm.pool.Address(), carry); err != nil {
			return err
		}
	} else if carry.Sign() < 0 {
		if err := pm.pool.SettleTraderPnL(pm.addr, trader, new(big.Int).Neg(carry)); err != nil {
			return err
		}
	}

	if err := pm.pool.DepositPositionCollateral(pm.addr, positionID, trader, addCollateral); err != nil {
		return err
	}
	if err := pm.pool.ReserveLiquidity(pm.addr, positionID, addSize, nil); err != nil {
		pm.pool.WithdrawPositionCollateral(pm.addr, positionID, trader, addCollateral)
		return err
	}
	if err := pm.books.UpdateOpenInterest(pm.addr, position.MarketID, position.IsLong, addSize); err != nil {
		pm.pool.ReleaseLiquidity(pm.addr, positionID, addSize)
		pm.pool.WithdrawPositionCollateral(pm.addr, positionID, trader, addCollateral)
		return err
	}

	newSize := new(big.Int).Add(position.Size, addSize)
	weighted := new(big.Int).Mul(position.EntryPrice, position.Size)
	weighted.Add(weighted, new(big.Int).Mul(price, addSize))
	avgEntry := weighted.Quo(weighted, newSize)

	fundingLong, err := pm.books.CumulativeFunding(position.MarketID, true)
	if err != nil {
		return err
	}
	fundingShort, err := pm.books.CumulativeFunding(position.MarketID, false)
	if err != nil {
		return err
	}

	newCollateral.Add(newCollateral, addCollateral)
	position.Collateral = newCollateral
	position.Size = newSize
	position.EntryPrice = avgEntry
	position.EntryFundingLong = fundingLong
	position.EntryFundingShort = fundingShort
	position.LastInteraction = pm.now()
	position.LiquidationPrice = liquidationPrice(avgEntry, newCollateral, newSize, position.IsLong, pm.cfg.MaintenanceMarginBps())

	pm.logger.Info("position increased",
		"position", positionID, "addSize", addSize, "entry", avgEntry)
	return nil
}

// AddCollateral tops up a position's collateral, lowering its effective
// leverage and moving the liquidation price away from the market.
func (pm *PositionManager) AddCollateral(trader string, positionID uint64, amount *big.Int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, err := pm.ownedPosition(trader, positionID)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errf(KindValidation, "amount must be positive")
	}
	if err := pm.pool.DepositPositionCollateral(pm.addr, positionID, trader, amount); err != nil {
		return err
	}
	position.Collateral.Add(position.Collateral, amount)
	position.LiquidationPrice = liquidationPrice(position.EntryPrice, position.Collateral, position.Size, position.IsLong, pm.cfg.MaintenanceMarginBps())
	return nil
}

// RemoveCollateral withdraws excess collateral. The remaining collateral
// must keep effective leverage within the maximum and keep the position
// above its maintenance margin at the current price.
func (pm *PositionManager) RemoveCollateral(trader string, positionID uint64, amount *big.Int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, err := pm.ownedPosition(trader, positionID)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errf(KindValidation, "amount must be positive")
	}

	newCollateral := new(big.Int).Sub(position.Collateral, amount)
	if newCollateral.Sign() <= 0 {
		return errf(KindValidation, "cannot remove all collateral")
	}

	// size/newCollateral must stay within max leverage
	maxSize := new(big.Int).Mul(newCollateral, big.NewInt(pm.cfg.MaxLeverage()))
	if position.Size.Cmp(maxSize) > 0 {
		return errf(KindValidation, "removal would push leverage above %d", pm.cfg.MaxLeverage())
	}

	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return err
	}
	pnl, err := pm.positionPnL(position, price)
	if err != nil {
		return err
	}
	remaining := new(big.Int).Add(newCollateral, pnl)
	maintenance := bpsOf(position.Size, pm.cfg.MaintenanceMarginBps())
	if remaining.Cmp(maintenance) <= 0 {
		return errf(KindState, "removal would leave position at or below maintenance margin")
	}

	if err := pm.pool.WithdrawPositionCollateral(pm.addr, positionID, trader, amount); err != nil {
		return err
	}
	position.Collateral = newCollateral
	position.LiquidationPrice = liquidationPrice(position.EntryPrice, newCollateral, position.Size, position.IsLong, pm.cfg.MaintenanceMarginBps())
	return nil
}

// ClosePosition closes the full position at the current oracle price and
// returns the realized PnL. Profit is paid from the pool on top of the
// returned collateral; loss is absorbed into the pool out of collateral.
// Remaining stop-loss/take-profit orders are cancelled with their fees
// refunded.
func (pm *PositionManager) ClosePosition(trader string, positionID uint64) (*big.Int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, err := pm.ownedPosition(trader, positionID)
	if err != nil {
		return nil, err
	}
	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return nil, err
	}
	pnl, err := pm.positionPnL(position, price)
	if err != nil {
		return nil, err
	}
	if err := pm.settleClose(position, pnl); err != nil {
		return nil, err
	}
	pm.removePosition(position, true)

	pm.logger.Info("position closed",
		"position", positionID, "trader", trader, "exit", price, "pnl", pnl)
	return pnl, nil
}

// DecreasePosition closes part of a position, realizing the
// proportional share of its PnL. The remainder must stay at or above
// the minimum position size.
func (pm *PositionManager) DecreasePosition(trader string, positionID uint64, sizeReduction *big.Int) (*big.Int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, err := pm.ownedPosition(trader, positionID)
	if err != nil {
		return nil, err
	}
	if sizeReduction == nil || sizeReduction.Sign() <= 0 {
		return nil, errf(KindValidation, "size reduction must be positive")
	}
	if sizeReduction.Cmp(position.Size) >= 0 {
		return nil, errf(KindValidation, "size reduction must be below position size; use close")
	}
	remainder := new(big.Int).Sub(position.Size, sizeReduction)
	if remainder.Cmp(pm.cfg.MinPositionSize()) < 0 {
		return nil, errf(KindValidation, "remaining size %s below minimum %s", remainder, pm.cfg.MinPositionSize())
	}

	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return nil, err
	}
	pnl, err := pm.positionPnL(position, price)
	if err != nil {
		return nil, err
	}
	realized := mulDiv(pnl, sizeReduction, position.Size)

	if realized.Sign() > 0 {
		if err := pm.pool.SettleTraderPnL(pm.addr, trader, realized); err != nil {
			return nil, err
		}
	} else if realized.Sign() < 0 {
		loss := new(big.Int).Neg(realized)
		if loss.Cmp(position.Collateral) >= 0 {
			return nil, errf(KindState, "realized loss exhausts collateral; position must be liquidated")
		}
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, positionID, pm.pool.Address(), loss); err != nil {
			return nil, err
		}
		position.Collateral.Sub(position.Collateral, loss)
	}

	if err := pm.pool.ReleaseLiquidity(pm.addr, positionID, sizeReduction); err != nil {
		return nil, err
	}
	if err := pm.books.UpdateOpenInterest(pm.addr, position.MarketID, position.IsLong, new(big.Int).Neg(sizeReduction)); err != nil {
		return nil, err
	}

	position.Size = remainder
	position.LiquidationPrice = liquidationPrice(position.EntryPrice, position.Collateral, remainder, position.IsLong, pm.cfg.MaintenanceMarginBps())

	pm.logger.Info("position decreased",
		"position", positionID, "reduction", sizeReduction, "realized", realized)
	return realized, nil
}

// LiquidatePosition closes an underwater position. Anyone may call it;
// the caller earns 60% of the liquidation fee (capped by the position's
// collateral), the rest of the collateral is absorbed by the pool.
func (pm *PositionManager) LiquidatePosition(keeper string, positionID uint64) (*big.Int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if keeper == "" {
		return nil, errf(KindValidation, "empty keeper address")
	}
	position, ok := pm.positions[positionID]
	if !ok {
		return nil, errf(KindState, "position %d not found", positionID)
	}

	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return nil, err
	}
	pnl, err := pm.positionPnL(position, price)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Add(position.Collateral, pnl)
	maintenance := bpsOf(position.Size, pm.cfg.MaintenanceMarginBps())
	if remaining.Cmp(maintenance) > 0 {
		return nil, errf(KindNotLiquidatable, "position %d equity %s above maintenance margin %s",
			positionID, remaining, maintenance)
	}

	fee := bpsOf(position.Size, pm.cfg.LiquidationFeeBps())
	keeperReward := mulDiv(fee, big.NewInt(60), big.NewInt(100))
	if keeperReward.Cmp(position.Collateral) > 0 {
		keeperReward = new(big.Int).Set(position.Collateral)
	}

	if err := pm.pool.ReleaseLiquidity(pm.addr, positionID, position.Size); err != nil {
		return nil, err
	}
	if err := pm.books.UpdateOpenInterest(pm.addr, position.MarketID, position.IsLong, new(big.Int).Neg(position.Size)); err != nil {
		return nil, err
	}

	if keeperReward.Sign() > 0 {
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, positionID, keeper, keeperReward); err != nil {
			return nil, err
		}
	}
	// the rest of the collateral stays in the pool, covering the loss
	// and the pool's 40% share of the liquidation fee
	residual := new(big.Int).Sub(position.Collateral, keeperReward)
	if residual.Sign() > 0 {
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, positionID, pm.pool.Address(), residual); err != nil {
			return nil, err
		}
	}

	pm.removePosition(position, true)

	pm.logger.Info("position liquidated",
		"position", positionID, "keeper", keeper, "price", price, "reward", keeperReward)
	return keeperReward, nil
}

// IsLiquidatable reports whether the position's equity is at or below
// its maintenance margin at the current oracle price.
func (pm *PositionManager) IsLiquidatable(positionID uint64) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, ok := pm.positions[positionID]
	if !ok {
		return false, errf(KindState, "position %d not found", positionID)
	}
	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return false, err
	}
	pnl, err := pm.positionPnL(position, price)
	if err != nil {
		return false, err
	}
	remaining := new(big.Int).Add(position.Collateral, pnl)
	return remaining.Cmp(bpsOf(position.Size, pm.cfg.MaintenanceMarginBps())) <= 0, nil
}

// PositionPnL returns the position's unrealized PnL at the current
// oracle price: price PnL minus accrued funding and borrowing fees.
func (pm *PositionManager) PositionPnL(positionID uint64) (*big.Int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, ok := pm.positions[positionID]
	if !ok {
		return nil, errf(KindState, "position %d not found", positionID)
	}
	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return nil, err
	}
	return pm.positionPnL(position, price)
}

// Position returns a copy of the position record.
func (pm *PositionManager) Position(positionID uint64) (*Position, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	position, ok := pm.positions[positionID]
	if !ok {
		return nil, errf(KindState, "position %d not found", positionID)
	}
	return position.clone(), nil
}

// UserPositions lists the trader's open position IDs.
func (pm *PositionManager) UserPositions(trader string) []uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ids := pm.userPositions[trader]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// PositionIDs lists all open position IDs.
func (pm *PositionManager) PositionIDs() []uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ids := make([]uint64, 0, len(pm.positions))
	for id := range pm.positions {
		ids = append(ids, id)
	}
	return ids
}

// settleClose pays out a closing position: release notional, decrease
// open interest, return collateral and profit to the trader or absorb
// the loss into the pool.
func (pm *PositionManager) settleClose(position *Position, pnl *big.Int) error {
	if err := pm.pool.ReleaseLiquidity(pm.addr, position.ID, position.Size); err != nil {
		return err
	}
	if err := pm.books.UpdateOpenInterest(pm.addr, position.MarketID, position.IsLong, new(big.Int).Neg(position.Size)); err != nil {
		return err
	}

	if pnl.Sign() >= 0 {
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, position.ID, position.Trader, position.Collateral); err != nil {
			return err
		}
		if pnl.Sign() > 0 {
			return pm.pool.SettleTraderPnL(pm.addr, position.Trader, pnl)
		}
		return nil
	}

	loss := new(big.Int).Neg(pnl)
	refund := new(big.Int).Sub(position.Collateral, loss)
	if refund.Sign() < 0 {
		refund.SetInt64(0)
	}
	if refund.Sign() > 0 {
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, position.ID, position.Trader, refund); err != nil {
			return err
		}
	}
	absorbed := new(big.Int).Sub(position.Collateral, refund)
	if absorbed.Sign() > 0 {
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, position.ID, pm.pool.Address(), absorbed); err != nil {
			return err
		}
	}
	return nil
}

// removePosition drops the position from all indexes and, when
// cancelOrders is set, cancels its attached orders with fee refunds.
// Lock must be held.
func (pm *PositionManager) removePosition(position *Position, cancelOrders bool) {
	if cancelOrders {
		pm.cancelAttachedOrders(position.ID)
	}
	delete(pm.positions, position.ID)
	pm.userPositions[position.Trader] = removeID(pm.userPositions[position.Trader], position.ID)
	if len(pm.userPositions[position.Trader]) == 0 {
		delete(pm.userPositions, position.Trader)
	}
}

// positionPnL computes PnL at the given price. Lock must be held.
func (pm *PositionManager) positionPnL(position *Position, price *big.Int) (*big.Int, error) {
	var diff *big.Int
	if position.IsLong {
		diff = new(big.Int).Sub(price, position.EntryPrice)
	} else {
		diff = new(big.Int).Sub(position.EntryPrice, price)
	}
	pnl := mulDiv(diff, position.Size, position.EntryPrice)

	carry, err := pm.carryingCost(position)
	if err != nil {
		return nil, err
	}
	return pnl.Sub(pnl, carry), nil
}

// carryingCost is the funding plus borrowing fee accrued since the
// position's snapshots. Negative when the position is owed funding.
func (pm *PositionManager) carryingCost(position *Position) (*big.Int, error) {
	cum, err := pm.books.CumulativeFunding(position.MarketID, position.IsLong)
	if err != nil {
		return nil, err
	}
	entry := position.EntryFundingLong
	if !position.IsLong {
		entry = position.EntryFundingShort
	}
	delta := new(big.Int).Sub(cum, entry)
	perSecond := delta.Quo(delta, secondsPerHour)
	funding := mulDiv(perSecond, position.Size, priceScale)

	elapsed := int64(pm.now().Sub(position.LastInteraction) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	borrow := new(big.Int).Mul(pm.cfg.BorrowRatePerSecond(), big.NewInt(elapsed))
	borrow = mulDiv(borrow, position.Size, priceScale)

	return funding.Add(funding, borrow), nil
}

// ownedPosition fetches a position and verifies ownership. Lock must be
// held.
func (pm *PositionManager) ownedPosition(trader string, positionID uint64) (*Position, error) {
	position, ok := pm.positions[positionID]
	if !ok {
		return nil, errf(KindState, "position %d not found", positionID)
	}
	if position.Trader != trader {
		return nil, errf(KindAuthorization, "position %d is not owned by %s", positionID, trader)
	}
	return position, nil
}

// liquidationPrice is the price at which equity hits the maintenance
// margin, assuming price PnL only:
// long  entry*(10000 - collateralBps + mmBps)/10000
// short entry*(10000 + collateralBps - mmBps)/10000
// where collateralBps = collateral*10000/size.
func liquidationPrice(entry, collateral, size *big.Int, isLong bool, mmBps int64) *big.Int {
	collBps := mulDiv(collateral, bpsDenom, size)
	factor := new(big.Int)
	if isLong {
		factor.Sub(bpsDenom, collBps)
		factor.Add(factor, big.NewInt(mmBps))
	} else {
		factor.Add(bpsDenom, collBps)
		factor.Sub(factor, big.NewInt(mmBps))
	}
	if factor.Sign() < 0 {
		return new(big.Int)
	}
	return mulDiv(entry, factor, bpsDenom)
}

func sideName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

func removeID(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
