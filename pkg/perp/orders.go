package perp

import (
	"math/big"
	"time"
)

// ExecutionResult reports what executing an order did: the position it
// opened (limit) or acted on (stop-loss/take-profit) and any realized
// PnL.
type ExecutionResult struct {
	Kind       OrderKind
	PositionID uint64
	PnL        *big.Int
}

// SetMinExecutionFee sets the minimum keeper fee attached to new
// orders. Admin only.
func (pm *PositionManager) SetMinExecutionFee(caller string, fee *big.Int) error {
	if caller != pm.cfg.Admin() {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	if fee == nil || fee.Sign() < 0 {
		return errf(KindValidation, "fee must be non-negative")
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.minExecutionFee = new(big.Int).Set(fee)
	return nil
}

func (pm *PositionManager) MinExecutionFee() *big.Int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return new(big.Int).Set(pm.minExecutionFee)
}

// CreateLimitOrder escrows collateral and the execution fee with the
// manager and queues a position open at the trigger price. Long orders
// fire when the price falls to the trigger, short orders when it rises.
func (pm *PositionManager) CreateLimitOrder(trader string, marketID uint32, isLong bool, collateral *big.Int, leverage int64, triggerPrice, acceptablePrice, executionFee *big.Int, expiration time.Time) (uint64, error) {
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
	if triggerPrice == nil || triggerPrice.Sign() <= 0 {
		return 0, errf(KindValidation, "trigger price must be positive")
	}
	if err := pm.validateFee(executionFee); err != nil {
		return 0, err
	}
	if err := pm.requireActiveMarket(marketID); err != nil {
		return 0, err
	}

	escrow := new(big.Int).Add(collateral, executionFee)
	if err := pm.token.Transfer(trader, pm.addr, escrow); err != nil {
		return 0, err
	}

	order := &Order{
		Kind:            OrderLimit,
		Trader:          trader,
		MarketID:        marketID,
		IsLong:          isLong,
		TriggerPrice:    new(big.Int).Set(triggerPrice),
		AcceptablePrice: copyOrZero(acceptablePrice),
		Collateral:      new(big.Int).Set(collateral),
		Size:            size,
		ExecutionFee:    new(big.Int).Set(executionFee),
		Expiration:      expiration,
		CreatedAt:       pm.now(),
	}
	id := pm.insertOrder(order)

	pm.logger.Info("limit order created",
		"order", id, "trader", trader, "market", marketID,
		"side", sideName(isLong), "trigger", triggerPrice)
	return id, nil
}

// CreateStopLoss attaches a stop-loss to an open position. The trigger
// must sit between the position's liquidation price and the current
// price, on the loss side.
func (pm *PositionManager) CreateStopLoss(trader string, positionID uint64, triggerPrice, acceptablePrice *big.Int, closePercentageBps int64, executionFee *big.Int, expiration time.Time) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, err := pm.ownedPosition(trader, positionID)
	if err != nil {
		return 0, err
	}
	if err := pm.validateClosePercentage(closePercentageBps); err != nil {
		return 0, err
	}
	if err := pm.validateFee(executionFee); err != nil {
		return 0, err
	}
	if triggerPrice == nil || triggerPrice.Sign() <= 0 {
		return 0, errf(KindValidation, "trigger price must be positive")
	}
	if err := pm.requireActiveMarket(position.MarketID); err != nil {
		return 0, err
	}
	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return 0, err
	}

	if position.IsLong {
		if triggerPrice.Cmp(position.LiquidationPrice) <= 0 || triggerPrice.Cmp(price) >= 0 {
			return 0, errf(KindValidation, "stop-loss trigger must lie between liquidation price %s and current price %s",
				position.LiquidationPrice, price)
		}
	} else {
		if triggerPrice.Cmp(position.LiquidationPrice) >= 0 || triggerPrice.Cmp(price) <= 0 {
			return 0, errf(KindValidation, "stop-loss trigger must lie between current price %s and liquidation price %s",
				price, position.LiquidationPrice)
		}
	}

	return pm.createAttachedOrder(OrderStopLoss, position, triggerPrice, acceptablePrice, closePercentageBps, executionFee, expiration)
}

// CreateTakeProfit attaches a take-profit to an open position. The
// trigger must sit beyond the current price on the profit side.
func (pm *PositionManager) CreateTakeProfit(trader string, positionID uint64, triggerPrice, acceptablePrice *big.Int, closePercentageBps int64, executionFee *big.Int, expiration time.Time) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	position, err := pm.ownedPosition(trader, positionID)
	if err != nil {
		return 0, err
	}
	if err := pm.validateClosePercentage(closePercentageBps); err != nil {
		return 0, err
	}
	if err := pm.validateFee(executionFee); err != nil {
		return 0, err
	}
	if triggerPrice == nil || triggerPrice.Sign() <= 0 {
		return 0, errf(KindValidation, "trigger price must be positive")
	}
	if err := pm.requireActiveMarket(position.MarketID); err != nil {
		return 0, err
	}
	price, err := pm.oracle.GetPrice(position.MarketID)
	if err != nil {
		return 0, err
	}

	if position.IsLong {
		if triggerPrice.Cmp(price) <= 0 {
			return 0, errf(KindValidation, "take-profit trigger must be above current price %s", price)
		}
	} else {
		if triggerPrice.Cmp(price) >= 0 {
			return 0, errf(KindValidation, "take-profit trigger must be below current price %s", price)
		}
	}

	return pm.createAttachedOrder(OrderTakeProfit, position, triggerPrice, acceptablePrice, closePercentageBps, executionFee, expiration)
}

// CancelOrder removes a pending order and refunds its escrow to the
// trader: the execution fee, plus collateral for limit orders.
func (pm *PositionManager) CancelOrder(trader string, orderID uint64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	order, ok := pm.orders[orderID]
	if !ok {
		return errf(KindState, "order %d not found", orderID)
	}
	if order.Trader != trader {
		return errf(KindAuthorization, "order %d is not owned by %s", orderID, trader)
	}
	if err := pm.refundOrder(order); err != nil {
		return err
	}
	pm.deleteOrder(order)
	pm.logger.Info("order cancelled", "order", orderID, "trader", trader)
	return nil
}

// CanExecuteOrder reports whether ExecuteOrder would currently fire,
// without side effects. Keepers use it to filter scans.
func (pm *PositionManager) CanExecuteOrder(orderID uint64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	order, ok := pm.orders[orderID]
	if !ok || order.expired(pm.now()) {
		return false
	}
	if paused, err := pm.books.IsPaused(order.MarketID); err != nil || paused {
		return false
	}
	if order.Kind != OrderLimit {
		if _, ok := pm.positions[order.PositionID]; !ok {
			return false
		}
	}
	price, err := pm.oracle.GetPrice(order.MarketID)
	if err != nil {
		return false
	}
	return triggerMet(order, price) && priceAcceptable(order, price)
}

// ExecuteOrder fires a pending order at the current oracle price and
// pays the execution fee to the keeper. Executing an expired order
// refunds the trader, removes the order, and fails. A second execution
// of the same order fails with a state error, as the order is gone.
func (pm *PositionManager) ExecuteOrder(keeper string, orderID uint64) (*ExecutionResult, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if keeper == "" {
		return nil, errf(KindValidation, "empty keeper address")
	}
	order, ok := pm.orders[orderID]
	if !ok {
		return nil, errf(KindState, "order %d not found", orderID)
	}

	if order.expired(pm.now()) {
		if err := pm.refundOrder(order); err != nil {
			return nil, err
		}
		pm.deleteOrder(order)
		return nil, errf(KindState, "order %d expired and was refunded", orderID)
	}

	paused, err := pm.books.IsPaused(order.MarketID)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, errf(KindState, "market %d is paused", order.MarketID)
	}

	price, err := pm.oracle.GetPrice(order.MarketID)
	if err != nil {
		return nil, err
	}
	if !triggerMet(order, price) {
		return nil, errf(KindState, "order %d trigger not met at price %s", orderID, price)
	}
	if !priceAcceptable(order, price) {
		return nil, errf(KindState, "price %s outside acceptable bound for order %d", price, orderID)
	}

	var result *ExecutionResult
	switch order.Kind {
	case OrderLimit:
		result, err = pm.executeLimitOrder(order, price)
	default:
		result, err = pm.executeCloseOrder(order, price)
	}
	if err != nil {
		return nil, err
	}

	if err := pm.token.Transfer(pm.addr, keeper, order.ExecutionFee); err != nil {
		return nil, err
	}
	pm.logger.Info("order executed",
		"order", orderID, "kind", order.Kind, "keeper", keeper, "price", price)
	return result, nil
}

// Order returns a copy of a pending order.
func (pm *PositionManager) Order(orderID uint64) (*Order, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	order, ok := pm.orders[orderID]
	if !ok {
		return nil, errf(KindState, "order %d not found", orderID)
	}
	return order.clone(), nil
}

// UserOrders lists the trader's pending order IDs.
func (pm *PositionManager) UserOrders(trader string) []uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ids := pm.userOrders[trader]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// MarketOrders lists pending order IDs on a market, for keeper scans.
func (pm *PositionManager) MarketOrders(marketID uint32) []uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ids := pm.marketOrders[marketID]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// PositionOrders lists the orders attached to a position.
func (pm *PositionManager) PositionOrders(positionID uint64) []uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ids := pm.positionOrders[positionID]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// executeLimitOrder opens the queued position at the execution price,
// moving the escrowed collateral from the manager into the pool. The
// order stays pending if the market cannot accept the position.
func (pm *PositionManager) executeLimitOrder(order *Order, price *big.Int) (*ExecutionResult, error) {
	if !pm.books.CanOpenPosition(order.MarketID, order.IsLong, order.Size) {
		return nil, errf(KindState, "market %d cannot accept %s of new %s interest",
			order.MarketID, order.Size, sideName(order.IsLong))
	}
	fundingLong, err := pm.books.CumulativeFunding(order.MarketID, true)
	if err != nil {
		return nil, err
	}
	fundingShort, err := pm.books.CumulativeFunding(order.MarketID, false)
	if err != nil {
		return nil, err
	}

	id := pm.nextPositionID

	if err := pm.token.Transfer(pm.addr, pm.pool.Address(), order.Collateral); err != nil {
		return nil, err
	}
	if err := pm.pool.ReserveLiquidity(pm.addr, id, order.Size, order.Collateral); err != nil {
		pm.token.Transfer(pm.pool.Address(), pm.addr, order.Collateral)
		return nil, err
	}
	if err := pm.books.UpdateOpenInterest(pm.addr, order.MarketID, order.IsLong, order.Size); err != nil {
		pm.pool.WithdrawPositionCollateral(pm.addr, id, pm.addr, order.Collateral)
		pm.pool.ReleaseLiquidity(pm.addr, id, order.Size)
		return nil, err
	}

	position := &Position{
		ID:                id,
		Trader:            order.Trader,
		MarketID:          order.MarketID,
		IsLong:            order.IsLong,
		Collateral:        new(big.Int).Set(order.Collateral),
		Size:              new(big.Int).Set(order.Size),
		EntryPrice:        new(big.Int).Set(price),
		EntryFundingLong:  fundingLong,
		EntryFundingShort: fundingShort,
		LastInteraction:   pm.now(),
		LiquidationPrice:  liquidationPrice(price, order.Collateral, order.Size, order.IsLong, pm.cfg.MaintenanceMarginBps()),
	}
	pm.nextPositionID++
	pm.positions[id] = position
	pm.userPositions[order.Trader] = append(pm.userPositions[order.Trader], id)

	pm.deleteOrder(order)
	return &ExecutionResult{Kind: OrderLimit, PositionID: id}, nil
}

// executeCloseOrder fires a stop-loss or take-profit: a full close when
// the close percentage covers the whole position (or the remainder
// would fall below the minimum size), otherwise a partial close
// realizing the proportional PnL.
func (pm *PositionManager) executeCloseOrder(order *Order, price *big.Int) (*ExecutionResult, error) {
	position, ok := pm.positions[order.PositionID]
	if !ok {
		// position already closed or liquidated; refund and drop
		if err := pm.refundOrder(order); err != nil {
			return nil, err
		}
		pm.deleteOrder(order)
		return nil, errf(KindState, "position %d is gone; order %d refunded", order.PositionID, order.ID)
	}

	pnl, err := pm.positionPnL(position, price)
	if err != nil {
		return nil, err
	}

	closeSize := bpsOf(position.Size, order.ClosePercentage)
	remainder := new(big.Int).Sub(position.Size, closeSize)
	fullClose := order.ClosePercentage >= BpsDenominator ||
		remainder.Cmp(pm.cfg.MinPositionSize()) < 0

	if fullClose {
		if err := pm.settleClose(position, pnl); err != nil {
			return nil, err
		}
		// drop the executing order only once settlement has succeeded,
		// and before the attached-order sweep so its fee goes to the
		// keeper rather than being refunded
		pm.deleteOrder(order)
		pm.removePosition(position, true)
		return &ExecutionResult{Kind: order.Kind, PositionID: position.ID, PnL: pnl}, nil
	}

	realized := mulDiv(pnl, closeSize, position.Size)
	if realized.Sign() > 0 {
		if err := pm.pool.SettleTraderPnL(pm.addr, position.Trader, realized); err != nil {
			return nil, err
		}
	} else if realized.Sign() < 0 {
		loss := new(big.Int).Neg(realized)
		if loss.Cmp(position.Collateral) >= 0 {
			return nil, errf(KindState, "realized loss exhausts collateral; position must be liquidated")
		}
		if err := pm.pool.WithdrawPositionCollateral(pm.addr, position.ID, pm.pool.Address(), loss); err != nil {
			return nil, err
		}
		position.Collateral.Sub(position.Collateral, loss)
	}
	if err := pm.pool.ReleaseLiquidity(pm.addr, position.ID, closeSize); err != nil {
		return nil, err
	}
	if err := pm.books.UpdateOpenInterest(pm.addr, position.MarketID, position.IsLong, new(big.Int).Neg(closeSize)); err != nil {
		return nil, err
	}
	position.Size = remainder
	position.LiquidationPrice = liquidationPrice(position.EntryPrice, position.Collateral, remainder, position.IsLong, pm.cfg.MaintenanceMarginBps())

	pm.deleteOrder(order)
	return &ExecutionResult{Kind: order.Kind, PositionID: position.ID, PnL: realized}, nil
}

// createAttachedOrder escrows the execution fee and indexes a
// stop-loss/take-profit order. Lock must be held.
func (pm *PositionManager) createAttachedOrder(kind OrderKind, position *Position, triggerPrice, acceptablePrice *big.Int, closePercentageBps int64, executionFee *big.Int, expiration time.Time) (uint64, error) {
	if err := pm.token.Transfer(position.Trader, pm.addr, executionFee); err != nil {
		return 0, err
	}
	order := &Order{
		Kind:            kind,
		Trader:          position.Trader,
		MarketID:        position.MarketID,
		PositionID:      position.ID,
		IsLong:          position.IsLong,
		TriggerPrice:    new(big.Int).Set(triggerPrice),
		AcceptablePrice: copyOrZero(acceptablePrice),
		ClosePercentage: closePercentageBps,
		ExecutionFee:    new(big.Int).Set(executionFee),
		Expiration:      expiration,
		CreatedAt:       pm.now(),
	}
	id := pm.insertOrder(order)
	pm.logger.Info("close order created",
		"order", id, "kind", kind, "position", position.ID, "trigger", triggerPrice)
	return id, nil
}

// cancelAttachedOrders drops every order attached to a position,
// refunding execution fees. Lock must be held.
func (pm *PositionManager) cancelAttachedOrders(positionID uint64) {
	ids := pm.positionOrders[positionID]
	for _, id := range append([]uint64(nil), ids...) {
		order, ok := pm.orders[id]
		if !ok {
			continue
		}
		if err := pm.refundOrder(order); err != nil {
			pm.logger.Error("failed to refund attached order", "order", id, "error", err)
			continue
		}
		pm.deleteOrder(order)
	}
}

// refundOrder returns an order's escrow to its trader. Lock must be
// held.
func (pm *PositionManager) refundOrder(order *Order) error {
	refund := new(big.Int).Set(order.ExecutionFee)
	if order.Kind == OrderLimit {
		refund.Add(refund, order.Collateral)
	}
	return pm.token.Transfer(pm.addr, order.Trader, refund)
}

// insertOrder assigns an ID and indexes the order. Lock must be held.
func (pm *PositionManager) insertOrder(order *Order) uint64 {
	order.ID = pm.nextOrderID
	pm.nextOrderID++
	pm.orders[order.ID] = order
	pm.userOrders[order.Trader] = append(pm.userOrders[order.Trader], order.ID)
	pm.marketOrders[order.MarketID] = append(pm.marketOrders[order.MarketID], order.ID)
	if order.PositionID != 0 {
		pm.positionOrders[order.PositionID] = append(pm.positionOrders[order.PositionID], order.ID)
	}
	return order.ID
}

// deleteOrder removes the order from all indexes. Lock must be held.
func (pm *PositionManager) deleteOrder(order *Order) {
	delete(pm.orders, order.ID)
	pm.userOrders[order.Trader] = removeID(pm.userOrders[order.Trader], order.ID)
	if len(pm.userOrders[order.Trader]) == 0 {
		delete(pm.userOrders, order.Trader)
	}
	pm.marketOrders[order.MarketID] = removeID(pm.marketOrders[order.MarketID], order.ID)
	if len(pm.marketOrders[order.MarketID]) == 0 {
		delete(pm.marketOrders, order.MarketID)
	}
	if order.PositionID != 0 {
		pm.positionOrders[order.PositionID] = removeID(pm.positionOrders[order.PositionID], order.ID)
		if len(pm.positionOrders[order.PositionID]) == 0 {
			delete(pm.positionOrders, order.PositionID)
		}
	}
}

// requireActiveMarket rejects order creation on paused or unknown
// markets. Lock must be held.
func (pm *PositionManager) requireActiveMarket(marketID uint32) error {
	paused, err := pm.books.IsPaused(marketID)
	if err != nil {
		return err
	}
	if paused {
		return errf(KindState, "market %d is paused", marketID)
	}
	return nil
}

func (pm *PositionManager) validateFee(fee *big.Int) error {
	if fee == nil || fee.Cmp(pm.minExecutionFee) < 0 {
		return errf(KindValidation, "execution fee below minimum %s", pm.minExecutionFee)
	}
	return nil
}

func (pm *PositionManager) validateClosePercentage(bps int64) error {
	if bps <= 0 || bps > BpsDenominator {
		return errf(KindValidation, "close percentage %d bps outside (0, %d]", bps, BpsDenominator)
	}
	return nil
}

// triggerMet applies the direction table: long limit and stop-loss
// orders fire when the price falls to the trigger, short ones when it
// rises; take-profits are the mirror image.
func triggerMet(order *Order, price *big.Int) bool {
	switch order.Kind {
	case OrderLimit, OrderStopLoss:
		if order.IsLong {
			return price.Cmp(order.TriggerPrice) <= 0
		}
		return price.Cmp(order.TriggerPrice) >= 0
	case OrderTakeProfit:
		if order.IsLong {
			return price.Cmp(order.TriggerPrice) >= 0
		}
		return price.Cmp(order.TriggerPrice) <= 0
	default:
		return false
	}
}

// priceAcceptable bounds execution slippage with the same direction
// table as the trigger. A zero acceptable price disables the bound.
func priceAcceptable(order *Order, price *big.Int) bool {
	if order.AcceptablePrice.Sign() == 0 {
		return true
	}
	switch order.Kind {
	case OrderLimit, OrderStopLoss:
		if order.IsLong {
			return price.Cmp(order.AcceptablePrice) <= 0
		}
		return price.Cmp(order.AcceptablePrice) >= 0
	case OrderTakeProfit:
		if order.IsLong {
			return price.Cmp(order.AcceptablePrice) >= 0
		}
		return price.Cmp(order.AcceptablePrice) <= 0
	default:
		return false
	}
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
