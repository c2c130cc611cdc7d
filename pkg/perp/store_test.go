package perp

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadEmpty(t *testing.T) {
	e := newTestEngine(t)
	store := NewStore(memdb.New(), e.oracle.logger)

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStoreRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, 10_000, 1000)

	positionID, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)
	_, err = e.pm.CreateStopLoss(testTrader, positionID, amount(95), nil, BpsDenominator, amount(1), noExpiry)
	require.NoError(t, err)
	_, err = e.pm.CreateLimitOrder(testTrader, testMarket, false, amount(50), 10, amount(110), nil, amount(1), noExpiry)
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	require.NoError(t, e.markets.UpdateFundingRate(testMarket))

	store := NewStore(memdb.New(), e.oracle.logger)
	require.NoError(t, store.Save(&Snapshot{
		Balances: e.token.Balances(),
		Pool:     e.pool.State(),
		Markets:  e.markets.State(),
		Manager:  e.pm.State(),
	}))

	snap, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)

	// rebuild a fresh engine from the snapshot
	r := newTestEngine(t)
	r.token.Restore(snap.Balances)
	r.pool.Restore(snap.Pool)
	r.markets.Restore(snap.Markets)
	r.pm.Restore(snap.Manager)

	assert.Equal(t, e.token.BalanceOf(testTrader), r.token.BalanceOf(testTrader))
	assert.Equal(t, e.pool.TotalShares(), r.pool.TotalShares())
	assert.Equal(t, e.pool.ReservedLiquidity(), r.pool.ReservedLiquidity())
	assert.Equal(t, e.pool.PositionCollateral(positionID), r.pool.PositionCollateral(positionID))

	origMarket, err := e.markets.Market(testMarket)
	require.NoError(t, err)
	restoredMarket, err := r.markets.Market(testMarket)
	require.NoError(t, err)
	assert.Equal(t, origMarket.CumFundingLong, restoredMarket.CumFundingLong)
	assert.Equal(t, origMarket.CumFundingShort, restoredMarket.CumFundingShort)
	assert.True(t, origMarket.LastFundingUpdate.Equal(restoredMarket.LastFundingUpdate))

	origPos, err := e.pm.Position(positionID)
	require.NoError(t, err)
	restoredPos, err := r.pm.Position(positionID)
	require.NoError(t, err)
	assert.Equal(t, origPos.Collateral, restoredPos.Collateral)
	assert.Equal(t, origPos.Size, restoredPos.Size)
	assert.Equal(t, origPos.EntryPrice, restoredPos.EntryPrice)
	assert.Equal(t, origPos.LiquidationPrice, restoredPos.LiquidationPrice)

	assert.ElementsMatch(t, e.pm.UserOrders(testTrader), r.pm.UserOrders(testTrader))
	assert.ElementsMatch(t, e.pm.PositionOrders(positionID), r.pm.PositionOrders(positionID))
	assert.ElementsMatch(t, e.pm.MarketOrders(testMarket), r.pm.MarketOrders(testMarket))

	t.Run("id sequences continue after restore", func(t *testing.T) {
		r.token.Mint("carol", amount(200))
		newID, err := r.pm.OpenPosition("carol", testMarket, true, amount(100), 10)
		require.NoError(t, err)
		assert.Greater(t, newID, positionID)
	})
}
