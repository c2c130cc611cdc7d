package perp

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroBorrow disables the borrowing fee so tests can isolate price and
// funding PnL.
func zeroBorrow(t *testing.T, e *testEngine) {
	t.Helper()
	params := DefaultParams()
	params.BorrowRatePerSecond = big.NewInt(0)
	require.NoError(t, e.cfg.SetParams(testAdmin, params))
}

func TestOpenPositionValidation(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, 10_000, 1000)

	t.Run("leverage bounds are inclusive", func(t *testing.T) {
		_, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 4)
		requireKind(t, err, KindValidation)
		_, err = e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 21)
		requireKind(t, err, KindValidation)

		id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 5)
		require.NoError(t, err)
		_, err = e.pm.ClosePosition(testTrader, id)
		require.NoError(t, err)

		id, err = e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 20)
		require.NoError(t, err)
		_, err = e.pm.ClosePosition(testTrader, id)
		require.NoError(t, err)
	})

	t.Run("minimum position size", func(t *testing.T) {
		// 0.1 token at 5x = 0.5, below the 1.0 minimum
		_, err := e.pm.OpenPosition(testTrader, testMarket, true, big.NewInt(1_000_000), 5)
		requireKind(t, err, KindValidation)
	})

	t.Run("paused market", func(t *testing.T) {
		require.NoError(t, e.markets.PauseMarket(testAdmin, testMarket))
		_, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
		requireKind(t, err, KindState)
		require.NoError(t, e.markets.UnpauseMarket(testAdmin, testMarket))
	})

	t.Run("insufficient balance rolls everything back", func(t *testing.T) {
		reservedBefore := e.pool.ReservedLiquidity()
		_, err := e.pm.OpenPosition("pauper", testMarket, true, amount(100), 10)
		requireKind(t, err, KindState)
		assert.Equal(t, reservedBefore, e.pool.ReservedLiquidity())
		long, _, err := e.markets.OpenInterest(testMarket)
		require.NoError(t, err)
		assert.Zero(t, long.Sign())
	})
}

func TestOpenPositionBookkeeping(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)

	position, err := e.pm.Position(id)
	require.NoError(t, err)
	assert.Equal(t, amount(100), position.Collateral)
	assert.Equal(t, amount(1000), position.Size)
	assert.Equal(t, amount(100), position.EntryPrice)
	assert.True(t, position.IsLong)

	// entry 100 with 10% collateral and 1% maintenance margin
	assert.Equal(t, amount(91), position.LiquidationPrice)

	assert.Equal(t, amount(900), e.token.BalanceOf(testTrader))
	assert.Equal(t, amount(1000), e.pool.ReservedLiquidity())
	assert.Equal(t, amount(100), e.pool.PositionCollateral(id))

	long, short, err := e.markets.OpenInterest(testMarket)
	require.NoError(t, err)
	assert.Equal(t, amount(1000), long)
	assert.Zero(t, short.Sign())

	assert.Equal(t, []uint64{id}, e.pm.UserPositions(testTrader))
}

func TestShortLiquidationPrice(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, false, amount(100), 10)
	require.NoError(t, err)
	position, err := e.pm.Position(id)
	require.NoError(t, err)
	// entry*(10000 + 1000 - 100)/10000 = 109
	assert.Equal(t, amount(109), position.LiquidationPrice)
}

func TestClosePositionFlat(t *testing.T) {
	e := newTestEngine(t)
	zeroBorrow(t, e)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)

	pnl, err := e.pm.ClosePosition(testTrader, id)
	require.NoError(t, err)
	assert.Zero(t, pnl.Sign())

	assert.Equal(t, amount(1000), e.token.BalanceOf(testTrader))
	assert.Zero(t, e.pool.ReservedLiquidity().Sign())
	assert.Zero(t, e.pool.PositionCollateral(id).Sign())
	_, err = e.pm.Position(id)
	requireKind(t, err, KindState)
}

func TestClosePositionProfit(t *testing.T) {
	e := newTestEngine(t)
	zeroBorrow(t, e)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)
	e.setPrice(t, amount(110))

	pnl, err := e.pm.ClosePosition(testTrader, id)
	require.NoError(t, err)
	assert.Equal(t, amount(100), pnl)
	assert.Equal(t, amount(1100), e.token.BalanceOf(testTrader))
	// the pool paid the profit out of LP funds
	assert.Equal(t, amount(9900), e.token.BalanceOf(testPool))
}

func TestClosePositionLoss(t *testing.T) {
	e := newTestEngine(t)
	zeroBorrow(t, e)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)
	e.setPrice(t, amount(95))

	pnl, err := e.pm.ClosePosition(testTrader, id)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Neg(amount(50)), pnl)
	assert.Equal(t, amount(950), e.token.BalanceOf(testTrader))
	// the loss stays in the pool
	assert.Equal(t, amount(10_050), e.token.BalanceOf(testPool))
	assert.Zero(t, e.pool.PositionCollateral(id).Sign())
}

func TestCloseAuthorization(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)

	_, err = e.pm.ClosePosition("mallory", id)
	requireKind(t, err, KindAuthorization)
	_, err = e.pm.ClosePosition(testTrader, 999)
	requireKind(t, err, KindState)
}

func TestBorrowingFeeAccrual(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)

	e.clock.Advance(1000 * time.Second)

	// rate 1 per second on size 1000 tokens: 1*1000*1000e7/1e7
	pnl, err := e.pm.PositionPnL(id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(-1_000_000), pnl)
}

func TestFundingFlowsBetweenSides(t *testing.T) {
	e := newTestEngine(t)
	zeroBorrow(t, e)
	e.fund(t, 10_000, 1000)
	e.token.Mint("bob", amount(100))

	longID, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)
	shortID, err := e.pm.OpenPosition("bob", testMarket, false, amount(50), 10)
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	require.NoError(t, e.markets.UpdateFundingRate(testMarket))

	longPnL, err := e.pm.PositionPnL(longID)
	require.NoError(t, err)
	shortPnL, err := e.pm.PositionPnL(shortID)
	require.NoError(t, err)

	// longs dominate: rate 1 bps/hour, longs pay 1000, shorts receive 1000
	assert.Equal(t, big.NewInt(-1000), longPnL)
	assert.Equal(t, big.NewInt(1000), shortPnL)
	assert.Zero(t, new(big.Int).Add(longPnL, shortPnL).Sign())
}

func TestLiquidation(t *testing.T) {
	e := newTestEngine(t)
	zeroBorrow(t, e)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)

	t.Run("above the threshold is not liquidatable", func(t *testing.T) {
		e.setPrice(t, amount(92))
		liquidatable, err := e.pm.IsLiquidatable(id)
		require.NoError(t, err)
		assert.False(t, liquidatable)
		_, err = e.pm.LiquidatePosition(testKeeper, id)
		requireKind(t, err, KindNotLiquidatable)
	})

	t.Run("at the liquidation price the keeper collects", func(t *testing.T) {
		e.setPrice(t, amount(91))
		liquidatable, err := e.pm.IsLiquidatable(id)
		require.NoError(t, err)
		assert.True(t, liquidatable)

		reward, err := e.pm.LiquidatePosition(testKeeper, id)
		require.NoError(t, err)
		// fee = 1000*50bps = 5, keeper takes 60% = 3
		assert.Equal(t, amount(3), reward)
		assert.Equal(t, amount(3), e.token.BalanceOf(testKeeper))

		// rest of the collateral absorbed by the pool
		assert.Equal(t, amount(10_097), e.token.BalanceOf(testPool))
		assert.Zero(t, e.pool.ReservedLiquidity().Sign())
		_, err = e.pm.Position(id)
		requireKind(t, err, KindState)
	})
}

func TestLiquidationRewardCappedByCollateral(t *testing.T) {
	e := newTestEngine(t)
	params := DefaultParams()
	params.BorrowRatePerSecond = big.NewInt(0)
	params.LiquidationFeeBps = 5000 // fee larger than collateral at high leverage
	require.NoError(t, e.cfg.SetParams(testAdmin, params))
	e.fund(t, 100_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 20)
	require.NoError(t, err)
	e.setPrice(t, amount(95))

	// fee = 2000*50% = 1000, 60% = 600, capped at the 100 collateral
	reward, err := e.pm.LiquidatePosition(testKeeper, id)
	require.NoError(t, err)
	assert.Equal(t, amount(100), reward)
}

func TestIncreasePosition(t *testing.T) {
	e := newTestEngine(t)
	zeroBorrow(t, e)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)
	e.setPrice(t, amount(110))

	require.NoError(t, e.pm.IncreasePosition(testTrader, id, amount(100), 10))

	position, err := e.pm.Position(id)
	require.NoError(t, err)
	assert.Equal(t, amount(2000), position.Size)
	assert.Equal(t, amount(200), position.Collateral)
	// size-weighted average of 100 and 110
	assert.Equal(t, amount(105), position.EntryPrice)

	assert.Equal(t, amount(2000), e.pool.ReservedLiquidity())
	assert.Equal(t, amount(200), e.pool.PositionCollateral(id))
	long, _, err := e.markets.OpenInterest(testMarket)
	require.NoError(t, err)
	assert.Equal(t, amount(2000), long)
}

func TestAddRemoveCollateral(t *testing.T) {
	e := newTestEngine(t)
	zeroBorrow(t, e)
	e.fund(t, 10_000, 1000)

	id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
	require.NoError(t, err)

	t.Run("top-up moves the liquidation price away", func(t *testing.T) {
		require.NoError(t, e.pm.AddCollateral(testTrader, id, amount(50)))
		position, err := e.pm.Position(id)
		require.NoError(t, err)
		assert.Equal(t, amount(150), position.Collateral)
		// collateralBps 1500: entry*(10000-1500+100)/10000 = 86
		assert.Equal(t, amount(86), position.LiquidationPrice)
	})

	t.Run("removal cannot push leverage above max", func(t *testing.T) {
		// collateral 150, size 1000; dropping to 40 would be 25x
		err := e.pm.RemoveCollateral(testTrader, id, amount(110))
		requireKind(t, err, KindValidation)
	})

	t.Run("removal within limits pays the trader", func(t *testing.T) {
		balanceBefore := e.token.BalanceOf(testTrader)
		require.NoError(t, e.pm.RemoveCollateral(testTrader, id, amount(50)))
		assert.Equal(t, new(big.Int).Add(balanceBefore, amount(50)), e.token.BalanceOf(testTrader))
		position, err := e.pm.Position(id)
		require.NoError(t, err)
		assert.Equal(t, amount(100), position.Collateral)
	})

	t.Run("cannot remove everything", func(t *testing.T) {
		err := e.pm.RemoveCollateral(testTrader, id, amount(100))
		requireKind(t, err, KindValidation)
	})
}

func TestDecreasePosition(t *testing.T) {
	t.Run("realizes proportional profit", func(t *testing.T) {
		e := newTestEngine(t)
		zeroBorrow(t, e)
		e.fund(t, 10_000, 1000)

		id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
		require.NoError(t, err)
		e.setPrice(t, amount(110))

		realized, err := e.pm.DecreasePosition(testTrader, id, amount(500))
		require.NoError(t, err)
		assert.Equal(t, amount(50), realized)
		assert.Equal(t, amount(950), e.token.BalanceOf(testTrader))

		position, err := e.pm.Position(id)
		require.NoError(t, err)
		assert.Equal(t, amount(500), position.Size)
		assert.Equal(t, amount(100), position.Collateral)
		assert.Equal(t, amount(500), e.pool.ReservedLiquidity())
	})

	t.Run("realizes proportional loss from collateral", func(t *testing.T) {
		e := newTestEngine(t)
		zeroBorrow(t, e)
		e.fund(t, 10_000, 1000)

		id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
		require.NoError(t, err)
		e.setPrice(t, amount(98))

		realized, err := e.pm.DecreasePosition(testTrader, id, amount(500))
		require.NoError(t, err)
		assert.Equal(t, new(big.Int).Neg(amount(10)), realized)

		position, err := e.pm.Position(id)
		require.NoError(t, err)
		assert.Equal(t, amount(90), position.Collateral)
		assert.Equal(t, amount(90), e.pool.PositionCollateral(id))
	})

	t.Run("remainder must stay above the minimum size", func(t *testing.T) {
		e := newTestEngine(t)
		e.fund(t, 10_000, 1000)

		id, err := e.pm.OpenPosition(testTrader, testMarket, true, amount(100), 10)
		require.NoError(t, err)

		_, err = e.pm.DecreasePosition(testTrader, id, amount(1000))
		requireKind(t, err, KindValidation)

		reduction := new(big.Int).Sub(amount(1000), big.NewInt(5_000_000))
		_, err = e.pm.DecreasePosition(testTrader, id, reduction)
		requireKind(t, err, KindValidation)
	})
}
