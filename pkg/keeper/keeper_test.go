package keeper

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/perp"
)

const (
	admin      = "admin"
	poolAddr   = "pool"
	pmAddr     = "position-manager"
	keeperAddr = "keeper"
	trader     = "alice"
	marketID   = uint32(1)
)

func amount(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), big.NewInt(10_000_000))
}

type testEnv struct {
	token   *perp.LedgerToken
	oracle  *perp.PriceOracle
	pool    *perp.LiquidityPool
	markets *perp.MarketManager
	pm      *perp.PositionManager
	keeper  *Keeper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	params := perp.DefaultParams()
	// let every scan refresh funding without waiting out the cadence
	params.FundingInterval = 0
	params.BorrowRatePerSecond = big.NewInt(0)
	cfg := perp.NewStaticConfig(admin, params)

	token := perp.NewLedgerToken()
	oracle := perp.NewPriceOracle(cfg, logger)
	pool := perp.NewLiquidityPool(poolAddr, cfg, token, logger)
	markets := perp.NewMarketManager(cfg, logger)
	pm := perp.NewPositionManager(pmAddr, cfg, token, oracle, pool, markets, logger)

	require.NoError(t, pool.SetPositionManager(admin, pmAddr))
	require.NoError(t, markets.SetPositionManager(admin, pmAddr))
	require.NoError(t, markets.CreateMarket(admin, marketID, amount(1_000_000), 10, 100))
	require.NoError(t, oracle.EnableSimulation(admin, true, map[uint32]*big.Int{
		marketID: amount(100),
	}))

	token.Mint("lp1", amount(10_000))
	_, err := pool.Deposit("lp1", amount(10_000))
	require.NoError(t, err)
	token.Mint(trader, amount(1000))

	m, err := metrics.NewPerpMetrics("keeper_test")
	require.NoError(t, err)

	k := New(keeperAddr, time.Second, pm, markets, pool, m, logger)
	return &testEnv{token: token, oracle: oracle, pool: pool, markets: markets, pm: pm, keeper: k}
}

func (env *testEnv) setPrice(t *testing.T, price *big.Int) {
	t.Helper()
	require.NoError(t, env.oracle.EnableSimulation(admin, true, map[uint32]*big.Int{
		marketID: price,
	}))
}

func TestScanUpdatesFunding(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pm.OpenPosition(trader, marketID, true, amount(100), 10)
	require.NoError(t, err)

	env.keeper.Scan()

	// one-sided open interest drives the rate to base*1 = 10 bps/hour
	rate, err := env.markets.FundingRate(marketID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rate)
}

func TestScanExecutesEligibleOrders(t *testing.T) {
	env := newTestEnv(t)
	orderID, err := env.pm.CreateLimitOrder(trader, marketID, true, amount(100), 10, amount(95), nil, amount(1), time.Time{})
	require.NoError(t, err)

	env.keeper.Scan()
	// price still above the trigger, nothing fires
	_, err = env.pm.Order(orderID)
	require.NoError(t, err)

	env.setPrice(t, amount(95))
	env.keeper.Scan()

	_, err = env.pm.Order(orderID)
	require.Error(t, err)
	assert.Len(t, env.pm.UserPositions(trader), 1)
	assert.Equal(t, amount(1), env.token.BalanceOf(keeperAddr))
}

func TestScanLiquidatesUnderwaterPositions(t *testing.T) {
	env := newTestEnv(t)
	positionID, err := env.pm.OpenPosition(trader, marketID, true, amount(100), 10)
	require.NoError(t, err)

	env.keeper.Scan()
	_, err = env.pm.Position(positionID)
	require.NoError(t, err, "healthy position must survive the scan")

	env.setPrice(t, amount(90))
	env.keeper.Scan()

	_, err = env.pm.Position(positionID)
	require.Error(t, err)
	// 60% of the 50 bps liquidation fee on a 1000 position
	assert.Equal(t, amount(3), env.token.BalanceOf(keeperAddr))
	assert.Zero(t, env.pool.ReservedLiquidity().Sign())
}
