package perp

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

const (
	testAdmin  = "admin"
	testPool   = "pool"
	testPM     = "position-manager"
	testKeeper = "keeper"
	testLP     = "lp1"
	testTrader = "alice"
	testMarket = uint32(1)
)

// testClock lets tests advance time deterministically.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testEngine wires a full engine against the in-memory token ledger and
// a fixed-price simulated oracle.
type testEngine struct {
	clock   *testClock
	cfg     *StaticConfig
	token   *LedgerToken
	oracle  *PriceOracle
	pool    *LiquidityPool
	markets *MarketManager
	pm      *PositionManager
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	clock := newTestClock()

	cfg := NewStaticConfig(testAdmin, DefaultParams())
	token := NewLedgerToken()

	oracle := NewPriceOracle(cfg, logger)
	oracle.now = clock.Now

	pool := NewLiquidityPool(testPool, cfg, token, logger)
	markets := NewMarketManager(cfg, logger)
	markets.now = clock.Now

	pm := NewPositionManager(testPM, cfg, token, oracle, pool, markets, logger)
	pm.now = clock.Now

	require.NoError(t, pool.SetPositionManager(testAdmin, testPM))
	require.NoError(t, markets.SetPositionManager(testAdmin, testPM))
	require.NoError(t, markets.CreateMarket(testAdmin, testMarket, amount(1_000_000), 10, 100))
	require.NoError(t, oracle.EnableSimulation(testAdmin, true, map[uint32]*big.Int{
		testMarket: amount(100),
	}))

	return &testEngine{
		clock:   clock,
		cfg:     cfg,
		token:   token,
		oracle:  oracle,
		pool:    pool,
		markets: markets,
		pm:      pm,
	}
}

// fund seeds the pool with LP liquidity and mints trader balance.
func (e *testEngine) fund(t *testing.T, poolLiquidity, traderBalance int64) {
	t.Helper()
	if poolLiquidity > 0 {
		e.token.Mint(testLP, amount(poolLiquidity))
		_, err := e.pool.Deposit(testLP, amount(poolLiquidity))
		require.NoError(t, err)
	}
	if traderBalance > 0 {
		e.token.Mint(testTrader, amount(traderBalance))
	}
}

// setPrice pins the simulated oracle to a new fixed price.
func (e *testEngine) setPrice(t *testing.T, price *big.Int) {
	t.Helper()
	require.NoError(t, e.oracle.EnableSimulation(testAdmin, true, map[uint32]*big.Int{
		testMarket: price,
	}))
}

// amount converts whole tokens to 1e7 fixed point.
func amount(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), big.NewInt(10_000_000))
}

func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, ErrorKindOf(err), "unexpected error kind for %v", err)
}
