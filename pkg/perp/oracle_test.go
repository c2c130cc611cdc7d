package perp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name  string
	price *big.Int
	ts    time.Time
	err   error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchPrice(_ context.Context, _ uint32) (PricePoint, error) {
	if s.err != nil {
		return PricePoint{}, s.err
	}
	return PricePoint{Price: new(big.Int).Set(s.price), Timestamp: s.ts}, nil
}

// liveOracle builds an oracle in live mode with the given source prices,
// all timestamped fresh.
func liveOracle(t *testing.T, e *testEngine, prices ...int64) *PriceOracle {
	t.Helper()
	oracle := NewPriceOracle(e.cfg, e.oracle.logger)
	oracle.now = e.clock.Now
	for i, p := range prices {
		oracle.AddSource(&stubSource{
			name:  fmt.Sprintf("stub%d", i),
			price: amount(p),
			ts:    e.clock.Now(),
		})
	}
	return oracle
}

func TestGetPriceRequiresTwoSources(t *testing.T) {
	e := newTestEngine(t)
	oracle := liveOracle(t, e, 100)
	_, err := oracle.GetPrice(testMarket)
	requireKind(t, err, KindState)
}

func TestGetPriceDeviation(t *testing.T) {
	e := newTestEngine(t)

	t.Run("6% above the lower price is rejected", func(t *testing.T) {
		oracle := liveOracle(t, e, 100, 106)
		_, err := oracle.GetPrice(testMarket)
		requireKind(t, err, KindValidation)
	})

	t.Run("4% above the lower price aggregates to the average", func(t *testing.T) {
		oracle := liveOracle(t, e, 100, 104)
		price, err := oracle.GetPrice(testMarket)
		require.NoError(t, err)
		assert.Equal(t, amount(102), price)
	})

	t.Run("exactly 5% is accepted", func(t *testing.T) {
		oracle := liveOracle(t, e, 100, 105)
		_, err := oracle.GetPrice(testMarket)
		require.NoError(t, err)
	})
}

func TestGetPriceMedian(t *testing.T) {
	e := newTestEngine(t)

	t.Run("odd count takes the middle price", func(t *testing.T) {
		oracle := liveOracle(t, e, 101, 100, 103)
		price, err := oracle.GetPrice(testMarket)
		require.NoError(t, err)
		assert.Equal(t, amount(101), price)
	})

	t.Run("even count averages the middle pair", func(t *testing.T) {
		oracle := liveOracle(t, e, 100, 101, 103, 104)
		price, err := oracle.GetPrice(testMarket)
		require.NoError(t, err)
		assert.Equal(t, amount(102), price)
	})
}

func TestGetPriceStaleness(t *testing.T) {
	e := newTestEngine(t)
	oracle := NewPriceOracle(e.cfg, e.oracle.logger)
	oracle.now = e.clock.Now
	oracle.AddSource(&stubSource{name: "fresh", price: amount(100), ts: e.clock.Now()})
	oracle.AddSource(&stubSource{name: "stale", price: amount(100), ts: e.clock.Now().Add(-2 * time.Minute)})

	_, err := oracle.GetPrice(testMarket)
	requireKind(t, err, KindStaleness)
}

func TestGetPriceSourceFailure(t *testing.T) {
	e := newTestEngine(t)
	oracle := NewPriceOracle(e.cfg, e.oracle.logger)
	oracle.now = e.clock.Now
	oracle.AddSource(&stubSource{name: "ok", price: amount(100), ts: e.clock.Now()})
	oracle.AddSource(&stubSource{name: "down", err: errors.New("connection refused")})

	_, err := oracle.GetPrice(testMarket)
	requireKind(t, err, KindState)
}

func TestValidatePrice(t *testing.T) {
	e := newTestEngine(t)
	now := e.clock.Now()

	requireKind(t, e.oracle.ValidatePrice(big.NewInt(0), now), KindValidation)
	requireKind(t, e.oracle.ValidatePrice(big.NewInt(-1), now), KindValidation)

	absurd := new(big.Int).Exp(big.NewInt(10), big.NewInt(19), nil)
	requireKind(t, e.oracle.ValidatePrice(absurd, now), KindValidation)

	require.NoError(t, e.oracle.ValidatePrice(amount(100), now.Add(-time.Minute)))
	requireKind(t, e.oracle.ValidatePrice(amount(100), now.Add(-61*time.Second)), KindStaleness)
}

func TestSimulatedOscillation(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.oracle.EnableSimulation(testAdmin, false, map[uint32]*big.Int{
		testMarket: amount(100),
	}))

	// anchor the clock at an exact hour boundary
	e.oracle.now = func() time.Time { return time.Unix(900, 0) }
	price, err := e.oracle.GetPrice(testMarket)
	require.NoError(t, err)
	// 900s into the hour, rising phase: +100*900/36000 = +2.5
	assert.Equal(t, big.NewInt(1_025_000_000), price)

	e.oracle.now = func() time.Time { return time.Unix(2700, 0) }
	price, err = e.oracle.GetPrice(testMarket)
	require.NoError(t, err)
	// 2700s into the hour, falling phase: -100*2700/36000 = -7.5
	assert.Equal(t, big.NewInt(925_000_000), price)

	t.Run("deterministic at the same timestamp", func(t *testing.T) {
		again, err := e.oracle.GetPrice(testMarket)
		require.NoError(t, err)
		assert.Equal(t, price, again)
	})
}

func TestSimulatedFixedPrice(t *testing.T) {
	e := newTestEngine(t)
	price, err := e.oracle.GetPrice(testMarket)
	require.NoError(t, err)
	assert.Equal(t, amount(100), price)

	e.clock.Advance(17 * time.Minute)
	again, err := e.oracle.GetPrice(testMarket)
	require.NoError(t, err)
	assert.Equal(t, amount(100), again)

	t.Run("unknown market", func(t *testing.T) {
		_, err := e.oracle.GetPrice(42)
		requireKind(t, err, KindState)
	})
}

func TestEnableSimulationValidatesBeforeSwitching(t *testing.T) {
	e := newTestEngine(t)
	oracle := NewPriceOracle(e.cfg, e.oracle.logger)

	err := oracle.EnableSimulation(testAdmin, true, map[uint32]*big.Int{
		1: amount(100),
		2: big.NewInt(-1),
	})
	requireKind(t, err, KindValidation)

	// a rejected call must leave the oracle in live mode with no base
	// prices recorded
	assert.False(t, oracle.simulated)
	assert.Empty(t, oracle.basePrices)
	_, err = oracle.GetPrice(1)
	requireKind(t, err, KindState)
}

func TestSimulationRequiresAdmin(t *testing.T) {
	e := newTestEngine(t)
	err := e.oracle.EnableSimulation("mallory", true, nil)
	requireKind(t, err, KindAuthorization)
	err = e.oracle.DisableSimulation("mallory")
	requireKind(t, err, KindAuthorization)
}
