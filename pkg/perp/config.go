package perp

import (
	"math/big"
	"sync"
	"time"
)

// ConfigStore supplies the risk parameters the engine reads on every
// operation. It is a collaborator boundary: deployments may back it with
// an external service, tests and the daemon use StaticConfig.
type ConfigStore interface {
	Admin() string

	MinLeverage() int64
	MaxLeverage() int64
	MinPositionSize() *big.Int

	MakerFeeBps() int64
	TakerFeeBps() int64
	LiquidationFeeBps() int64
	MaintenanceMarginBps() int64

	MaxPriceDeviationBps() int64
	PriceStalenessThreshold() time.Duration

	FundingInterval() time.Duration
	MaxUtilizationBps() int64
	MinReserveRatioBps() int64

	// BorrowRatePerSecond is the per-second borrow rate as a 1e7-scaled
	// fraction of position size.
	BorrowRatePerSecond() *big.Int
}

// Params carries the tunable risk parameters for StaticConfig.
type Params struct {
	MinLeverage          int64
	MaxLeverage          int64
	MinPositionSize      *big.Int
	MakerFeeBps          int64
	TakerFeeBps          int64
	LiquidationFeeBps    int64
	MaintenanceMarginBps int64
	MaxPriceDeviationBps int64
	PriceStaleness       time.Duration
	FundingInterval      time.Duration
	MaxUtilizationBps    int64
	MinReserveRatioBps   int64
	BorrowRatePerSecond  *big.Int
}

// DefaultParams returns the reference parameter set.
func DefaultParams() Params {
	return Params{
		MinLeverage:          5,
		MaxLeverage:          20,
		MinPositionSize:      big.NewInt(10_000_000), // 1.0 at 1e7 scale
		MakerFeeBps:          2,
		TakerFeeBps:          5,
		LiquidationFeeBps:    50,
		MaintenanceMarginBps: 100,
		MaxPriceDeviationBps: 500,
		PriceStaleness:       60 * time.Second,
		FundingInterval:      60 * time.Second,
		MaxUtilizationBps:    8_000,
		MinReserveRatioBps:   2_000,
		BorrowRatePerSecond:  big.NewInt(1),
	}
}

// StaticConfig is an in-process ConfigStore with an admin-settable owner.
type StaticConfig struct {
	mu     sync.RWMutex
	admin  string
	params Params
}

func NewStaticConfig(admin string, params Params) *StaticConfig {
	return &StaticConfig{admin: admin, params: params}
}

// SetAdmin transfers ownership. Only the current admin may call it.
func (c *StaticConfig) SetAdmin(caller, newAdmin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.admin {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	if newAdmin == "" {
		return errf(KindValidation, "empty admin address")
	}
	c.admin = newAdmin
	return nil
}

// SetParams replaces the parameter set. Only the admin may call it.
func (c *StaticConfig) SetParams(caller string, params Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.admin {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	c.params = params
	return nil
}

func (c *StaticConfig) Admin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admin
}

func (c *StaticConfig) MinLeverage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.MinLeverage
}

func (c *StaticConfig) MaxLeverage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.MaxLeverage
}

func (c *StaticConfig) MinPositionSize() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.params.MinPositionSize)
}

func (c *StaticConfig) MakerFeeBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.MakerFeeBps
}

func (c *StaticConfig) TakerFeeBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.TakerFeeBps
}

func (c *StaticConfig) LiquidationFeeBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.LiquidationFeeBps
}

func (c *StaticConfig) MaintenanceMarginBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.MaintenanceMarginBps
}

func (c *StaticConfig) MaxPriceDeviationBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.MaxPriceDeviationBps
}

func (c *StaticConfig) PriceStalenessThreshold() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.PriceStaleness
}

func (c *StaticConfig) FundingInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.FundingInterval
}

func (c *StaticConfig) MaxUtilizationBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.MaxUtilizationBps
}

func (c *StaticConfig) MinReserveRatioBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.MinReserveRatioBps
}

func (c *StaticConfig) BorrowRatePerSecond() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.params.BorrowRatePerSecond)
}
