package perp

import (
	"math/big"
	"sync"

	"github.com/luxfi/log"
)

// LiquidityPool holds the shared counterparty liquidity. Providers own
// proportional shares of the pool's token balance; the position manager
// reserves notional against open positions and escrows their collateral
// under the pool's account.
type LiquidityPool struct {
	mu     sync.RWMutex
	cfg    ConfigStore
	token  Token
	logger log.Logger

	// addr is the pool's own account on the token ledger. Share value is
	// derived from the live balance, so trading PnL flows straight into
	// the share price.
	addr string

	totalShares   *big.Int
	totalDeposits *big.Int
	shares        map[string]*big.Int

	reserved *big.Int
	// collateral escrowed per position, in token units already held in
	// the pool's account.
	positionCollateral map[uint64]*big.Int

	positionManager string
}

func NewLiquidityPool(addr string, cfg ConfigStore, token Token, logger log.Logger) *LiquidityPool {
	return &LiquidityPool{
		cfg:                cfg,
		token:              token,
		logger:             logger,
		addr:               addr,
		totalShares:        new(big.Int),
		totalDeposits:      new(big.Int),
		shares:             make(map[string]*big.Int),
		reserved:           new(big.Int),
		positionCollateral: make(map[uint64]*big.Int),
	}
}

// Address returns the pool's token account.
func (p *LiquidityPool) Address() string { return p.addr }

// SetPositionManager authorizes the position manager account for the
// privileged reserve/escrow/settle operations. Admin only.
func (p *LiquidityPool) SetPositionManager(caller, pm string) error {
	if caller != p.cfg.Admin() {
		return errf(KindAuthorization, "caller %s is not admin", caller)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionManager = pm
	return nil
}

// Deposit adds liquidity and mints shares. The first deposit mints 1:1;
// later deposits mint amount*totalShares/poolValueBefore so the entry
// price equals the current share price.
func (p *LiquidityPool) Deposit(provider string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errf(KindValidation, "deposit amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.token.Transfer(provider, p.addr, amount); err != nil {
		return nil, err
	}

	var minted *big.Int
	if p.totalShares.Sign() == 0 {
		minted = new(big.Int).Set(amount)
	} else {
		balance := p.token.BalanceOf(p.addr)
		valueBefore := new(big.Int).Sub(balance, amount)
		if valueBefore.Sign() <= 0 {
			// shares exist but the pool is empty; cannot price the deposit
			p.token.Transfer(p.addr, provider, amount)
			return nil, errf(KindState, "pool value is zero with outstanding shares")
		}
		minted = mulDiv(amount, p.totalShares, valueBefore)
		if minted.Sign() == 0 {
			p.token.Transfer(p.addr, provider, amount)
			return nil, errf(KindValidation, "deposit too small to mint a share")
		}
	}

	p.totalShares.Add(p.totalShares, minted)
	p.totalDeposits.Add(p.totalDeposits, amount)
	p.addShares(provider, minted)

	p.logger.Info("liquidity deposited",
		"provider", provider, "amount", amount, "shares", minted)
	return minted, nil
}

// Withdraw burns shares and pays out the proportional slice of the
// pool's balance. It fails if the payout would dip into reserved
// liquidity or leave the pool below the minimum reserve ratio.
func (p *LiquidityPool) Withdraw(provider string, shareAmount *big.Int) (*big.Int, error) {
	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return nil, errf(KindValidation, "share amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.shares[provider]
	if !ok || held.Cmp(shareAmount) < 0 {
		return nil, errf(KindState, "insufficient shares: %s has %s, needs %s", provider, held, shareAmount)
	}

	balance := p.token.BalanceOf(p.addr)
	payout := mulDiv(shareAmount, balance, p.totalShares)

	available := new(big.Int).Sub(balance, p.reserved)
	if payout.Cmp(available) > 0 {
		return nil, errf(KindState, "withdrawal %s exceeds available liquidity %s", payout, available)
	}

	balanceAfter := new(big.Int).Sub(balance, payout)
	minReserve := bpsOf(balanceAfter, p.cfg.MinReserveRatioBps())
	free := new(big.Int).Sub(balanceAfter, p.reserved)
	if free.Cmp(minReserve) < 0 {
		return nil, errf(KindState, "withdrawal breaches minimum reserve ratio")
	}

	depositsOut := mulDiv(shareAmount, p.totalDeposits, p.totalShares)

	held.Sub(held, shareAmount)
	if held.Sign() == 0 {
		delete(p.shares, provider)
	}
	p.totalShares.Sub(p.totalShares, shareAmount)
	p.totalDeposits.Sub(p.totalDeposits, depositsOut)

	if err := p.token.Transfer(p.addr, provider, payout); err != nil {
		// restore the burned shares; balance was verified above so this
		// path indicates a broken token collaborator
		p.addShares(provider, shareAmount)
		p.totalShares.Add(p.totalShares, shareAmount)
		p.totalDeposits.Add(p.totalDeposits, depositsOut)
		return nil, err
	}

	p.logger.Info("liquidity withdrawn",
		"provider", provider, "shares", shareAmount, "amount", payout)
	return payout, nil
}

// ReserveLiquidity earmarks notional for a position and records any
// collateral already transferred into the pool's account. Fails if the
// utilization after reserving would exceed the configured maximum.
// Position manager only.
func (p *LiquidityPool) ReserveLiquidity(caller string, positionID uint64, size, collateral *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.positionManager {
		return errf(KindAuthorization, "caller %s is not the position manager", caller)
	}
	if size.Sign() <= 0 {
		return errf(KindValidation, "reserve size must be positive")
	}

	balance := p.token.BalanceOf(p.addr)
	if balance.Sign() == 0 {
		return errf(KindState, "pool has no liquidity")
	}
	reservedAfter := new(big.Int).Add(p.reserved, size)
	utilization := mulDiv(reservedAfter, bpsDenom, balance)
	if utilization.Cmp(big.NewInt(p.cfg.MaxUtilizationBps())) > 0 {
		return errf(KindState, "utilization %s bps would exceed max %d bps",
			utilization, p.cfg.MaxUtilizationBps())
	}

	p.reserved = reservedAfter
	if collateral != nil && collateral.Sign() > 0 {
		p.addCollateral(positionID, collateral)
	}
	return nil
}

// ReleaseLiquidity returns reserved notional to the available pool.
// Position manager only.
func (p *LiquidityPool) ReleaseLiquidity(caller string, positionID uint64, size *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.positionManager {
		return errf(KindAuthorization, "caller %s is not the position manager", caller)
	}
	if size.Sign() <= 0 {
		return errf(KindValidation, "release size must be positive")
	}
	if p.reserved.Cmp(size) < 0 {
		return errf(KindState, "release %s exceeds reserved %s", size, p.reserved)
	}
	p.reserved.Sub(p.reserved, size)
	return nil
}

// DepositPositionCollateral pulls collateral from the trader into the
// pool's account and escrows it under the position. Position manager
// only.
func (p *LiquidityPool) DepositPositionCollateral(caller string, positionID uint64, trader string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.positionManager {
		return errf(KindAuthorization, "caller %s is not the position manager", caller)
	}
	if amount.Sign() <= 0 {
		return errf(KindValidation, "collateral amount must be positive")
	}
	if err := p.token.Transfer(trader, p.addr, amount); err != nil {
		return err
	}
	p.addCollateral(positionID, amount)
	return nil
}

// WithdrawPositionCollateral releases escrowed collateral to recipient.
// Paying the pool's own account absorbs the collateral into pool value
// and just clears the escrow record. Position manager only.
func (p *LiquidityPool) WithdrawPositionCollateral(caller string, positionID uint64, recipient string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.positionManager {
		return errf(KindAuthorization, "caller %s is not the position manager", caller)
	}
	if amount.Sign() < 0 {
		return errf(KindValidation, "negative collateral amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	escrowed, ok := p.positionCollateral[positionID]
	if !ok || escrowed.Cmp(amount) < 0 {
		return errf(KindState, "position %d has %s collateral escrowed, needs %s", positionID, escrowed, amount)
	}
	if err := p.token.Transfer(p.addr, recipient, amount); err != nil {
		return err
	}
	escrowed.Sub(escrowed, amount)
	if escrowed.Sign() == 0 {
		delete(p.positionCollateral, positionID)
	}
	return nil
}

// SettleTraderPnL pays realized profit from the pool to the trader.
// Losses are settled by withdrawing position collateral to the pool, so
// only positive amounts move here. Position manager only.
func (p *LiquidityPool) SettleTraderPnL(caller, trader string, profit *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.positionManager {
		return errf(KindAuthorization, "caller %s is not the position manager", caller)
	}
	if profit.Sign() <= 0 {
		return errf(KindValidation, "profit must be positive")
	}
	return p.token.Transfer(p.addr, trader, profit)
}

// Shares returns the provider's share balance.
func (p *LiquidityPool) Shares(provider string) *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.shares[provider]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

func (p *LiquidityPool) TotalShares() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.totalShares)
}

func (p *LiquidityPool) TotalDeposits() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.totalDeposits)
}

func (p *LiquidityPool) ReservedLiquidity() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.reserved)
}

// AvailableLiquidity is balance minus reserved.
func (p *LiquidityPool) AvailableLiquidity() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	balance := p.token.BalanceOf(p.addr)
	return balance.Sub(balance, p.reserved)
}

// UtilizationBps is reserved/balance in basis points.
func (p *LiquidityPool) UtilizationBps() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	balance := p.token.BalanceOf(p.addr)
	if balance.Sign() == 0 {
		return new(big.Int)
	}
	return mulDiv(p.reserved, bpsDenom, balance)
}

// PositionCollateral returns the escrow recorded for a position.
func (p *LiquidityPool) PositionCollateral(positionID uint64) *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.positionCollateral[positionID]; ok {
		return new(big.Int).Set(c)
	}
	return new(big.Int)
}

// PoolState is the pool's serializable state for snapshots.
type PoolState struct {
	TotalShares        *big.Int            `json:"total_shares"`
	TotalDeposits      *big.Int            `json:"total_deposits"`
	Shares             map[string]*big.Int `json:"shares"`
	Reserved           *big.Int            `json:"reserved"`
	PositionCollateral map[uint64]*big.Int `json:"position_collateral"`
	PositionManager    string              `json:"position_manager"`
}

func (p *LiquidityPool) State() *PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := &PoolState{
		TotalShares:        new(big.Int).Set(p.totalShares),
		TotalDeposits:      new(big.Int).Set(p.totalDeposits),
		Shares:             make(map[string]*big.Int, len(p.shares)),
		Reserved:           new(big.Int).Set(p.reserved),
		PositionCollateral: make(map[uint64]*big.Int, len(p.positionCollateral)),
		PositionManager:    p.positionManager,
	}
	for k, v := range p.shares {
		s.Shares[k] = new(big.Int).Set(v)
	}
	for k, v := range p.positionCollateral {
		s.PositionCollateral[k] = new(big.Int).Set(v)
	}
	return s
}

func (p *LiquidityPool) Restore(s *PoolState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalShares = new(big.Int).Set(s.TotalShares)
	p.totalDeposits = new(big.Int).Set(s.TotalDeposits)
	p.reserved = new(big.Int).Set(s.Reserved)
	p.positionManager = s.PositionManager
	p.shares = make(map[string]*big.Int, len(s.Shares))
	for k, v := range s.Shares {
		p.shares[k] = new(big.Int).Set(v)
	}
	p.positionCollateral = make(map[uint64]*big.Int, len(s.PositionCollateral))
	for k, v := range s.PositionCollateral {
		p.positionCollateral[k] = new(big.Int).Set(v)
	}
}

// addShares and addCollateral assume the lock is held.
func (p *LiquidityPool) addShares(provider string, amount *big.Int) {
	if s, ok := p.shares[provider]; ok {
		s.Add(s, amount)
		return
	}
	p.shares[provider] = new(big.Int).Set(amount)
}

func (p *LiquidityPool) addCollateral(positionID uint64, amount *big.Int) {
	if c, ok := p.positionCollateral[positionID]; ok {
		c.Add(c, amount)
		return
	}
	p.positionCollateral[positionID] = new(big.Int).Set(amount)
}
