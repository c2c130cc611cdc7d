package perp

import (
	"math/big"
	"sync"
)

// Token is the settlement-asset collaborator. The engine only moves
// balances between accounts; issuance is a deployment concern.
type Token interface {
	Transfer(from, to string, amount *big.Int) error
	BalanceOf(addr string) *big.Int
}

// LedgerToken is an in-memory Token used by the daemon and tests.
type LedgerToken struct {
	mu       sync.RWMutex
	balances map[string]*big.Int
}

func NewLedgerToken() *LedgerToken {
	return &LedgerToken{balances: make(map[string]*big.Int)}
}

// Mint credits an account. Test/genesis helper, not part of Token.
func (t *LedgerToken) Mint(to string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
}

func (t *LedgerToken) Transfer(from, to string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return errf(KindValidation, "negative transfer amount %s", amount)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if from == to || amount.Sign() == 0 {
		return nil
	}
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return errf(KindState, "insufficient balance: %s has %s, needs %s", from, bal, amount)
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

func (t *LedgerToken) BalanceOf(addr string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Balances returns a copy of the full ledger, for snapshots.
func (t *LedgerToken) Balances() map[string]*big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*big.Int, len(t.balances))
	for addr, bal := range t.balances {
		out[addr] = new(big.Int).Set(bal)
	}
	return out
}

// Restore replaces the ledger with a snapshot.
func (t *LedgerToken) Restore(balances map[string]*big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = make(map[string]*big.Int, len(balances))
	for addr, bal := range balances {
		t.balances[addr] = new(big.Int).Set(bal)
	}
}

// credit assumes the lock is held.
func (t *LedgerToken) credit(to string, amount *big.Int) {
	if bal, ok := t.balances[to]; ok {
		bal.Add(bal, amount)
		return
	}
	t.balances[to] = new(big.Int).Set(amount)
}
