package perp

import (
	"encoding/json"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
)

// Snapshot is the engine's full serializable state.
type Snapshot struct {
	Balances map[string]*big.Int `json:"balances"`
	Pool     *PoolState          `json:"pool"`
	Markets  *MarketState        `json:"markets"`
	Manager  *ManagerState       `json:"manager"`
}

// ManagerState is the position manager's serializable state.
type ManagerState struct {
	Positions       []*Position `json:"positions"`
	NextPositionID  uint64      `json:"next_position_id"`
	Orders          []*Order    `json:"orders"`
	NextOrderID     uint64      `json:"next_order_id"`
	MinExecutionFee *big.Int    `json:"min_execution_fee"`
}

// State exports the manager's positions and orders.
func (pm *PositionManager) State() *ManagerState {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	s := &ManagerState{
		NextPositionID:  pm.nextPositionID,
		NextOrderID:     pm.nextOrderID,
		MinExecutionFee: new(big.Int).Set(pm.minExecutionFee),
	}
	for _, p := range pm.positions {
		s.Positions = append(s.Positions, p.clone())
	}
	for _, o := range pm.orders {
		s.Orders = append(s.Orders, o.clone())
	}
	return s
}

// Restore replaces the manager's positions and orders, rebuilding the
// secondary indexes.
func (pm *PositionManager) Restore(s *ManagerState) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.positions = make(map[uint64]*Position, len(s.Positions))
	pm.userPositions = make(map[string][]uint64)
	pm.orders = make(map[uint64]*Order, len(s.Orders))
	pm.userOrders = make(map[string][]uint64)
	pm.positionOrders = make(map[uint64][]uint64)
	pm.marketOrders = make(map[uint32][]uint64)
	pm.nextPositionID = s.NextPositionID
	pm.nextOrderID = s.NextOrderID
	pm.minExecutionFee = new(big.Int).Set(s.MinExecutionFee)
	for _, p := range s.Positions {
		c := p.clone()
		pm.positions[c.ID] = c
		pm.userPositions[c.Trader] = append(pm.userPositions[c.Trader], c.ID)
	}
	for _, o := range s.Orders {
		c := o.clone()
		pm.orders[c.ID] = c
		pm.userOrders[c.Trader] = append(pm.userOrders[c.Trader], c.ID)
		pm.marketOrders[c.MarketID] = append(pm.marketOrders[c.MarketID], c.ID)
		if c.PositionID != 0 {
			pm.positionOrders[c.PositionID] = append(pm.positionOrders[c.PositionID], c.ID)
		}
	}
}

// Store persists engine snapshots as JSON records in a key-value
// database, one key per section, written atomically in a batch.
type Store struct {
	db     database.Database
	logger log.Logger
}

var (
	keyBalances = []byte("state:balances")
	keyPool     = []byte("state:pool")
	keyMarkets  = []byte("state:markets")
	keyManager  = []byte("state:manager")
)

func NewStore(db database.Database, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Save writes the snapshot in a single batch.
func (s *Store) Save(snap *Snapshot) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	sections := []struct {
		key   []byte
		value interface{}
	}{
		{keyBalances, snap.Balances},
		{keyPool, snap.Pool},
		{keyMarkets, snap.Markets},
		{keyManager, snap.Manager},
	}
	for _, section := range sections {
		encoded, err := json.Marshal(section.value)
		if err != nil {
			return err
		}
		if err := batch.Put(section.key, encoded); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.logger.Debug("state snapshot saved",
		"positions", len(snap.Manager.Positions), "orders", len(snap.Manager.Orders))
	return nil
}

// Load reads the last snapshot. It returns (nil, nil) when no snapshot
// has been saved yet.
func (s *Store) Load() (*Snapshot, error) {
	raw, err := s.db.Get(keyBalances)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(raw, &snap.Balances); err != nil {
		return nil, err
	}
	if err := s.loadSection(keyPool, &snap.Pool); err != nil {
		return nil, err
	}
	if err := s.loadSection(keyMarkets, &snap.Markets); err != nil {
		return nil, err
	}
	if err := s.loadSection(keyManager, &snap.Manager); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) loadSection(key []byte, out interface{}) error {
	raw, err := s.db.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
