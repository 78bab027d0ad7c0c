package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"dealchain/core/types"
	"dealchain/native/deal"
	"dealchain/storage"
)

// Manager is the ledger state backend: account balances, DCT allowances, deal
// records, and the registry sequence, all persisted through a key-value
// Database. It implements the state interfaces consumed by the deal engine and
// registry.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func acctKey(addr [20]byte) []byte {
	return []byte("acct:" + hex.EncodeToString(addr[:]))
}

func dealKey(addr [20]byte) []byte {
	return []byte("deal:" + hex.EncodeToString(addr[:]))
}

func registryIndexKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append([]byte("deal:id:"), buf[:]...)
}

var registrySeqKey = []byte("deal:seq")

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		acc = &types.Account{}
	}
	if acc.BalanceDCN == nil {
		acc.BalanceDCN = big.NewInt(0)
	}
	if acc.BalanceDCT == nil {
		acc.BalanceDCT = big.NewInt(0)
	}
	return acc
}

// GetAccount loads the account stored at addr, returning a zero-value account
// for addresses that have never been written.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAccount(addr)
}

func (m *Manager) getAccount(addr [20]byte) (*types.Account, error) {
	raw, err := m.db.Get(acctKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return ensureAccount(nil), nil
	}
	if err != nil {
		return nil, err
	}
	acc := &types.Account{}
	if err := json.Unmarshal(raw, acc); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	return ensureAccount(acc), nil
}

// PutAccount persists the account record at addr.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAccount(addr, acc)
}

func (m *Manager) putAccount(addr [20]byte, acc *types.Account) error {
	raw, err := json.Marshal(ensureAccount(acc))
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return m.db.Put(acctKey(addr), raw)
}

// BalanceDCN returns the native coin balance held at addr.
func (m *Manager) BalanceDCN(addr [20]byte) (*big.Int, error) {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.BalanceDCN), nil
}

// BalanceDCT returns the asset token balance held at addr.
func (m *Manager) BalanceDCT(addr [20]byte) (*big.Int, error) {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.BalanceDCT), nil
}

// TransferDCN moves native coin between two accounts. The transfer is applied
// atomically or not at all.
func (m *Manager) TransferDCN(from, to [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfer(from, to, amount, "DCN")
}

// TransferDCT moves asset tokens between two accounts.
func (m *Manager) TransferDCT(from, to [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfer(from, to, amount, "DCT")
}

func (m *Manager) transfer(from, to [20]byte, amount *big.Int, symbol string) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := m.getAccount(from)
	if err != nil {
		return err
	}
	if from == to {
		// A self-transfer only needs the balance check.
		switch symbol {
		case "DCN":
			if fromAcc.BalanceDCN.Cmp(amount) < 0 {
				return fmt.Errorf("state: insufficient DCN balance")
			}
		case "DCT":
			if fromAcc.BalanceDCT.Cmp(amount) < 0 {
				return fmt.Errorf("state: insufficient DCT balance")
			}
		default:
			return fmt.Errorf("state: unsupported symbol %s", symbol)
		}
		return nil
	}
	toAcc, err := m.getAccount(to)
	if err != nil {
		return err
	}
	switch symbol {
	case "DCN":
		if fromAcc.BalanceDCN.Cmp(amount) < 0 {
			return fmt.Errorf("state: insufficient DCN balance")
		}
		fromAcc.BalanceDCN = new(big.Int).Sub(fromAcc.BalanceDCN, amount)
		toAcc.BalanceDCN = new(big.Int).Add(toAcc.BalanceDCN, amount)
	case "DCT":
		if fromAcc.BalanceDCT.Cmp(amount) < 0 {
			return fmt.Errorf("state: insufficient DCT balance")
		}
		fromAcc.BalanceDCT = new(big.Int).Sub(fromAcc.BalanceDCT, amount)
		toAcc.BalanceDCT = new(big.Int).Add(toAcc.BalanceDCT, amount)
	default:
		return fmt.Errorf("state: unsupported symbol %s", symbol)
	}
	if err := m.putAccount(from, fromAcc); err != nil {
		return err
	}
	return m.putAccount(to, toAcc)
}

// Approve sets the DCT amount spender may pull from owner. A zero amount
// clears the allowance.
func (m *Manager) Approve(owner, spender [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: negative allowance")
	}
	acc, err := m.getAccount(owner)
	if err != nil {
		return err
	}
	key := hex.EncodeToString(spender[:])
	if amount.Sign() == 0 {
		delete(acc.Allowances, key)
	} else {
		if acc.Allowances == nil {
			acc.Allowances = make(map[string]*big.Int)
		}
		acc.Allowances[key] = new(big.Int).Set(amount)
	}
	return m.putAccount(owner, acc)
}

// Allowance returns the DCT amount spender may currently pull from owner.
func (m *Manager) Allowance(owner, spender [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.getAccount(owner)
	if err != nil {
		return nil, err
	}
	if existing, ok := acc.Allowances[hex.EncodeToString(spender[:])]; ok && existing != nil {
		return new(big.Int).Set(existing), nil
	}
	return big.NewInt(0), nil
}

// TransferDCTFrom moves asset tokens out of owner on the authority of a prior
// Approve call by owner for spender. The allowance is decremented by the
// amount moved; the whole operation applies atomically or not at all.
func (m *Manager) TransferDCTFrom(owner, spender, to [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: transfer amount must be positive")
	}
	acc, err := m.getAccount(owner)
	if err != nil {
		return err
	}
	key := hex.EncodeToString(spender[:])
	allowance, ok := acc.Allowances[key]
	if !ok || allowance == nil || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("state: allowance exceeded")
	}
	remaining := new(big.Int).Sub(allowance, amount)
	if remaining.Sign() == 0 {
		delete(acc.Allowances, key)
	} else {
		acc.Allowances[key] = remaining
	}
	if err := m.putAccount(owner, acc); err != nil {
		return err
	}
	if err := m.transfer(owner, to, amount, "DCT"); err != nil {
		// Restore the allowance so a failed transfer leaves no trace.
		if acc.Allowances == nil {
			acc.Allowances = make(map[string]*big.Int)
		}
		acc.Allowances[key] = allowance
		if putErr := m.putAccount(owner, acc); putErr != nil {
			return putErr
		}
		return err
	}
	return nil
}

// MintDCN credits freshly created native coin to addr. Reserved for genesis
// allocation and dev-mode faucets.
func (m *Manager) MintDCN(addr [20]byte, amount *big.Int) error {
	return m.mint(addr, amount, "DCN")
}

// MintDCT credits freshly created asset tokens to addr.
func (m *Manager) MintDCT(addr [20]byte, amount *big.Int) error {
	return m.mint(addr, amount, "DCT")
}

func (m *Manager) mint(addr [20]byte, amount *big.Int, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: mint amount must be positive")
	}
	acc, err := m.getAccount(addr)
	if err != nil {
		return err
	}
	switch symbol {
	case "DCN":
		acc.BalanceDCN = new(big.Int).Add(acc.BalanceDCN, amount)
	case "DCT":
		acc.BalanceDCT = new(big.Int).Add(acc.BalanceDCT, amount)
	default:
		return fmt.Errorf("state: unsupported symbol %s", symbol)
	}
	return m.putAccount(addr, acc)
}

// DealPut persists the deal record keyed by its derived address.
func (m *Manager) DealPut(d *deal.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sanitized, err := deal.SanitizeDeal(d)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("state: encode deal: %w", err)
	}
	return m.db.Put(dealKey(sanitized.Addr), raw)
}

// DealGet loads the deal stored at addr.
func (m *Manager) DealGet(addr [20]byte) (*deal.Deal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(dealKey(addr))
	if err != nil {
		return nil, false
	}
	d := &deal.Deal{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, false
	}
	return d, true
}

// RegistryNextID allocates the next deal identifier. The sequence starts at 1,
// grows monotonically, and is never reused even if a deal later terminates.
func (m *Manager) RegistryNextID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := uint64(1)
	raw, err := m.db.Get(registrySeqKey)
	if err == nil && len(raw) == 8 {
		next = binary.BigEndian.Uint64(raw) + 1
	} else if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := m.db.Put(registrySeqKey, buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

// RegistryIndexPut records the id -> deal address mapping.
func (m *Manager) RegistryIndexPut(id uint64, addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(registryIndexKey(id), addr[:])
}

// RegistryLookup resolves a deal identifier to its address.
func (m *Manager) RegistryLookup(id uint64) ([20]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(registryIndexKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return [20]byte{}, false, nil
	}
	if err != nil {
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("state: corrupt registry entry for id %d", id)
	}
	var addr [20]byte
	copy(addr[:], raw)
	return addr, true, nil
}
