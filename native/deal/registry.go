package deal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dealchain/core/events"
	"dealchain/core/types"
)

var errNilRegistryState = errors.New("deal registry: state not configured")

// addressSalt namespaces derived deal addresses away from account addresses.
var addressSalt = []byte("dealchain/deal/v1")

// registryState extends the engine's view of state with the monotonic
// identifier sequence and the id -> address index. Identifiers are never
// reused, even after the underlying deal terminates.
type registryState interface {
	DealPut(*Deal) error
	DealGet(addr [20]byte) (*Deal, bool)
	RegistryNextID() (uint64, error)
	RegistryIndexPut(id uint64, addr [20]byte) error
	RegistryLookup(id uint64) ([20]byte, bool, error)
}

// Registry is the deal factory: it assigns identifiers, derives the instance
// address, and records the id -> instance mapping for lookup.
type Registry struct {
	state   registryState
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry creates a registry with a no-op emitter.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

// DeriveAddress computes the deterministic handle for a deal from its
// parameters. It is a pure function: a counterparty can compute the address of
// the next deal before the creation call lands and pre-authorize the token
// allowance against it.
func DeriveAddress(partyA, partyB [20]byte, token string, id uint64) [20]byte {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	hash := ethcrypto.Keccak256Hash(addressSalt, partyA[:], partyB[:], []byte(token), idBuf[:])
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// CreateDeal allocates a fresh deal between the two parties with both records
// empty and the deadlines computed from now. No transfer occurs at creation.
// partyA == partyB is permitted; the protocol makes no identity assumptions
// beyond binding each role to an address.
func (r *Registry) CreateDeal(partyA, partyB [20]byte, token string, depositOffset, signingOffset int64) (*Deal, error) {
	if r == nil || r.state == nil {
		return nil, errNilRegistryState
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if depositOffset <= 0 {
		return nil, fmt.Errorf("deal: deposit offset must be positive")
	}
	if signingOffset <= 0 {
		return nil, fmt.Errorf("deal: signing offset must be positive")
	}
	now := r.now()
	id, err := r.state.RegistryNextID()
	if err != nil {
		return nil, err
	}
	addr := DeriveAddress(partyA, partyB, normalized, id)
	if _, exists := r.state.DealGet(addr); exists {
		return nil, fmt.Errorf("deal: address collision for id %d", id)
	}
	d := &Deal{
		ID:        id,
		Addr:      addr,
		Token:     normalized,
		PartyA:    Party{Addr: partyA, Status: PartyEmpty},
		PartyB:    Party{Addr: partyB, Status: PartyEmpty},
		Window:    NewTimeWindow(now, depositOffset, signingOffset),
		CreatedAt: now,
	}
	if err := r.state.DealPut(d); err != nil {
		return nil, err
	}
	if err := r.state.RegistryIndexPut(id, addr); err != nil {
		return nil, err
	}
	r.emit(NewCreatedEvent(d))
	return d.Clone(), nil
}

// Lookup resolves a deal identifier to its instance address.
func (r *Registry) Lookup(id uint64) ([20]byte, bool, error) {
	if r == nil || r.state == nil {
		return [20]byte{}, false, errNilRegistryState
	}
	return r.state.RegistryLookup(id)
}

func (r *Registry) emit(event *types.Event) {
	if r == nil || r.emitter == nil || event == nil {
		return
	}
	r.emitter.Emit(dealEvent{evt: event})
}
