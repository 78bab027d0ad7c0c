package deal

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"dealchain/core/events"
	"dealchain/core/types"
)

var errNilState = errors.New("deal engine: state not configured")

// engineState is the slice of ledger state the engine depends on. Escrowed
// funds live on the ledger account at the deal's derived address; the engine
// never tracks balances of its own.
type engineState interface {
	DealPut(*Deal) error
	DealGet(addr [20]byte) (*Deal, bool)
	BalanceDCN(addr [20]byte) (*big.Int, error)
	BalanceDCT(addr [20]byte) (*big.Int, error)
	TransferDCN(from, to [20]byte, amount *big.Int) error
	TransferDCT(from, to [20]byte, amount *big.Int) error
	TransferDCTFrom(owner, spender, to [20]byte, amount *big.Int) error
}

type dealEvent struct {
	evt *types.Event
}

func (e dealEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dealEvent) Event() *types.Event { return e.evt }

// WithdrawOutcome tags the result of a successful withdrawal. Termination is an
// explicit transition result, not a hidden branch: whichever withdrawal leaves
// both parties settled also tears the instance down in the same call.
type WithdrawOutcome uint8

const (
	WithdrawPaid WithdrawOutcome = iota + 1
	WithdrawPaidAndTerminated
)

// WithdrawReceipt reports what a withdrawal paid out and whether it was the
// final teardown call.
type WithdrawReceipt struct {
	Outcome WithdrawOutcome
	Token   string
	Amount  *big.Int
}

// Engine owns the per-deal state machine: deposits, signatures, rescission,
// settlement, and the lazy time-window expiry policy. Every state-mutating
// entry point holds the per-deal reentrancy guard for its whole duration; a
// ledger transfer that calls back into the engine is rejected immediately.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64

	mu   sync.Mutex
	busy map[[20]byte]bool
}

// NewEngine creates a deal engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		busy:    make(map[[20]byte]bool),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(dealEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// acquire takes the per-deal guard. Any entry while it is held, nested or
// concurrent, fails with ErrReentrancy rather than blocking.
func (e *Engine) acquire(addr [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy == nil {
		e.busy = make(map[[20]byte]bool)
	}
	if e.busy[addr] {
		return ErrReentrancy
	}
	e.busy[addr] = true
	return nil
}

func (e *Engine) release(addr [20]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, addr)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadDeal(addr [20]byte) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, ok := e.state.DealGet(addr)
	if !ok {
		return nil, ErrNotFound
	}
	return SanitizeDeal(d)
}

func (e *Engine) storeDeal(d *Deal) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.DealPut(d)
}

// GetDeal returns a copy of the stored deal, read-only.
func (e *Engine) GetDeal(addr [20]byte) (*Deal, error) {
	return e.loadDeal(addr)
}

// BalanceDCN returns the native coin balance currently escrowed by the deal.
func (e *Engine) BalanceDCN(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadDeal(addr); err != nil {
		return nil, err
	}
	return e.state.BalanceDCN(addr)
}

// BalanceDCT returns the token balance currently escrowed by the deal.
func (e *Engine) BalanceDCT(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadDeal(addr); err != nil {
		return nil, err
	}
	return e.state.BalanceDCT(addr)
}

// DepositNative escrows amount of native coin from party A into the deal.
// A call arriving after the deposit deadline triggers the refund path instead
// and fails with ErrExpired; nothing is escrowed.
func (e *Engine) DepositNative(addr, caller [20]byte, amount *big.Int) error {
	if err := e.acquire(addr); err != nil {
		return err
	}
	defer e.release(addr)

	d, err := e.loadDeal(addr)
	if err != nil {
		return err
	}
	if caller != d.PartyA.Addr {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if d.Terminated || d.PartyA.Status != PartyEmpty {
		return ErrInvalidState
	}
	if d.Window.DepositExpired(e.now()) {
		if err := e.refund(d); err != nil {
			return err
		}
		return ErrExpired
	}
	amt := cloneBigInt(amount)
	if err := e.state.TransferDCN(caller, d.Addr, amt); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	d.PartyA.Status = PartyDeposited
	if err := e.storeDeal(d); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(d, caller, amt))
	return nil
}

// DepositToken escrows amount of the deal token from party B into the deal via
// the allowance pattern: party B must have approved the deal address
// beforehand. Guards mirror DepositNative.
func (e *Engine) DepositToken(addr, caller [20]byte, amount *big.Int) error {
	if err := e.acquire(addr); err != nil {
		return err
	}
	defer e.release(addr)

	d, err := e.loadDeal(addr)
	if err != nil {
		return err
	}
	if caller != d.PartyB.Addr {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if d.Terminated || d.PartyB.Status != PartyEmpty {
		return ErrInvalidState
	}
	if d.Window.DepositExpired(e.now()) {
		if err := e.refund(d); err != nil {
			return err
		}
		return ErrExpired
	}
	amt := cloneBigInt(amount)
	if err := e.state.TransferDCTFrom(caller, d.Addr, d.Addr, amt); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	d.PartyB.Status = PartyDeposited
	if err := e.storeDeal(d); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(d, caller, amt))
	return nil
}

// Sign records the caller's irrevocable commitment to the exchange. A call
// arriving after the signing deadline triggers the refund path instead and
// fails with ErrExpired; no signature is recorded.
func (e *Engine) Sign(addr, caller [20]byte) error {
	if err := e.acquire(addr); err != nil {
		return err
	}
	defer e.release(addr)

	d, err := e.loadDeal(addr)
	if err != nil {
		return err
	}
	party := d.partyOf(caller)
	if party == nil {
		return ErrUnauthorized
	}
	if d.Terminated || party.Status != PartyDeposited {
		return ErrInvalidState
	}
	// The deposit deadline indirectly gates signing: once it has passed with
	// the counterparty still empty the deal can never complete, so the call
	// resolves it instead of recording a signature.
	now := e.now()
	if d.Window.SigningExpired(now) ||
		(d.Window.DepositExpired(now) && d.counterpartyOf(party).Status == PartyEmpty) {
		if err := e.refund(d); err != nil {
			return err
		}
		return ErrExpired
	}
	party.Status = PartySigned
	if err := e.storeDeal(d); err != nil {
		return err
	}
	e.emit(NewSignedEvent(d, caller))
	return nil
}

// Rescind unilaterally aborts the deal before both parties have signed,
// returning all escrowed funds to their original depositors. The caller must
// have deposited and not yet signed; the counterparty's state is irrelevant.
func (e *Engine) Rescind(addr, caller [20]byte) error {
	if err := e.acquire(addr); err != nil {
		return err
	}
	defer e.release(addr)

	d, err := e.loadDeal(addr)
	if err != nil {
		return err
	}
	party := d.partyOf(caller)
	if party == nil {
		return ErrUnauthorized
	}
	if d.Terminated || party.Status != PartyDeposited {
		return ErrInvalidState
	}
	return e.refund(d)
}

// Withdraw pays the caller the counterparty's deposit once both sides have
// signed. Party A withdraws the escrowed token balance, party B the escrowed
// native balance. Whichever withdrawal leaves both parties settled terminates
// the instance in the same call and reports WithdrawPaidAndTerminated.
func (e *Engine) Withdraw(addr, caller [20]byte) (*WithdrawReceipt, error) {
	if err := e.acquire(addr); err != nil {
		return nil, err
	}
	defer e.release(addr)

	d, err := e.loadDeal(addr)
	if err != nil {
		return nil, err
	}
	party := d.partyOf(caller)
	if party == nil {
		return nil, ErrUnauthorized
	}
	if d.Terminated || party.Status != PartySigned {
		return nil, ErrInvalidState
	}

	var (
		amount *big.Int
		token  string
	)
	if party == &d.PartyA {
		token = d.Token
		amount, err = e.state.BalanceDCT(d.Addr)
		if err != nil {
			return nil, err
		}
		if amount.Sign() > 0 {
			if err := e.state.TransferDCT(d.Addr, caller, amount); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
	} else {
		token = "DCN"
		amount, err = e.state.BalanceDCN(d.Addr)
		if err != nil {
			return nil, err
		}
		if amount.Sign() > 0 {
			if err := e.state.TransferDCN(d.Addr, caller, amount); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
	}
	party.Status = PartySettled

	receipt := &WithdrawReceipt{Outcome: WithdrawPaid, Token: token, Amount: cloneBigInt(amount)}
	if d.counterpartyOf(party).Status == PartySettled {
		d.Terminated = true
		receipt.Outcome = WithdrawPaidAndTerminated
	}
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewWithdrawnEvent(d, caller, amount))
	if d.Terminated {
		e.emit(NewTerminatedEvent(d, TerminationSettled))
	}
	return receipt, nil
}

// refund executes the refund path exactly once: the full current token balance
// goes back to party B, the full current native balance back to party A, using
// live balances rather than remembered amounts so a side that never deposited
// receives nothing. The instance terminates; any later entry point fails with
// ErrInvalidState.
func (e *Engine) refund(d *Deal) error {
	if d == nil {
		return fmt.Errorf("deal: nil deal")
	}
	if d.Terminated {
		return ErrInvalidState
	}
	tokenBalance, err := e.state.BalanceDCT(d.Addr)
	if err != nil {
		return err
	}
	if tokenBalance.Sign() > 0 {
		if err := e.state.TransferDCT(d.Addr, d.PartyB.Addr, tokenBalance); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	coinBalance, err := e.state.BalanceDCN(d.Addr)
	if err != nil {
		return err
	}
	if coinBalance.Sign() > 0 {
		if err := e.state.TransferDCN(d.Addr, d.PartyA.Addr, coinBalance); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if d.PartyA.Status == PartyDeposited || d.PartyA.Status == PartySigned {
		d.PartyA.Status = PartyRefunded
	}
	if d.PartyB.Status == PartyDeposited || d.PartyB.Status == PartySigned {
		d.PartyB.Status = PartyRefunded
	}
	d.Terminated = true
	if err := e.storeDeal(d); err != nil {
		return err
	}
	e.emit(NewFundsReturnedEvent(d, d.PartyA.Addr, coinBalance))
	e.emit(NewFundsReturnedEvent(d, d.PartyB.Addr, tokenBalance))
	e.emit(NewTerminatedEvent(d, TerminationRefunded))
	return nil
}

// partyOf returns a pointer into the deal for the party bound to addr, or nil
// when addr is not a party. Party A is checked first, so when one address holds
// both roles the generic entry points act on the party A record.
func (d *Deal) partyOf(addr [20]byte) *Party {
	if d.PartyA.Addr == addr {
		return &d.PartyA
	}
	if d.PartyB.Addr == addr {
		return &d.PartyB
	}
	return nil
}

func (d *Deal) counterpartyOf(p *Party) *Party {
	if p == &d.PartyA {
		return &d.PartyB
	}
	return &d.PartyA
}
