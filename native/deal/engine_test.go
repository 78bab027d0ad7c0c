package deal

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"dealchain/core/events"
	"dealchain/core/types"
)

const testNow int64 = 1_700_000_000

type mockAccount struct {
	dcn        *big.Int
	dct        *big.Int
	allowances map[[20]byte]*big.Int
}

func newMockAccount() *mockAccount {
	return &mockAccount{
		dcn:        big.NewInt(0),
		dct:        big.NewInt(0),
		allowances: make(map[[20]byte]*big.Int),
	}
}

type mockState struct {
	deals    map[[20]byte]*Deal
	accounts map[[20]byte]*mockAccount
	index    map[uint64][20]byte
	seq      uint64

	// transferHook runs before a transfer is applied; returning an error
	// aborts the transfer. Used to simulate adapter callbacks and failures.
	transferHook func(symbol string, from, to [20]byte, amount *big.Int) error
}

func newMockState() *mockState {
	return &mockState{
		deals:    make(map[[20]byte]*Deal),
		accounts: make(map[[20]byte]*mockAccount),
		index:    make(map[uint64][20]byte),
	}
}

func (m *mockState) account(addr [20]byte) *mockAccount {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = newMockAccount()
		m.accounts[addr] = acc
	}
	return acc
}

func (m *mockState) DealPut(d *Deal) error {
	sanitized, err := SanitizeDeal(d)
	if err != nil {
		return err
	}
	m.deals[sanitized.Addr] = sanitized.Clone()
	return nil
}

func (m *mockState) DealGet(addr [20]byte) (*Deal, bool) {
	d, ok := m.deals[addr]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (m *mockState) BalanceDCN(addr [20]byte) (*big.Int, error) {
	return new(big.Int).Set(m.account(addr).dcn), nil
}

func (m *mockState) BalanceDCT(addr [20]byte) (*big.Int, error) {
	return new(big.Int).Set(m.account(addr).dct), nil
}

func (m *mockState) TransferDCN(from, to [20]byte, amount *big.Int) error {
	if m.transferHook != nil {
		if err := m.transferHook("DCN", from, to, amount); err != nil {
			return err
		}
	}
	fromAcc := m.account(from)
	if fromAcc.dcn.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient DCN balance")
	}
	fromAcc.dcn = new(big.Int).Sub(fromAcc.dcn, amount)
	toAcc := m.account(to)
	toAcc.dcn = new(big.Int).Add(toAcc.dcn, amount)
	return nil
}

func (m *mockState) TransferDCT(from, to [20]byte, amount *big.Int) error {
	if m.transferHook != nil {
		if err := m.transferHook("DCT", from, to, amount); err != nil {
			return err
		}
	}
	fromAcc := m.account(from)
	if fromAcc.dct.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient DCT balance")
	}
	fromAcc.dct = new(big.Int).Sub(fromAcc.dct, amount)
	toAcc := m.account(to)
	toAcc.dct = new(big.Int).Add(toAcc.dct, amount)
	return nil
}

func (m *mockState) TransferDCTFrom(owner, spender, to [20]byte, amount *big.Int) error {
	ownerAcc := m.account(owner)
	allowance, ok := ownerAcc.allowances[spender]
	if !ok || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("allowance exceeded")
	}
	if err := m.TransferDCT(owner, to, amount); err != nil {
		return err
	}
	ownerAcc.allowances[spender] = new(big.Int).Sub(allowance, amount)
	return nil
}

func (m *mockState) approve(owner, spender [20]byte, amount *big.Int) {
	m.account(owner).allowances[spender] = new(big.Int).Set(amount)
}

func (m *mockState) RegistryNextID() (uint64, error) {
	m.seq++
	return m.seq, nil
}

func (m *mockState) RegistryIndexPut(id uint64, addr [20]byte) error {
	m.index[id] = addr
	return nil
}

func (m *mockState) RegistryLookup(id uint64) ([20]byte, bool, error) {
	addr, ok := m.index[id]
	return addr, ok, nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(dealEvent); ok && wrapper.evt != nil {
			out = append(out, wrapper.evt)
		}
	}
	return out
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine
}

func newTestRegistry(state *mockState) *Registry {
	registry := NewRegistry()
	registry.SetState(state)
	registry.SetNowFunc(func() int64 { return testNow })
	return registry
}

// newFundedDeal creates a deal with party A holding 10 DCN and party B holding
// 100 DCT, with the deal address pre-approved for B's full balance.
func newFundedDeal(t *testing.T, state *mockState) (*Deal, [20]byte, [20]byte) {
	t.Helper()
	partyA := newTestAddress(0x01)
	partyB := newTestAddress(0x02)
	registry := newTestRegistry(state)
	d, err := registry.CreateDeal(partyA, partyB, "DCT", 100, 100)
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	state.account(partyA).dcn = big.NewInt(10)
	state.account(partyB).dct = big.NewInt(100)
	state.approve(partyB, d.Addr, big.NewInt(100))
	return d, partyA, partyB
}

func totalDCN(state *mockState) *big.Int {
	sum := big.NewInt(0)
	for _, acc := range state.accounts {
		sum.Add(sum, acc.dcn)
	}
	return sum
}

func totalDCT(state *mockState) *big.Int {
	sum := big.NewInt(0)
	for _, acc := range state.accounts {
		sum.Add(sum, acc.dct)
	}
	return sum
}

func TestDepositNativeEscrowsFunds(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	d, partyA, _ := newFundedDeal(t, state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit native: %v", err)
	}
	if got := state.account(d.Addr).dcn; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("escrow balance = %s, want 10", got)
	}
	if got := state.account(partyA).dcn; got.Sign() != 0 {
		t.Fatalf("party A balance = %s, want 0", got)
	}
	stored, _ := state.DealGet(d.Addr)
	if stored.PartyA.Status != PartyDeposited {
		t.Fatalf("party A status = %s, want deposited", stored.PartyA.Status)
	}
	evts := emitter.typesEvents()
	if len(evts) != 1 || evts[0].Type != EventTypeDealDeposited {
		t.Fatalf("unexpected events: %v", emitter.eventTypes())
	}
	if evts[0].Attributes["amount"] != "10" {
		t.Fatalf("deposit amount attribute = %s, want 10", evts[0].Attributes["amount"])
	}
}

func TestDepositNativeRejectsWrongCaller(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, _, partyB := newFundedDeal(t, state)

	err := engine.DepositNative(d.Addr, partyB, big.NewInt(10))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	stored, _ := state.DealGet(d.Addr)
	if stored.PartyA.Status != PartyEmpty {
		t.Fatalf("party A status mutated to %s", stored.PartyA.Status)
	}
}

func TestDepositRejectsZeroAmount(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, partyB := newFundedDeal(t, state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("native err = %v, want ErrInvalidAmount", err)
	}
	if err := engine.DepositToken(d.Addr, partyB, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("token err = %v, want ErrInvalidAmount", err)
	}
	stored, _ := state.DealGet(d.Addr)
	if stored.PartyA.Status != PartyEmpty || stored.PartyB.Status != PartyEmpty {
		t.Fatalf("state mutated: %s / %s", stored.PartyA.Status, stored.PartyB.Status)
	}
}

func TestDepositRejectsRepeat(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, _ := newFundedDeal(t, state)

	state.account(partyA).dcn = big.NewInt(20)
	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("repeat deposit err = %v, want ErrInvalidState", err)
	}
	if got := state.account(d.Addr).dcn; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("escrow balance = %s, want 10", got)
	}
}

func TestDepositTokenRequiresAllowance(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, _, partyB := newFundedDeal(t, state)

	state.account(partyB).allowances = make(map[[20]byte]*big.Int)
	err := engine.DepositToken(d.Addr, partyB, big.NewInt(100))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	stored, _ := state.DealGet(d.Addr)
	if stored.PartyB.Status != PartyEmpty {
		t.Fatalf("party B status mutated to %s", stored.PartyB.Status)
	}
	if got := state.account(partyB).dct; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("party B balance = %s, want 100", got)
	}
}

func TestDepositAfterDeadlineTriggersRefund(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	d, partyA, partyB := newFundedDeal(t, state)

	if err := engine.DepositToken(d.Addr, partyB, big.NewInt(100)); err != nil {
		t.Fatalf("token deposit: %v", err)
	}
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return d.Window.DepositDeadline + 1 })

	err := engine.DepositNative(d.Addr, partyA, big.NewInt(10))
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	// Party A never escrowed; party B got everything back.
	if got := state.account(partyA).dcn; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("party A balance = %s, want 10", got)
	}
	if got := state.account(partyB).dct; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("party B balance = %s, want 100", got)
	}
	stored, _ := state.DealGet(d.Addr)
	if !stored.Terminated {
		t.Fatalf("deal not terminated after expiry refund")
	}
	if stored.PartyB.Status != PartyRefunded {
		t.Fatalf("party B status = %s, want refunded", stored.PartyB.Status)
	}
	if stored.PartyA.Status != PartyEmpty {
		t.Fatalf("party A status = %s, want empty", stored.PartyA.Status)
	}
	want := []string{EventTypeDealFundsReturned, EventTypeDealFundsReturned, EventTypeDealTerminated}
	got := emitter.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestSignRejectsNonParty(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, _, _ := newFundedDeal(t, state)

	if err := engine.Sign(d.Addr, newTestAddress(0xEE)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestSignRequiresDeposit(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, _ := newFundedDeal(t, state)

	if err := engine.Sign(d.Addr, partyA); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestSignIsIrrevocableAndUnrepeatable(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, _ := newFundedDeal(t, state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Sign(d.Addr, partyA); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := engine.Sign(d.Addr, partyA); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("repeat sign err = %v, want ErrInvalidState", err)
	}
	// A signed party can no longer rescind.
	if err := engine.Rescind(d.Addr, partyA); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rescind after sign err = %v, want ErrInvalidState", err)
	}
}

func TestSignAfterSigningDeadlineRefunds(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, partyB := newFundedDeal(t, state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	if err := engine.DepositToken(d.Addr, partyB, big.NewInt(100)); err != nil {
		t.Fatalf("deposit B: %v", err)
	}
	engine.SetNowFunc(func() int64 { return d.Window.SigningDeadline + 1 })

	if err := engine.Sign(d.Addr, partyA); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if got := state.account(partyA).dcn; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("party A refund = %s, want 10", got)
	}
	if got := state.account(partyB).dct; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("party B refund = %s, want 100", got)
	}
	stored, _ := state.DealGet(d.Addr)
	if stored.PartyA.Status != PartyRefunded || stored.PartyB.Status != PartyRefunded {
		t.Fatalf("statuses = %s / %s, want refunded", stored.PartyA.Status, stored.PartyB.Status)
	}
}

// Scenario: A deposits, B never shows up, the deposit window closes. A's next
// call resolves the deal instead of recording a signature.
func TestSignAfterDepositDeadlineWithAbsentCounterparty(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	d, partyA, partyB := newFundedDeal(t, state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return d.Window.DepositDeadline + 1 })

	if err := engine.Sign(d.Addr, partyA); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if got := state.account(partyA).dcn; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("party A balance = %s, want 10", got)
	}
	if got := state.account(partyB).dct; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("party B balance = %s, want 100 (untouched)", got)
	}
	evts := emitter.typesEvents()
	if len(evts) != 3 {
		t.Fatalf("events = %v", emitter.eventTypes())
	}
	if evts[1].Attributes["amount"] != "0" {
		t.Fatalf("party B funds returned = %s, want 0", evts[1].Attributes["amount"])
	}
	stored, _ := state.DealGet(d.Addr)
	if !stored.Terminated {
		t.Fatalf("deal not terminated")
	}
}

// Scenario: both deposit, then A rescinds before anyone signs. Both deposits
// come back and signing is no longer possible for either party.
func TestRescindReturnsBothDeposits(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, partyB := newFundedDeal(t, state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	if err := engine.DepositToken(d.Addr, partyB, big.NewInt(100)); err != nil {
		t.Fatalf("deposit B: %v", err)
	}
	if err := engine.Rescind(d.Addr, partyA); err != nil {
		t.Fatalf("rescind: %v", err)
	}
	if got := state.account(partyA).dcn; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("party A refund = %s, want 10", got)
	}
	if got := state.account(partyB).dct; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("party B refund = %s, want 100", got)
	}
	if err := engine.Sign(d.Addr, partyB); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("sign after rescind err = %v, want ErrInvalidState", err)
	}
	if err := engine.Rescind(d.Addr, partyB); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second rescind err = %v, want ErrInvalidState", err)
	}
}

func TestRescindRequiresDepositedCaller(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, partyB := newFundedDeal(t, state)

	if err := engine.Rescind(d.Addr, partyA); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rescind before deposit err = %v, want ErrInvalidState", err)
	}
	if err := engine.Rescind(d.Addr, newTestAddress(0xEE)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-party rescind err = %v, want ErrUnauthorized", err)
	}
	_ = partyB
}

// Scenario: the full happy path. A receives 100 DCT, B receives 10 DCN, the
// second withdrawal tears the instance down, and value is conserved.
func TestWithdrawFullExchange(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	d, partyA, partyB := newFundedDeal(t, state)

	wantDCN := totalDCN(state)
	wantDCT := totalDCT(state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	if err := engine.DepositToken(d.Addr, partyB, big.NewInt(100)); err != nil {
		t.Fatalf("deposit B: %v", err)
	}
	if err := engine.Sign(d.Addr, partyA); err != nil {
		t.Fatalf("sign A: %v", err)
	}
	if err := engine.Sign(d.Addr, partyB); err != nil {
		t.Fatalf("sign B: %v", err)
	}

	engine.SetEmitter(emitter)
	receiptA, err := engine.Withdraw(d.Addr, partyA)
	if err != nil {
		t.Fatalf("withdraw A: %v", err)
	}
	if receiptA.Outcome != WithdrawPaid {
		t.Fatalf("first withdrawal outcome = %d, want WithdrawPaid", receiptA.Outcome)
	}
	if receiptA.Token != "DCT" || receiptA.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("receipt A = %s %s, want 100 DCT", receiptA.Amount, receiptA.Token)
	}

	receiptB, err := engine.Withdraw(d.Addr, partyB)
	if err != nil {
		t.Fatalf("withdraw B: %v", err)
	}
	if receiptB.Outcome != WithdrawPaidAndTerminated {
		t.Fatalf("second withdrawal outcome = %d, want WithdrawPaidAndTerminated", receiptB.Outcome)
	}
	if receiptB.Token != "DCN" || receiptB.Amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("receipt B = %s %s, want 10 DCN", receiptB.Amount, receiptB.Token)
	}

	if got := state.account(partyA).dct; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("party A DCT = %s, want 100", got)
	}
	if got := state.account(partyB).dcn; got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("party B DCN = %s, want 10", got)
	}
	if got := state.account(d.Addr).dcn; got.Sign() != 0 {
		t.Fatalf("escrow DCN = %s, want 0", got)
	}
	if got := state.account(d.Addr).dct; got.Sign() != 0 {
		t.Fatalf("escrow DCT = %s, want 0", got)
	}
	stored, _ := state.DealGet(d.Addr)
	if !stored.Terminated {
		t.Fatalf("deal not terminated after both withdrawals")
	}
	if stored.PartyA.Status != PartySettled || stored.PartyB.Status != PartySettled {
		t.Fatalf("statuses = %s / %s, want settled", stored.PartyA.Status, stored.PartyB.Status)
	}

	// Conservation across the whole trace.
	if got := totalDCN(state); got.Cmp(wantDCN) != 0 {
		t.Fatalf("total DCN = %s, want %s", got, wantDCN)
	}
	if got := totalDCT(state); got.Cmp(wantDCT) != 0 {
		t.Fatalf("total DCT = %s, want %s", got, wantDCT)
	}

	want := []string{
		EventTypeDealWithdrawn,
		EventTypeDealWithdrawn,
		EventTypeDealTerminated,
	}
	got := emitter.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	// Repeat withdrawals fail without effect.
	if _, err := engine.Withdraw(d.Addr, partyA); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("repeat withdraw A err = %v, want ErrInvalidState", err)
	}
	if _, err := engine.Withdraw(d.Addr, partyB); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("repeat withdraw B err = %v, want ErrInvalidState", err)
	}
}

// The teardown belongs to whichever party withdraws second, not to party B
// specifically.
func TestWithdrawLastMoverTerminatesEitherOrder(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, partyB := newFundedDeal(t, state)

	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	if err := engine.DepositToken(d.Addr, partyB, big.NewInt(100)); err != nil {
		t.Fatalf("deposit B: %v", err)
	}
	if err := engine.Sign(d.Addr, partyA); err != nil {
		t.Fatalf("sign A: %v", err)
	}
	if err := engine.Sign(d.Addr, partyB); err != nil {
		t.Fatalf("sign B: %v", err)
	}

	receiptB, err := engine.Withdraw(d.Addr, partyB)
	if err != nil {
		t.Fatalf("withdraw B: %v", err)
	}
	if receiptB.Outcome != WithdrawPaid {
		t.Fatalf("first withdrawal outcome = %d, want WithdrawPaid", receiptB.Outcome)
	}
	receiptA, err := engine.Withdraw(d.Addr, partyA)
	if err != nil {
		t.Fatalf("withdraw A: %v", err)
	}
	if receiptA.Outcome != WithdrawPaidAndTerminated {
		t.Fatalf("second withdrawal outcome = %d, want WithdrawPaidAndTerminated", receiptA.Outcome)
	}
	stored, _ := state.DealGet(d.Addr)
	if !stored.Terminated {
		t.Fatalf("deal not terminated")
	}
}

func TestWithdrawRequiresSignature(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, _ := newFundedDeal(t, state)

	if _, err := engine.Withdraw(d.Addr, partyA); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("withdraw before sign err = %v, want ErrInvalidState", err)
	}
	if _, err := engine.Withdraw(d.Addr, newTestAddress(0xEE)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-party withdraw err = %v, want ErrUnauthorized", err)
	}
}

func TestReentrantCallbackIsRejected(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	d, partyA, _ := newFundedDeal(t, state)

	var nested error
	state.transferHook = func(symbol string, from, to [20]byte, amount *big.Int) error {
		// Simulate an asset implementation calling back into the deal
		// before the transfer returns.
		nested = engine.Sign(d.Addr, partyA)
		return nil
	}
	if err := engine.DepositNative(d.Addr, partyA, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !errors.Is(nested, ErrReentrancy) {
		t.Fatalf("nested call err = %v, want ErrReentrancy", nested)
	}
	// The outer operation completed normally once the callback returned.
	stored, _ := state.DealGet(d.Addr)
	if stored.PartyA.Status != PartyDeposited {
		t.Fatalf("party A status = %s, want deposited", stored.PartyA.Status)
	}
}

func TestOperationsAgainstUnknownDealFail(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	addr := newTestAddress(0x77)

	if err := engine.DepositNative(addr, newTestAddress(0x01), big.NewInt(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deposit err = %v, want ErrNotFound", err)
	}
	if err := engine.Sign(addr, newTestAddress(0x01)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sign err = %v, want ErrNotFound", err)
	}
	if _, err := engine.Withdraw(addr, newTestAddress(0x01)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("withdraw err = %v, want ErrNotFound", err)
	}
}
