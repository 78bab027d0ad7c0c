package deal

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"dealchain/core/types"
)

const (
	EventTypeDealCreated       = "deal.created"
	EventTypeDealDeposited     = "deal.deposited"
	EventTypeDealSigned        = "deal.signed"
	EventTypeDealWithdrawn     = "deal.withdrawn"
	EventTypeDealFundsReturned = "deal.funds_returned"
	EventTypeDealTerminated    = "deal.terminated"
)

// Termination reasons carried by deal.terminated events.
const (
	TerminationSettled  = "settled"
	TerminationRefunded = "refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly created deal.
// It carries the deadlines so monitors can track expiry without a state read.
func NewCreatedEvent(d *Deal) *types.Event {
	attrs := baseAttributes(d)
	if d != nil {
		attrs["depositDeadline"] = strconv.FormatInt(d.Window.DepositDeadline, 10)
		attrs["signingDeadline"] = strconv.FormatInt(d.Window.SigningDeadline, 10)
	}
	return &types.Event{Type: EventTypeDealCreated, Attributes: attrs}
}

// NewDepositedEvent returns the canonical event payload emitted when a party
// escrows funds into the deal.
func NewDepositedEvent(d *Deal, party [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttributes(d)
	attrs["party"] = hex.EncodeToString(party[:])
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeDealDeposited, Attributes: attrs}
}

// NewSignedEvent returns the canonical event payload emitted when a party signs.
func NewSignedEvent(d *Deal, party [20]byte) *types.Event {
	attrs := baseAttributes(d)
	attrs["party"] = hex.EncodeToString(party[:])
	return &types.Event{Type: EventTypeDealSigned, Attributes: attrs}
}

// NewWithdrawnEvent returns the canonical event payload emitted when a party
// withdraws the counterparty's deposit.
func NewWithdrawnEvent(d *Deal, party [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttributes(d)
	attrs["party"] = hex.EncodeToString(party[:])
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeDealWithdrawn, Attributes: attrs}
}

// NewFundsReturnedEvent returns the canonical event payload emitted when the
// refund path pays a party its original deposit back. The amount reflects the
// balance actually returned, which is zero for a side that never deposited.
func NewFundsReturnedEvent(d *Deal, party [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttributes(d)
	attrs["party"] = hex.EncodeToString(party[:])
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeDealFundsReturned, Attributes: attrs}
}

// NewTerminatedEvent returns the canonical event payload emitted when the deal
// reaches one of its two terminal conditions.
func NewTerminatedEvent(d *Deal, reason string) *types.Event {
	attrs := baseAttributes(d)
	attrs["reason"] = reason
	return &types.Event{Type: EventTypeDealTerminated, Attributes: attrs}
}

func baseAttributes(d *Deal) map[string]string {
	attrs := make(map[string]string)
	if d == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(d.ID, 10)
	attrs["deal"] = hex.EncodeToString(d.Addr[:])
	attrs["token"] = d.Token
	attrs["partyA"] = hex.EncodeToString(d.PartyA.Addr[:])
	attrs["partyB"] = hex.EncodeToString(d.PartyB.Addr[:])
	return attrs
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
