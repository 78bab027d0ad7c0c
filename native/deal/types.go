package deal

import (
	"fmt"
	"strings"
)

// PartyStatus tracks a single counterparty's progress through the deal
// lifecycle. The two terminal outcomes are distinct so storage and monitors can
// tell a successful exchange apart from an abandoned deal.
type PartyStatus uint8

const (
	PartyEmpty PartyStatus = iota
	PartyDeposited
	PartySigned
	PartySettled
	PartyRefunded
)

// Valid reports whether the status value is within the supported range.
func (s PartyStatus) Valid() bool {
	switch s {
	case PartyEmpty, PartyDeposited, PartySigned, PartySettled, PartyRefunded:
		return true
	default:
		return false
	}
}

func (s PartyStatus) String() string {
	switch s {
	case PartyEmpty:
		return "empty"
	case PartyDeposited:
		return "deposited"
	case PartySigned:
		return "signed"
	case PartySettled:
		return "settled"
	case PartyRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Party binds a counterparty address to its lifecycle status. The address is
// fixed at creation and never changes.
type Party struct {
	Addr   [20]byte
	Status PartyStatus
}

// TimeWindow holds the two deadlines gating a deal. Both are computed once at
// creation and immutable afterwards. Expiry is evaluated lazily at the top of
// each mutating operation; no background timer exists.
type TimeWindow struct {
	DepositDeadline int64
	SigningDeadline int64
}

// NewTimeWindow computes the deal deadlines from the creation time and the
// caller-supplied offsets. The signing deadline opens after the deposit one.
func NewTimeWindow(now, depositOffset, signingOffset int64) TimeWindow {
	depositDeadline := now + depositOffset
	return TimeWindow{
		DepositDeadline: depositDeadline,
		SigningDeadline: depositDeadline + signingOffset,
	}
}

// DepositExpired reports whether the deposit window has closed at the supplied
// instant.
func (w TimeWindow) DepositExpired(now int64) bool { return now > w.DepositDeadline }

// SigningExpired reports whether the signing window has closed at the supplied
// instant.
func (w TimeWindow) SigningExpired(now int64) bool { return now > w.SigningDeadline }

// Deal captures the immutable metadata and runtime status of a single
// two-party conditional exchange. Party A escrows the native coin (DCN), party
// B escrows the asset token named by Token. Escrowed funds are held on the
// ledger account at Addr, the deterministically derived deal address.
type Deal struct {
	ID         uint64
	Addr       [20]byte
	Token      string
	PartyA     Party
	PartyB     Party
	Window     TimeWindow
	CreatedAt  int64
	Terminated bool
}

// Clone returns a deep copy of the deal so callers can safely mutate the copy
// without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// NormalizeToken ensures the provided symbol names a supported escrow asset and
// returns the canonical uppercase form. The native coin (DCN) is not a valid
// escrow token; it is always party A's leg.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "DCT":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported deal token: %s", symbol)
	}
}

// SanitizeDeal validates and normalises the supplied deal definition, returning
// a cloned instance with canonical token casing. The original is not mutated.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("nil deal")
	}
	clone := d.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if !clone.PartyA.Status.Valid() {
		return nil, fmt.Errorf("invalid party A status: %d", clone.PartyA.Status)
	}
	if !clone.PartyB.Status.Valid() {
		return nil, fmt.Errorf("invalid party B status: %d", clone.PartyB.Status)
	}
	if clone.Window.SigningDeadline < clone.Window.DepositDeadline {
		return nil, fmt.Errorf("signing deadline precedes deposit deadline")
	}
	return clone, nil
}
