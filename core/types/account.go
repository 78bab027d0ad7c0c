package types

import "math/big"

// Account is the ledger-side record for a single address. It tracks the two
// balances the deal protocol moves around: the native coin (DCN) funded by
// deal makers and the fungible asset token (DCT) funded by deal takers.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceDCN *big.Int `json:"balanceDCN"`
	BalanceDCT *big.Int `json:"balanceDCT"`
	// Allowances maps a hex-encoded spender address to the DCT amount that
	// spender may pull from this account via TransferDCTFrom.
	Allowances map[string]*big.Int `json:"allowances,omitempty"`
}
