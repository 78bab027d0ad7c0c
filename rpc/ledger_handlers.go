package rpc

import (
	"net/http"
	"strings"
)

type ledgerBalanceParams struct {
	Address string `json:"address"`
}

type ledgerApproveParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type ledgerAllowanceParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
}

type ledgerMintParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type ledgerBalanceResult struct {
	Address    string `json:"address"`
	BalanceDCN string `json:"balanceDCN"`
	BalanceDCT string `json:"balanceDCT"`
	Nonce      uint64 `json:"nonce"`
}

type ledgerAllowanceResult struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

type ledgerAckResult struct {
	OK bool `json:"ok"`
}

func (s *Server) handleLedgerGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ledgerBalanceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseDealAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	acc, err := s.ledger.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, ledgerBalanceResult{
		Address:    formatAddress(addr),
		BalanceDCN: acc.BalanceDCN.String(),
		BalanceDCT: acc.BalanceDCT.String(),
		Nonce:      acc.Nonce,
	})
}

func (s *Server) handleLedgerApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ledgerApproveParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	owner, spender, ok := parseActorPair(w, req, params.Owner, params.Spender)
	if !ok {
		return
	}
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.ledger.Approve(owner, spender, amount); err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, ledgerAckResult{OK: true})
}

func (s *Server) handleLedgerAllowance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ledgerAllowanceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	owner, spender, ok := parseActorPair(w, req, params.Owner, params.Spender)
	if !ok {
		return
	}
	allowance, err := s.ledger.Allowance(owner, spender)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, ledgerAllowanceResult{
		Owner:     formatAddress(owner),
		Spender:   formatAddress(spender),
		Allowance: allowance.String(),
	})
}

func (s *Server) handleLedgerMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !s.faucetEnabled {
		writeError(w, http.StatusForbidden, req.ID, codeDealForbidden, "forbidden", "dev faucet disabled")
		return
	}
	var params ledgerMintParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseDealAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	switch strings.ToUpper(strings.TrimSpace(params.Token)) {
	case "DCN":
		err = s.ledger.MintDCN(addr, amount)
	case "DCT":
		err = s.ledger.MintDCT(addr, amount)
	default:
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", "token must be DCN or DCT")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, ledgerAckResult{OK: true})
}
