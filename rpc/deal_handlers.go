package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"dealchain/crypto"
	"dealchain/native/deal"
)

const (
	codeDealInvalidParams = -32021
	codeDealNotFound      = -32022
	codeDealForbidden     = -32023
	codeDealConflict      = -32024
	codeDealInternal      = -32025
)

type dealCreateParams struct {
	PartyA        string `json:"partyA"`
	PartyB        string `json:"partyB"`
	Token         string `json:"token"`
	DepositWindow int64  `json:"depositWindow"`
	SigningWindow int64  `json:"signingWindow"`
}

type dealAddressParams struct {
	Deal string `json:"deal"`
}

type dealIDParams struct {
	ID uint64 `json:"id"`
}

type dealDeriveParams struct {
	PartyA string `json:"partyA"`
	PartyB string `json:"partyB"`
	Token  string `json:"token"`
	ID     uint64 `json:"id"`
}

type dealActorParams struct {
	Deal   string `json:"deal"`
	Caller string `json:"caller"`
}

type dealDepositParams struct {
	Deal   string `json:"deal"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type dealPartyJSON struct {
	Address string `json:"address"`
	Status  string `json:"status"`
}

type dealJSON struct {
	ID              uint64        `json:"id"`
	Address         string        `json:"address"`
	Token           string        `json:"token"`
	PartyA          dealPartyJSON `json:"partyA"`
	PartyB          dealPartyJSON `json:"partyB"`
	DepositDeadline int64         `json:"depositDeadline"`
	SigningDeadline int64         `json:"signingDeadline"`
	CreatedAt       int64         `json:"createdAt"`
	Terminated      bool          `json:"terminated"`
}

type dealLookupResult struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
}

type dealDeriveResult struct {
	Address string `json:"address"`
}

type dealWithdrawResult struct {
	Outcome string `json:"outcome"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type dealBalancesResult struct {
	Deal       string `json:"deal"`
	BalanceDCN string `json:"balanceDCN"`
	BalanceDCT string `json:"balanceDCT"`
}

func (s *Server) handleDealCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	partyA, err := parseDealAddress(params.PartyA)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	partyB, err := parseDealAddress(params.PartyB)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.DepositWindow <= 0 || params.SigningWindow <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", "deposit and signing windows must be positive")
		return
	}
	d, err := s.registry.CreateDeal(partyA, partyB, params.Token, params.DepositWindow, params.SigningWindow)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(d))
}

func (s *Server) handleDealGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseDealAddress(params.Deal)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	d, err := s.engine.GetDeal(addr)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(d))
}

func (s *Server) handleDealLookup(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, ok, err := s.registry.Lookup(params.ID)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeDealNotFound, "not_found", fmt.Sprintf("no deal with id %d", params.ID))
		return
	}
	writeResult(w, req.ID, dealLookupResult{ID: params.ID, Address: formatAddress(addr)})
}

func (s *Server) handleDealDeriveAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealDeriveParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	partyA, err := parseDealAddress(params.PartyA)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	partyB, err := parseDealAddress(params.PartyB)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := deal.NormalizeToken(params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	addr := deal.DeriveAddress(partyA, partyB, token, params.ID)
	writeResult(w, req.ID, dealDeriveResult{Address: formatAddress(addr)})
}

func (s *Server) handleDealDepositNative(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleDeposit(w, req, s.engine.DepositNative)
}

func (s *Server) handleDealDepositToken(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleDeposit(w, req, s.engine.DepositToken)
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest, deposit func([20]byte, [20]byte, *big.Int) error) {
	var params dealDepositParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, caller, ok := parseActorPair(w, req, params.Deal, params.Caller)
	if !ok {
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := deposit(addr, caller, amount); err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	d, err := s.engine.GetDeal(addr)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(d))
}

func (s *Server) handleDealSign(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, caller, ok := parseActorPair(w, req, params.Deal, params.Caller)
	if !ok {
		return
	}
	if err := s.engine.Sign(addr, caller); err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	d, err := s.engine.GetDeal(addr)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(d))
}

func (s *Server) handleDealRescind(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, caller, ok := parseActorPair(w, req, params.Deal, params.Caller)
	if !ok {
		return
	}
	if err := s.engine.Rescind(addr, caller); err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	d, err := s.engine.GetDeal(addr)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(d))
}

func (s *Server) handleDealWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, caller, ok := parseActorPair(w, req, params.Deal, params.Caller)
	if !ok {
		return
	}
	receipt, err := s.engine.Withdraw(addr, caller)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	outcome := "paid"
	if receipt.Outcome == deal.WithdrawPaidAndTerminated {
		outcome = "paid_and_terminated"
	}
	writeResult(w, req.ID, dealWithdrawResult{
		Outcome: outcome,
		Token:   receipt.Token,
		Amount:  receipt.Amount.String(),
	})
}

func (s *Server) handleDealBalances(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseDealAddress(params.Deal)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return
	}
	dcn, err := s.engine.BalanceDCN(addr)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	dct, err := s.engine.BalanceDCT(addr)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealBalancesResult{
		Deal:       formatAddress(addr),
		BalanceDCN: dcn.String(),
		BalanceDCT: dct.String(),
	})
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseActorPair(w http.ResponseWriter, req *RPCRequest, dealStr, callerStr string) ([20]byte, [20]byte, bool) {
	addr, err := parseDealAddress(dealStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [20]byte{}, false
	}
	caller, err := parseDealAddress(callerStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDealInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [20]byte{}, false
	}
	return addr, caller, true
}

func parseDealAddress(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.DealPrefix, addr[:]).String()
}

func formatDealJSON(d *deal.Deal) dealJSON {
	return dealJSON{
		ID:      d.ID,
		Address: formatAddress(d.Addr),
		Token:   d.Token,
		PartyA: dealPartyJSON{
			Address: formatAddress(d.PartyA.Addr),
			Status:  d.PartyA.Status.String(),
		},
		PartyB: dealPartyJSON{
			Address: formatAddress(d.PartyB.Addr),
			Status:  d.PartyB.Status.String(),
		},
		DepositDeadline: d.Window.DepositDeadline,
		SigningDeadline: d.Window.SigningDeadline,
		CreatedAt:       d.CreatedAt,
		Terminated:      d.Terminated,
	}
}

func writeDealError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeDealInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, deal.ErrNotFound):
		status = http.StatusNotFound
		code = codeDealNotFound
		message = "not_found"
	case errors.Is(err, deal.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeDealForbidden
		message = "forbidden"
	case errors.Is(err, deal.ErrInvalidState),
		errors.Is(err, deal.ErrExpired),
		errors.Is(err, deal.ErrReentrancy),
		errors.Is(err, deal.ErrTransferFailed):
		status = http.StatusConflict
		code = codeDealConflict
		message = "conflict"
	case errors.Is(err, deal.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = codeDealInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, data)
}
