package deal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client exposes typed helpers for interacting with a dealchain node over
// JSON-RPC.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithAuthToken attaches a bearer token to every request. Mutating methods
// require it.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = strings.TrimSpace(token) }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// New creates a client for the node at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RPCError is the JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      int64         `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.nextID.Add(1),
	}
	if params != nil {
		payload.Params = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deal sdk: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deal sdk: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deal sdk: %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("deal sdk: decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("deal sdk: decode %s result: %w", method, err)
		}
	}
	return nil
}

// Party is one side of a deal as reported by the node.
type Party struct {
	Address string `json:"address"`
	Status  string `json:"status"`
}

// Deal mirrors the node's JSON representation of a deal instance.
type Deal struct {
	ID              uint64 `json:"id"`
	Address         string `json:"address"`
	Token           string `json:"token"`
	PartyA          Party  `json:"partyA"`
	PartyB          Party  `json:"partyB"`
	DepositDeadline int64  `json:"depositDeadline"`
	SigningDeadline int64  `json:"signingDeadline"`
	CreatedAt       int64  `json:"createdAt"`
	Terminated      bool   `json:"terminated"`
}

// WithdrawReceipt reports the outcome of a withdrawal.
type WithdrawReceipt struct {
	Outcome string `json:"outcome"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

// Balances reports the funds currently escrowed by a deal.
type Balances struct {
	Deal       string `json:"deal"`
	BalanceDCN string `json:"balanceDCN"`
	BalanceDCT string `json:"balanceDCT"`
}

// AccountBalance reports a ledger account's balances.
type AccountBalance struct {
	Address    string `json:"address"`
	BalanceDCN string `json:"balanceDCN"`
	BalanceDCT string `json:"balanceDCT"`
	Nonce      uint64 `json:"nonce"`
}

type createParams struct {
	PartyA        string `json:"partyA"`
	PartyB        string `json:"partyB"`
	Token         string `json:"token"`
	DepositWindow int64  `json:"depositWindow"`
	SigningWindow int64  `json:"signingWindow"`
}

type addressParams struct {
	Deal string `json:"deal"`
}

type actorParams struct {
	Deal   string `json:"deal"`
	Caller string `json:"caller"`
}

type depositParams struct {
	Deal   string `json:"deal"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

// CreateDeal registers a new deal and returns its initial state.
func (c *Client) CreateDeal(ctx context.Context, partyA, partyB, token string, depositWindow, signingWindow int64) (*Deal, error) {
	out := &Deal{}
	err := c.call(ctx, "deal_create", createParams{
		PartyA:        partyA,
		PartyB:        partyB,
		Token:         token,
		DepositWindow: depositWindow,
		SigningWindow: signingWindow,
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetDeal fetches the deal stored at the supplied address.
func (c *Client) GetDeal(ctx context.Context, dealAddr string) (*Deal, error) {
	out := &Deal{}
	if err := c.call(ctx, "deal_get", addressParams{Deal: dealAddr}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup resolves a deal identifier to its address.
func (c *Client) Lookup(ctx context.Context, id uint64) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "deal_lookup", struct {
		ID uint64 `json:"id"`
	}{ID: id}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// DeriveAddress computes the address a deal with the supplied parameters will
// receive, without creating it.
func (c *Client) DeriveAddress(ctx context.Context, partyA, partyB, token string, id uint64) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "deal_deriveAddress", struct {
		PartyA string `json:"partyA"`
		PartyB string `json:"partyB"`
		Token  string `json:"token"`
		ID     uint64 `json:"id"`
	}{PartyA: partyA, PartyB: partyB, Token: token, ID: id}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// DepositNative escrows native coin from party A into the deal.
func (c *Client) DepositNative(ctx context.Context, dealAddr, caller, amount string) (*Deal, error) {
	out := &Deal{}
	if err := c.call(ctx, "deal_depositNative", depositParams{Deal: dealAddr, Caller: caller, Amount: amount}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DepositToken escrows the deal token from party B into the deal. Party B must
// have approved the deal address beforehand.
func (c *Client) DepositToken(ctx context.Context, dealAddr, caller, amount string) (*Deal, error) {
	out := &Deal{}
	if err := c.call(ctx, "deal_depositToken", depositParams{Deal: dealAddr, Caller: caller, Amount: amount}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sign records the caller's irrevocable commitment to the exchange.
func (c *Client) Sign(ctx context.Context, dealAddr, caller string) (*Deal, error) {
	out := &Deal{}
	if err := c.call(ctx, "deal_sign", actorParams{Deal: dealAddr, Caller: caller}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rescind aborts the deal before both parties have signed and refunds all
// escrowed funds.
func (c *Client) Rescind(ctx context.Context, dealAddr, caller string) (*Deal, error) {
	out := &Deal{}
	if err := c.call(ctx, "deal_rescind", actorParams{Deal: dealAddr, Caller: caller}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Withdraw pays the caller the counterparty's deposit once both sides signed.
func (c *Client) Withdraw(ctx context.Context, dealAddr, caller string) (*WithdrawReceipt, error) {
	out := &WithdrawReceipt{}
	if err := c.call(ctx, "deal_withdraw", actorParams{Deal: dealAddr, Caller: caller}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DealBalances returns the funds currently escrowed by the deal.
func (c *Client) DealBalances(ctx context.Context, dealAddr string) (*Balances, error) {
	out := &Balances{}
	if err := c.call(ctx, "deal_balances", addressParams{Deal: dealAddr}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalance returns the ledger balances for an account address.
func (c *Client) GetBalance(ctx context.Context, address string) (*AccountBalance, error) {
	out := &AccountBalance{}
	if err := c.call(ctx, "ledger_getBalance", struct {
		Address string `json:"address"`
	}{Address: address}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approve authorises spender to pull up to amount DCT from owner.
func (c *Client) Approve(ctx context.Context, owner, spender, amount string) error {
	return c.call(ctx, "ledger_approve", struct {
		Owner   string `json:"owner"`
		Spender string `json:"spender"`
		Amount  string `json:"amount"`
	}{Owner: owner, Spender: spender, Amount: amount}, nil)
}

// Allowance returns the DCT amount spender may currently pull from owner.
func (c *Client) Allowance(ctx context.Context, owner, spender string) (string, error) {
	var out struct {
		Allowance string `json:"allowance"`
	}
	if err := c.call(ctx, "ledger_allowance", struct {
		Owner   string `json:"owner"`
		Spender string `json:"spender"`
	}{Owner: owner, Spender: spender}, &out); err != nil {
		return "", err
	}
	return out.Allowance, nil
}

// Mint credits freshly created funds to an address. Only honoured by nodes
// running with the dev faucet enabled.
func (c *Client) Mint(ctx context.Context, address, token, amount string) error {
	return c.call(ctx, "ledger_mint", struct {
		Address string `json:"address"`
		Token   string `json:"token"`
		Amount  string `json:"amount"`
	}{Address: address, Token: token, Amount: amount}, nil)
}
