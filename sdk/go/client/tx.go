package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
	"github.com/PomeGroup/ontonbot-sub004/crypto"
	telemetry "github.com/PomeGroup/ontonbot-sub004/observability/otel"
)

const (
	jsonRPCVersion = "2.0"
	defaultRPCID   = 1

	methodGetAccount      = "chain_getAccount"
	methodSendTransaction = "chain_sendTransaction"
	methodGetReceipt      = "chain_getReceipt"
)

// Client wraps a JSON-RPC endpoint of the payout chain. It is the only component that talks
// to the network; callers receive it explicitly instead of through a shared global.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
	chainID    *big.Int
}

// Option configures the high-level client defaults.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthToken sets the bearer token attached to privileged RPC requests.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// WithChainID overrides the chain identifier embedded in constructed transactions.
func WithChainID(chainID *big.Int) Option {
	return func(c *Client) {
		if chainID != nil {
			c.chainID = new(big.Int).Set(chainID)
		}
	}
}

// New initialises a client bound to the provided JSON-RPC endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("client: endpoint required")
	}
	c := &Client{
		endpoint: trimmed,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: telemetry.Transport(http.DefaultTransport),
		},
		chainID: types.ChainID(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.chainID == nil {
		c.chainID = types.ChainID()
	}
	return c, nil
}

// ChainID reports the chain identifier transactions must carry.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Account fetches the live balance, sequence number and activation flag of an address.
func (c *Client) Account(ctx context.Context, address string) (types.AccountState, error) {
	if c == nil {
		return types.AccountState{}, fmt.Errorf("client: instance required")
	}
	if _, err := crypto.DecodeAddress(address); err != nil {
		return types.AccountState{}, fmt.Errorf("client: decode address: %w", err)
	}
	var resp accountResponse
	if err := c.call(ctx, methodGetAccount, []interface{}{address}, false, &resp); err != nil {
		return types.AccountState{}, err
	}
	balance := big.NewInt(0)
	if trimmed := strings.TrimSpace(resp.Balance); trimmed != "" {
		parsed, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || parsed.Sign() < 0 {
			return types.AccountState{}, fmt.Errorf("client: invalid balance %q", resp.Balance)
		}
		balance = parsed
	}
	return types.AccountState{
		Address:  address,
		Balance:  balance,
		Sequence: resp.Sequence,
		Active:   resp.Active,
	}, nil
}

// Broadcast submits a signed transaction and returns its hash. When the node does not echo a
// hash the locally computed one is returned.
func (c *Client) Broadcast(ctx context.Context, tx *types.Transaction) (string, error) {
	if c == nil {
		return "", fmt.Errorf("client: instance required")
	}
	if tx == nil {
		return "", fmt.Errorf("client: transaction required")
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return "", fmt.Errorf("client: transaction must be signed")
	}
	local, err := tx.HashHex()
	if err != nil {
		return "", fmt.Errorf("client: hash transaction: %w", err)
	}
	var resp sendResponse
	if err := c.call(ctx, methodSendTransaction, []interface{}{tx}, true, &resp); err != nil {
		return "", err
	}
	if hash := strings.TrimSpace(resp.Hash); hash != "" {
		return hash, nil
	}
	return local, nil
}

// Receipt looks up a transaction by hash. Unknown hashes yield Found=false without error.
func (c *Client) Receipt(ctx context.Context, hash string) (types.Receipt, error) {
	if c == nil {
		return types.Receipt{}, fmt.Errorf("client: instance required")
	}
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return types.Receipt{}, fmt.Errorf("client: hash required")
	}
	var resp *receiptResponse
	if err := c.call(ctx, methodGetReceipt, []interface{}{trimmed}, false, &resp); err != nil {
		return types.Receipt{}, err
	}
	if resp == nil {
		return types.Receipt{Hash: trimmed}, nil
	}
	return types.Receipt{
		Hash:     trimmed,
		Found:    true,
		Success:  resp.Success,
		Sequence: resp.Sequence,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc,omitempty"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type accountResponse struct {
	Balance  string `json:"balance"`
	Sequence uint64 `json:"sequence"`
	Active   bool   `json:"active"`
}

type sendResponse struct {
	Hash string `json:"hash"`
}

type receiptResponse struct {
	Success  bool   `json:"success"`
	Sequence uint64 `json:"sequence"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, requireAuth bool, out interface{}) error {
	if requireAuth && strings.TrimSpace(c.authToken) == "" {
		return fmt.Errorf("client: auth token required for %s", method)
	}
	payload := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      defaultRPCID,
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode rpc payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: rpc call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("client: rpc error status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("client: decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("client: rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("client: decode rpc result: %w", err)
	}
	return nil
}
