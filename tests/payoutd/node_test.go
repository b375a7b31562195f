package payoutd_test

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
	"github.com/PomeGroup/ontonbot-sub004/crypto"
)

// fakeNode is an in-process JSON-RPC chain node. Transactions are applied on receipt unless
// they are held, in which case they only land once release is called.
type fakeNode struct {
	t  *testing.T
	mu sync.Mutex

	perTx, perMessage *big.Int

	accounts  map[string]*nodeAccount
	receipts  map[string]bool
	transfers int
	holdFrom  int
	held      []*types.Transaction
	server    *httptest.Server
}

type nodeAccount struct {
	balance *big.Int
	seq     uint64
	active  bool
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{
		t:          t,
		perTx:      big.NewInt(5),
		perMessage: big.NewInt(1),
		accounts:   make(map[string]*nodeAccount),
		receipts:   make(map[string]bool),
		holdFrom:   -1,
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) URL() string { return n.server.URL }

func (n *fakeNode) fund(address string, amount int64, active bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[address] = &nodeAccount{balance: big.NewInt(amount), active: active}
}

func (n *fakeNode) balance(address string) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if acct, ok := n.accounts[address]; ok {
		return new(big.Int).Set(acct.balance)
	}
	return big.NewInt(0)
}

func (n *fakeNode) transferCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transfers
}

// holdTransfersFrom keeps the index-th transfer batch and every later one in flight.
func (n *fakeNode) holdTransfersFrom(index int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holdFrom = index
}

func (n *fakeNode) release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holdFrom = -1
	for _, tx := range n.held {
		if err := n.apply(tx); err != nil {
			n.t.Errorf("apply held transaction: %v", err)
		}
	}
	n.held = nil
}

type nodeRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req nodeRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Params) != 1 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	result, rpcErr := n.dispatch(r, req)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": 1}
	if rpcErr != nil {
		resp["error"] = map[string]interface{}{"code": -32000, "message": rpcErr.Error()}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) dispatch(r *http.Request, req nodeRequest) (interface{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch req.Method {
	case "chain_getAccount":
		var address string
		if err := json.Unmarshal(req.Params[0], &address); err != nil {
			return nil, err
		}
		acct, ok := n.accounts[address]
		if !ok {
			return map[string]interface{}{"balance": "0", "sequence": 0, "active": false}, nil
		}
		return map[string]interface{}{"balance": acct.balance.String(), "sequence": acct.seq, "active": acct.active}, nil
	case "chain_getReceipt":
		var hash string
		if err := json.Unmarshal(req.Params[0], &hash); err != nil {
			return nil, err
		}
		success, ok := n.receipts[hash]
		if !ok {
			return nil, nil
		}
		return map[string]interface{}{"success": success}, nil
	case "chain_sendTransaction":
		if r.Header.Get("Authorization") != "Bearer node-secret" {
			return nil, fmt.Errorf("unauthorised")
		}
		var tx types.Transaction
		if err := json.Unmarshal(req.Params[0], &tx); err != nil {
			return nil, err
		}
		hash, err := tx.HashHex()
		if err != nil {
			return nil, err
		}
		if tx.Type == types.TxTypeTransferBatch {
			index := n.transfers
			n.transfers++
			if n.holdFrom >= 0 && index >= n.holdFrom {
				n.held = append(n.held, &tx)
				return map[string]interface{}{"hash": hash}, nil
			}
		}
		if err := n.apply(&tx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"hash": hash}, nil
	default:
		return nil, fmt.Errorf("unknown method %s", req.Method)
	}
}

func (n *fakeNode) apply(tx *types.Transaction) error {
	from, err := tx.From()
	if err != nil {
		return err
	}
	sender := crypto.NewAddress(crypto.AccountPrefix, from).String()
	acct, ok := n.accounts[sender]
	if !ok {
		return fmt.Errorf("unknown account %s", sender)
	}
	if tx.Sequence != acct.seq {
		return fmt.Errorf("sequence mismatch: have %d, got %d", acct.seq, tx.Sequence)
	}
	cost := new(big.Int).Set(n.perTx)
	for _, msg := range tx.Messages {
		cost.Add(cost, n.perMessage)
		cost.Add(cost, msg.Value)
	}
	if acct.balance.Cmp(cost) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	acct.balance.Sub(acct.balance, cost)
	acct.seq++
	if tx.Type == types.TxTypeActivate {
		acct.active = true
	}
	for _, msg := range tx.Messages {
		to := crypto.NewAddress(crypto.AccountPrefix, msg.To).String()
		dest, ok := n.accounts[to]
		if !ok {
			dest = &nodeAccount{balance: big.NewInt(0)}
			n.accounts[to] = dest
		}
		dest.balance.Add(dest.balance, msg.Value)
	}
	hash, err := tx.HashHex()
	if err != nil {
		return err
	}
	n.receipts[hash] = true
	return nil
}
