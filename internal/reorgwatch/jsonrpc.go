package reorgwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// JSONRPCBlockSource implements BlockSource against a standard
// eth_getBlockByNumber/eth_getTransactionReceipt JSON-RPC endpoint, the
// same request/response shape internal/authn.HTTPJWKSFetcher uses for
// its own single-purpose HTTP client.
type JSONRPCBlockSource struct {
	URL    string
	Client *http.Client
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *JSONRPCBlockSource) call(ctx context.Context, method string, params []any, out any) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// GetBlockHash implements BlockSource.
func (s *JSONRPCBlockSource) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var block struct {
		Hash string `json:"hash"`
	}
	param := fmt.Sprintf("0x%x", height)
	if err := s.call(ctx, "eth_getBlockByNumber", []any{param, false}, &block); err != nil {
		return "", err
	}
	return block.Hash, nil
}

// GetReceipt implements BlockSource.
func (s *JSONRPCBlockSource) GetReceipt(ctx context.Context, txHash string) (Receipt, error) {
	var receipt struct {
		Status      string `json:"status"`
		BlockHash   string `json:"blockHash"`
		BlockNumber string `json:"blockNumber"`
	}
	if err := s.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return Receipt{}, err
	}
	if receipt.BlockHash == "" {
		return Receipt{}, nil // no longer mined: zero-value Receipt per verify()'s "no longer exists" branch
	}
	status := "success"
	if receipt.Status == "0x0" {
		status = "failed"
	}
	var blockNumber uint64
	fmt.Sscanf(receipt.BlockNumber, "0x%x", &blockNumber)
	return Receipt{Status: status, BlockHash: receipt.BlockHash, BlockNumber: blockNumber}, nil
}
