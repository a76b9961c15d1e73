// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/rpc"
)

// Fetcher sends a chain RPC request through a brume.
type Fetcher interface {
	Fetch(ctx context.Context, brume *Brume, chainID int64, method string, params cbor.RawMessage) (cbor.RawMessage, error)
}

// maxResponseSize bounds a chain RPC response body.
const maxResponseSize = 32 << 20

type jsonRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonError      `json:"error"`
}

// HTTPFetcher posts JSON-RPC 2.0 requests over the brume's circuit.
type HTTPFetcher struct {
	log    *logging.Logger
	nextID atomic.Uint64
}

// NewHTTPFetcher returns a Fetcher.
func NewHTTPFetcher(backend *log.Backend) *HTTPFetcher {
	return &HTTPFetcher{log: backend.GetLogger("wallet/fetch")}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, brume *Brume, chainID int64, method string, params cbor.RawMessage) (cbor.RawMessage, error) {
	chain, err := brume.Chain(chainID)
	if err != nil {
		return nil, err
	}

	jsonParams, err := rpc.ToJSON(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rpc.ErrInvalidParams, err)
	}
	if string(jsonParams) == "null" {
		jsonParams = json.RawMessage("[]")
	}
	body, err := json.Marshal(&jsonRequest{
		JSONRPC: "2.0",
		ID:      f.nextID.Add(1),
		Method:  method,
		Params:  jsonParams,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chain.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	f.log.Debugf("%s on chain %d via %v", method, chainID, brume.Circuit)
	resp, err := brume.Circuit.HTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet: %s: http status %d", chain.URL, resp.StatusCode)
	}

	var jr jsonResponse
	if err := json.Unmarshal(raw, &jr); err != nil {
		return nil, fmt.Errorf("wallet: invalid response from %s: %v", chain.URL, err)
	}
	if jr.Error != nil {
		return nil, &rpc.Error{Code: jr.Error.Code, Message: jr.Error.Message}
	}
	return rpc.FromJSON(jr.Result)
}
