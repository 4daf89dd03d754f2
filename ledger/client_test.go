/*
Copyright 2024 Medtrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrace/medtrace/config"
)

const testEndpoint = "http://ledger.test:8545"

type rpcHandler func(params []json.RawMessage) (interface{}, *rpcError)

// rpcServer answers JSON-RPC calls by method and records how often each was called.
type rpcServer struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
}

func newRPCServer(t *testing.T, handlers map[string]rpcHandler) *rpcServer {
	s := &rpcServer{handlers: handlers, calls: make(map[string]int)}
	httpmock.RegisterResponder("POST", testEndpoint, func(req *http.Request) (*http.Response, error) {
		var body struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
			return httpmock.NewStringResponse(400, ""), nil
		}

		s.mu.Lock()
		s.calls[body.Method]++
		handler, ok := s.handlers[body.Method]
		s.mu.Unlock()

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": body.ID}
		if !ok {
			resp["error"] = rpcError{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := handler(body.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		return httpmock.NewJsonResponse(200, resp)
	})
	return s
}

func (s *rpcServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func testClient(t *testing.T, minConfirmations int) *Client {
	c, err := NewClient(config.LedgerConfig{
		Endpoint:         testEndpoint,
		ContractAddress:  "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		FromAddress:      "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		PollIntervalMs:   5,
		MinConfirmations: minConfirmations,
	})
	require.NoError(t, err)
	return c
}

func samplePayloadHash() string {
	return "0x" + strings.Repeat("11", 32)
}

func TestNewClient_RequiresContract(t *testing.T) {
	_, err := NewClient(config.LedgerConfig{Endpoint: testEndpoint})
	assert.Error(t, err)
}

func TestNew_SelectsMemoryLedger(t *testing.T) {
	adapter, err := New(config.LedgerConfig{Endpoint: config.MEMORY_LEDGER_ENDPOINT})
	require.NoError(t, err)
	_, ok := adapter.(*MemoryLedger)
	assert.True(t, ok)
}

func TestClientSubmit_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	c := testClient(t, 1)
	newRPCServer(t, map[string]rpcHandler{
		"eth_sendTransaction": func(params []json.RawMessage) (interface{}, *rpcError) {
			var tx map[string]string
			_ = json.Unmarshal(params[0], &tx)
			assert.Equal(t, c.contract, tx["to"])
			assert.Equal(t, c.from, tx["from"])
			assert.True(t, strings.HasPrefix(tx["data"], hexEncode(selector(registerBatchSignature))))
			return "0xabc", nil
		},
	})

	h, err := c.Submit(context.Background(), "B-100", samplePayloadHash())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", h.TxHash)
	assert.Equal(t, "B-100", h.Key)
}

func TestClientSubmit_RevertIsDefinite(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	c := testClient(t, 1)
	newRPCServer(t, map[string]rpcHandler{
		"eth_sendTransaction": func(params []json.RawMessage) (interface{}, *rpcError) {
			return nil, &rpcError{Code: -32000, Message: "execution reverted: batch already registered"}
		},
	})

	h, err := c.Submit(context.Background(), "B-200", samplePayloadHash())
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, ErrReverted))
}

func TestClientSubmit_TransportErrorIsUnknown(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", testEndpoint, httpmock.NewErrorResponder(errors.New("connection refused")))

	c := testClient(t, 1)
	_, err := c.Submit(context.Background(), "B-300", samplePayloadHash())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrReverted))
}

func TestClientAwaitConfirmation_Confirmed(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	polls := 0
	srv := newRPCServer(t, map[string]rpcHandler{
		"eth_getTransactionReceipt": func(params []json.RawMessage) (interface{}, *rpcError) {
			polls++
			if polls < 3 {
				return nil, nil
			}
			return receipt{TransactionHash: "0xabc", BlockNumber: "0x10", Status: "0x1"}, nil
		},
	})

	c := testClient(t, 1)
	out := c.AwaitConfirmation(context.Background(), &Handle{Key: "B-100", TxHash: "0xabc"}, 2*time.Second)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, "0xabc", out.TxHash)
	assert.Equal(t, 3, srv.count("eth_getTransactionReceipt"))
}

func TestClientAwaitConfirmation_WaitsForConfirmations(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	head := 0x10
	newRPCServer(t, map[string]rpcHandler{
		"eth_getTransactionReceipt": func(params []json.RawMessage) (interface{}, *rpcError) {
			return receipt{TransactionHash: "0xabc", BlockNumber: "0x10", Status: "0x1"}, nil
		},
		"eth_blockNumber": func(params []json.RawMessage) (interface{}, *rpcError) {
			head++
			return fmt.Sprintf("0x%x", head), nil
		},
	})

	c := testClient(t, 3)
	out := c.AwaitConfirmation(context.Background(), &Handle{Key: "B-100", TxHash: "0xabc"}, 2*time.Second)
	assert.Equal(t, StateConfirmed, out.State)
	assert.GreaterOrEqual(t, head, 0x12)
}

func TestClientAwaitConfirmation_Reverted(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	newRPCServer(t, map[string]rpcHandler{
		"eth_getTransactionReceipt": func(params []json.RawMessage) (interface{}, *rpcError) {
			return receipt{TransactionHash: "0xdead", BlockNumber: "0x10", Status: "0x0"}, nil
		},
	})

	c := testClient(t, 1)
	out := c.AwaitConfirmation(context.Background(), &Handle{Key: "B-200", TxHash: "0xdead"}, time.Second)
	assert.Equal(t, StateReverted, out.State)
}

func TestClientAwaitConfirmation_TimedOutButAccepted(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	newRPCServer(t, map[string]rpcHandler{
		"eth_getTransactionReceipt": func(params []json.RawMessage) (interface{}, *rpcError) {
			return nil, nil
		},
		"eth_getTransactionByHash": func(params []json.RawMessage) (interface{}, *rpcError) {
			return map[string]string{"hash": "0xabc", "blockNumber": ""}, nil
		},
	})

	c := testClient(t, 1)
	started := time.Now()
	out := c.AwaitConfirmation(context.Background(), &Handle{Key: "B-100", TxHash: "0xabc"}, 100*time.Millisecond)
	assert.Equal(t, StateTimedOut, out.State)
	assert.True(t, out.Accepted)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestClientAwaitConfirmation_TimedOutAndDropped(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	newRPCServer(t, map[string]rpcHandler{
		"eth_getTransactionReceipt": func(params []json.RawMessage) (interface{}, *rpcError) {
			return nil, nil
		},
		"eth_getTransactionByHash": func(params []json.RawMessage) (interface{}, *rpcError) {
			return nil, nil
		},
	})

	c := testClient(t, 1)
	out := c.AwaitConfirmation(context.Background(), &Handle{Key: "B-100", TxHash: "0xabc"}, 50*time.Millisecond)
	assert.Equal(t, StateTimedOut, out.State)
	assert.False(t, out.Accepted)
}

func TestClientLookup(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	payload := samplePayloadHash()
	newRPCServer(t, map[string]rpcHandler{
		"eth_getLogs": func(params []json.RawMessage) (interface{}, *rpcError) {
			var filter struct {
				Topics []string `json:"topics"`
			}
			_ = json.Unmarshal(params[0], &filter)
			if filter.Topics[1] != keyTopic("B-100") {
				return []logEntry{}, nil
			}
			return []logEntry{
				{TransactionHash: "0xabc", BlockNumber: "0x10", Data: payload},
				{TransactionHash: "0xorphan", BlockNumber: "0x11", Data: payload, Removed: true},
			}, nil
		},
	})

	c := testClient(t, 1)
	rec, err := c.Lookup(context.Background(), "B-100")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "0xabc", rec.TxHash)
	assert.Equal(t, payload, rec.PayloadHash)
	assert.Equal(t, uint64(16), rec.BlockNumber)

	rec, err = c.Lookup(context.Background(), "B-999")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}
