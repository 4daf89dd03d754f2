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
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medtrace/medtrace/config"
	"github.com/medtrace/medtrace/internal/request"
)

var tracer = otel.Tracer("medtrace.ledger")

var errNotMined = errors.New("transaction not yet mined")

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"`
}

type logEntry struct {
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     string   `json:"blockNumber"`
	Data            string   `json:"data"`
	Topics          []string `json:"topics"`
	Removed         bool     `json:"removed"`
}

// Client talks to an Ethereum-compatible node over JSON-RPC. Transactions are sent from a
// node-managed account to the batch registry contract.
type Client struct {
	endpoint         string
	contract         string
	from             string
	pollInterval     time.Duration
	minConfirmations uint64
	nextID           atomic.Uint64
}

func NewClient(cfg config.LedgerConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("ledger endpoint is required")
	}
	if cfg.ContractAddress == "" {
		return nil, errors.New("ledger contract address is required")
	}
	minConf := cfg.MinConfirmations
	if minConf < 1 {
		minConf = 1
	}
	return &Client{
		endpoint:         cfg.Endpoint,
		contract:         cfg.ContractAddress,
		from:             cfg.FromAddress,
		pollInterval:     cfg.PollInterval(),
		minConfirmations: uint64(minConf),
	}, nil
}

func (c *Client) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	payload, err := request.ToJsonReq(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return errors.Wrapf(err, "encode %s", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, payload)
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}

	var resp rpcResponse
	if _, err := request.Call(req, &resp); err != nil {
		return errors.Wrapf(err, "%s", method)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(resp.Result, result), "decode %s result", method)
}

// Submit sends registerBatch(key, payloadHash) to the registry contract.
func (c *Client) Submit(ctx context.Context, key, payloadHash string) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "Submitting to ledger")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.key", key))

	data, err := encodeRegisterBatch(key, payloadHash)
	if err != nil {
		return nil, errors.Wrap(err, "encode registerBatch")
	}

	tx := map[string]string{
		"to":   c.contract,
		"data": data,
	}
	if c.from != "" {
		tx["from"] = c.from
	}

	var txHash string
	err = c.call(ctx, "eth_sendTransaction", &txHash, tx)
	if err != nil {
		span.RecordError(err)
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && isRevert(rpcErr) {
			return nil, fmt.Errorf("%w: %s", ErrReverted, rpcErr.Message)
		}
		return nil, err
	}
	if txHash == "" {
		return nil, errors.New("eth_sendTransaction returned no transaction hash")
	}

	return &Handle{Key: key, PayloadHash: payloadHash, TxHash: txHash, SubmittedAt: time.Now()}, nil
}

// AwaitConfirmation polls for the receipt until it has enough confirmations, reverts,
// or the timeout elapses.
func (c *Client) AwaitConfirmation(ctx context.Context, h *Handle, timeout time.Duration) Outcome {
	ctx, span := tracer.Start(ctx, "Awaiting ledger confirmation")
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = 4 * c.pollInterval
	b.MaxElapsedTime = timeout

	var outcome Outcome
	err := backoff.Retry(func() error {
		var r *receipt
		if err := c.call(waitCtx, "eth_getTransactionReceipt", &r, h.TxHash); err != nil {
			return err
		}
		if r == nil || r.BlockNumber == "" {
			return errNotMined
		}
		if r.Status == "0x0" {
			outcome = Outcome{State: StateReverted, TxHash: h.TxHash, Reason: "transaction reverted"}
			return nil
		}
		if c.minConfirmations > 1 {
			mined, err := parseQuantity(r.BlockNumber)
			if err != nil {
				return backoff.Permanent(err)
			}
			var head string
			if err := c.call(waitCtx, "eth_blockNumber", &head); err != nil {
				return err
			}
			current, err := parseQuantity(head)
			if err != nil {
				return backoff.Permanent(err)
			}
			if current+1 < mined+c.minConfirmations {
				return errNotMined
			}
		}
		outcome = Outcome{State: StateConfirmed, TxHash: h.TxHash}
		return nil
	}, backoff.WithContext(b, waitCtx))

	if err == nil {
		return outcome
	}

	span.RecordError(err)
	// Anything short of a receipt is an unknown outcome. Ask with a fresh context whether
	// the node still has the transaction so the caller can report it as accepted.
	probeCtx, probeCancel := context.WithTimeout(context.WithoutCancel(ctx), c.pollInterval+time.Second)
	defer probeCancel()
	var pending map[string]interface{}
	accepted := c.call(probeCtx, "eth_getTransactionByHash", &pending, h.TxHash) == nil && pending != nil

	return Outcome{State: StateTimedOut, TxHash: h.TxHash, Reason: err.Error(), Accepted: accepted}
}

// Lookup finds the newest BatchRegistered event for key.
func (c *Client) Lookup(ctx context.Context, key string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "Looking up ledger registration")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.key", key))

	filter := map[string]interface{}{
		"address":   c.contract,
		"fromBlock": "0x0",
		"toBlock":   "latest",
		"topics":    []string{eventTopic(batchRegisteredSignature), keyTopic(key)},
	}

	var logs []logEntry
	if err := c.call(ctx, "eth_getLogs", &logs, filter); err != nil {
		span.RecordError(err)
		return nil, err
	}

	for i := len(logs) - 1; i >= 0; i-- {
		entry := logs[i]
		if entry.Removed || entry.TransactionHash == "" {
			continue
		}
		block, _ := parseQuantity(entry.BlockNumber)
		return &Record{
			Key:         key,
			PayloadHash: payloadFromLogData(entry.Data),
			TxHash:      entry.TransactionHash,
			BlockNumber: block,
		}, nil
	}
	return nil, nil
}

// payloadFromLogData extracts the non-indexed bytes32 argument.
func payloadFromLogData(data string) string {
	raw, err := hexDecode(data)
	if err != nil || len(raw) < 32 {
		return ""
	}
	return hexEncode(raw[:32])
}

func isRevert(e *rpcError) bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "revert") || e.Code == 3
}
