// types.go defines the Solana JSON-RPC request/response shapes used by the
// HTTP client and the websocket slot feed.
package solana

import (
	"encoding/json"
	"fmt"
)

// Solana RPC error codes the adapters act on.
const (
	// codeBlockNotAvailable: the node has not yet produced the block for this slot.
	codeBlockNotAvailable = -32004
	// codeNodeUnhealthy: the node is behind or otherwise unhealthy.
	codeNodeUnhealthy = -32005
	// codeSlotSkipped: no block was produced for the slot.
	codeSlotSkipped = -32007
	// codeLongTermStorageSlotSkipped: the slot was skipped, or is missing from long-term storage.
	codeLongTermStorageSlotSkipped = -32009
	// codeBlockStatusNotAvailable: the block status is not yet available.
	codeBlockStatusNotAvailable = -32014
)

// jsonRPCRequest represents a JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// jsonRPCResponse represents a JSON-RPC 2.0 response or subscription notification.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonRPCError represents a JSON-RPC 2.0 error.
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// commitmentConfig selects the commitment level of a read.
type commitmentConfig struct {
	Commitment string `json:"commitment"`
}

// getBlockConfig is the options object for getBlock.
type getBlockConfig struct {
	Commitment                     string `json:"commitment"`
	Encoding                       string `json:"encoding"`
	TransactionDetails             string `json:"transactionDetails"`
	Rewards                        bool   `json:"rewards"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
}

// blockResult is the subset of a getBlock result the adapter reads.
type blockResult struct {
	BlockHeight       *uint64            `json:"blockHeight"`
	BlockTime         *int64             `json:"blockTime"`
	Blockhash         string             `json:"blockhash"`
	ParentSlot        uint64             `json:"parentSlot"`
	PreviousBlockhash string             `json:"previousBlockhash"`
	Transactions      []blockTransaction `json:"transactions"`
}

type blockTransaction struct {
	Meta *transactionMeta `json:"meta"`
}

type transactionMeta struct {
	Err json.RawMessage `json:"err"`
}

func (t blockTransaction) failed() bool {
	if t.Meta == nil || len(t.Meta.Err) == 0 {
		return false
	}
	return string(t.Meta.Err) != "null"
}

// slotsUpdatesParams is the params field of a slotsUpdatesNotification.
type slotsUpdatesParams struct {
	Subscription uint64     `json:"subscription"`
	Result       slotUpdate `json:"result"`
}

// slotUpdate is one slotsUpdatesSubscribe event.
type slotUpdate struct {
	Slot      uint64  `json:"slot"`
	Parent    *uint64 `json:"parent,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Type      string  `json:"type"`
	Err       string  `json:"err,omitempty"`
}
