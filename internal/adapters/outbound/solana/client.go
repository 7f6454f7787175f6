package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/pkg/retry"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.HistoricalSource
var _ outbound.HistoricalSource = (*Client)(nil)

const commitmentFinalized = "finalized"

// ClientConfig holds configuration for the HTTP RPC client.
type ClientConfig struct {
	// RPCURL is the Solana HTTP JSON-RPC endpoint URL.
	RPCURL string

	// Timeout is the maximum time to wait for a single HTTP request.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst size. Defaults to 1 when RateLimit is set.
	RateBurst int

	// Retry controls retries of transient failures.
	Retry retry.Config

	// Logger is the structured logger.
	Logger *slog.Logger
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		Timeout: 30 * time.Second,
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		Logger: slog.Default(),
	}
}

// Client implements HistoricalSource using Solana's HTTP JSON-RPC API.
// All reads use finalized commitment.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Uint64
	logger     *slog.Logger
}

// NewClient creates a new Solana HTTP RPC client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.RPCURL == "" {
		return nil, errors.New("RPCURL is required")
	}

	defaults := ClientConfigDefaults()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		logger:     config.Logger.With("component", "solana-rpc"),
	}, nil
}

// GetFinalizedSlot returns the chain's current finalized slot.
func (c *Client) GetFinalizedSlot(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getSlot", []any{commitmentConfig{Commitment: commitmentFinalized}})
	if err != nil {
		return 0, fmt.Errorf("failed to get finalized slot: %w", err)
	}

	var slot uint64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("failed to parse slot: %w", err)
	}
	return slot, nil
}

// GetFinalizedBlock fetches the finalized block at slot. A skipped slot, or one the
// node no longer stores, returns outbound.ErrSlotNotFound.
func (c *Client) GetFinalizedBlock(ctx context.Context, slot uint64) (*entity.BlockRecord, error) {
	params := []any{slot, getBlockConfig{
		Commitment:                     commitmentFinalized,
		Encoding:                       "json",
		TransactionDetails:             "full",
		Rewards:                        false,
		MaxSupportedTransactionVersion: 0,
	}}

	result, err := c.call(ctx, "getBlock", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get block for slot %d: %w", slot, err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("slot %d: %w", slot, outbound.ErrSlotNotFound)
	}

	var block blockResult
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("failed to parse block for slot %d: %w", slot, err)
	}

	failed := 0
	for _, tx := range block.Transactions {
		if tx.failed() {
			failed++
		}
	}

	return &entity.BlockRecord{
		Slot:                   slot,
		ParentSlot:             block.ParentSlot,
		BlockHeight:            block.BlockHeight,
		BlockTime:              block.BlockTime,
		Blockhash:              block.Blockhash,
		PreviousBlockhash:      block.PreviousBlockhash,
		TransactionCount:       len(block.Transactions),
		FailedTransactionCount: failed,
	}, nil
}

// call performs one JSON-RPC request with rate limiting and retry of transient failures.
func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.logger.Debug("retrying RPC call", "method", method, "attempt", attempt, "backoff", backoff, "error", err)
	}

	return retry.Do(ctx, c.config.Retry, isTransient, onRetry, func() (json.RawMessage, error) {
		return c.do(ctx, reqBytes)
	})
}

func (c *Client) do(ctx context.Context, body []byte) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: HTTP request failed: %w", entity.ErrTransientIO, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: HTTP %d", entity.ErrTransientIO, httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", httpResp.StatusCode)
	}

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", entity.ErrTransientIO, err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, classifyRPCError(rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// classifyRPCError maps Solana error codes onto the error taxonomy.
func classifyRPCError(rpcErr *jsonRPCError) error {
	switch rpcErr.Code {
	case codeSlotSkipped, codeLongTermStorageSlotSkipped:
		return fmt.Errorf("%w: %w", outbound.ErrSlotNotFound, rpcErr)
	case codeBlockNotAvailable, codeNodeUnhealthy, codeBlockStatusNotAvailable:
		return fmt.Errorf("%w: %w", entity.ErrTransientIO, rpcErr)
	default:
		return rpcErr
	}
}

func isTransient(err error) bool {
	return errors.Is(err, entity.ErrTransientIO)
}
