package solana

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/pkg/retry"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
	"github.com/archon-research/stl/stl-slots/internal/testutil"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{RPCURL: url, Retry: fastRetry(), Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// rpcServer answers every request with handler's response body.
func rpcServer(t *testing.T, handler func(req jsonRPCRequest) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req jsonRPCRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		status, resp := handler(req)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// --- Test: NewClient ---

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	if err == nil || !strings.Contains(err.Error(), "RPCURL is required") {
		t.Fatalf("expected RPCURL error, got %v", err)
	}
}

func TestNewClient_AppliesDefaults(t *testing.T) {
	c, err := NewClient(ClientConfig{RPCURL: "http://localhost:8899"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defaults := ClientConfigDefaults()
	if c.config.Timeout != defaults.Timeout {
		t.Errorf("Timeout: got %v, want %v", c.config.Timeout, defaults.Timeout)
	}
	if c.config.Retry != defaults.Retry {
		t.Errorf("Retry: got %+v, want %+v", c.config.Retry, defaults.Retry)
	}
	if c.limiter != nil {
		t.Error("expected no limiter without RateLimit")
	}
}

func TestNewClient_RateLimiter(t *testing.T) {
	c, err := NewClient(ClientConfig{RPCURL: "http://localhost:8899", RateLimit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.limiter == nil {
		t.Fatal("expected limiter")
	}
	if c.limiter.Burst() != 1 {
		t.Errorf("expected burst 1, got %d", c.limiter.Burst())
	}
}

// --- Test: GetFinalizedSlot ---

func TestGetFinalizedSlot_Success(t *testing.T) {
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		if req.Method != "getSlot" {
			t.Errorf("unexpected method %s", req.Method)
		}
		cfg, _ := json.Marshal(req.Params[0])
		if !strings.Contains(string(cfg), `"commitment":"finalized"`) {
			t.Errorf("expected finalized commitment, got %s", cfg)
		}
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":250000123}`
	})

	slot, err := newTestClient(t, srv.URL).GetFinalizedSlot(context.Background())
	if err != nil {
		t.Fatalf("GetFinalizedSlot failed: %v", err)
	}
	if slot != 250000123 {
		t.Errorf("expected 250000123, got %d", slot)
	}
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	var last atomic.Uint64
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		if prev := last.Swap(req.ID); req.ID <= prev {
			t.Errorf("request id %d not greater than %d", req.ID, prev)
		}
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":1}`
	})

	c := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.GetFinalizedSlot(context.Background()); err != nil {
			t.Fatalf("GetFinalizedSlot failed: %v", err)
		}
	}
}

// --- Test: GetFinalizedBlock ---

func TestGetFinalizedBlock_Success(t *testing.T) {
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		if req.Method != "getBlock" {
			t.Errorf("unexpected method %s", req.Method)
		}
		if slot, ok := req.Params[0].(float64); !ok || slot != 101 {
			t.Errorf("unexpected slot param %v", req.Params[0])
		}
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{
			"blockHeight":90,
			"blockTime":1700000000,
			"blockhash":"Bh101",
			"parentSlot":99,
			"previousBlockhash":"Bh99",
			"transactions":[
				{"meta":{"err":null}},
				{"meta":{"err":{"InstructionError":[0,"Custom"]}}},
				{"meta":null}
			]
		}}`
	})

	block, err := newTestClient(t, srv.URL).GetFinalizedBlock(context.Background(), 101)
	if err != nil {
		t.Fatalf("GetFinalizedBlock failed: %v", err)
	}
	if block.Slot != 101 || block.ParentSlot != 99 {
		t.Errorf("unexpected slot/parent: %d/%d", block.Slot, block.ParentSlot)
	}
	if block.Blockhash != "Bh101" || block.PreviousBlockhash != "Bh99" {
		t.Errorf("unexpected hashes: %s/%s", block.Blockhash, block.PreviousBlockhash)
	}
	if block.BlockHeight == nil || *block.BlockHeight != 90 {
		t.Errorf("unexpected height %v", block.BlockHeight)
	}
	if block.TransactionCount != 3 || block.FailedTransactionCount != 1 {
		t.Errorf("unexpected tx counts: %d/%d", block.TransactionCount, block.FailedTransactionCount)
	}
}

func TestGetFinalizedBlock_NullResultIsNotFound(t *testing.T) {
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":null}`
	})

	_, err := newTestClient(t, srv.URL).GetFinalizedBlock(context.Background(), 5)
	if !errors.Is(err, outbound.ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestGetFinalizedBlock_RPCErrorCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		want      error
		wantCalls int32
	}{
		{name: "slot skipped", code: -32007, want: outbound.ErrSlotNotFound, wantCalls: 1},
		{name: "missing in long-term storage", code: -32009, want: outbound.ErrSlotNotFound, wantCalls: 1},
		{name: "block not available", code: -32004, want: entity.ErrTransientIO, wantCalls: 3},
		{name: "node unhealthy", code: -32005, want: entity.ErrTransientIO, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
				calls.Add(1)
				body, _ := json.Marshal(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"error":   map[string]any{"code": tt.code, "message": "boom"},
				})
				return http.StatusOK, string(body)
			})

			_, err := newTestClient(t, srv.URL).GetFinalizedBlock(context.Background(), 7)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestGetFinalizedBlock_UnknownRPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		calls.Add(1)
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`
	})

	_, err := newTestClient(t, srv.URL).GetFinalizedBlock(context.Background(), 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, entity.ErrTransientIO) || errors.Is(err, outbound.ErrSlotNotFound) {
		t.Errorf("unexpected classification: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestClient_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		switch calls.Add(1) {
		case 1:
			return http.StatusServiceUnavailable, ""
		case 2:
			return http.StatusTooManyRequests, ""
		default:
			return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":42}`
		}
	})

	slot, err := newTestClient(t, srv.URL).GetFinalizedSlot(context.Background())
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if slot != 42 || calls.Load() != 3 {
		t.Errorf("unexpected result slot=%d calls=%d", slot, calls.Load())
	}
}

func TestClient_ExhaustedRetriesAreTransient(t *testing.T) {
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		return http.StatusBadGateway, ""
	})

	_, err := newTestClient(t, srv.URL).GetFinalizedSlot(context.Background())
	if !errors.Is(err, entity.ErrTransientIO) {
		t.Fatalf("expected ErrTransientIO, got %v", err)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestClient_InvalidJSON(t *testing.T) {
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		return http.StatusOK, `not json`
	})

	_, err := newTestClient(t, srv.URL).GetFinalizedSlot(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to parse response") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := rpcServer(t, func(req jsonRPCRequest) (int, string) {
		time.Sleep(200 * time.Millisecond)
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":1}`
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, srv.URL).GetFinalizedSlot(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := newTestClient(t, "http://127.0.0.1:1").GetFinalizedSlot(context.Background())
	if !errors.Is(err, entity.ErrTransientIO) {
		t.Fatalf("expected ErrTransientIO, got %v", err)
	}
}
