// Package solana provides adapters for Solana's JSON-RPC and websocket APIs.
package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that Subscriber implements outbound.SlotFeed
var _ outbound.SlotFeed = (*Subscriber)(nil)

const slotsUpdatesNotification = "slotsUpdatesNotification"

// Subscriber streams slot lifecycle updates from slotsUpdatesSubscribe and
// reconnects with exponential backoff when the connection drops.
//
// Finalized notifications are delivered with backpressure. Other statuses are
// dropped when the channel is full.
type Subscriber struct {
	config SubscriberConfig
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool

	done          chan struct{}
	notifications chan entity.SlotNotification

	lastMessage atomic.Int64
	reconnects  atomic.Int64
	dropped     atomic.Int64
}

// NewSubscriber creates a new slot feed with automatic reconnection.
func NewSubscriber(config SubscriberConfig) (*Subscriber, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()
	return &Subscriber{
		config:        config,
		logger:        config.Logger.With("component", "solana-subscriber"),
		done:          make(chan struct{}),
		notifications: make(chan entity.SlotNotification, config.ChannelBufferSize),
	}, nil
}

// Subscribe starts the feed. The returned channel is closed after Unsubscribe
// or when ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan entity.SlotNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("subscriber is closed")
	}
	if s.started {
		return nil, errors.New("subscriber already started")
	}
	s.started = true

	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.connectionManager()

	return s.notifications, nil
}

// connectionManager owns the notifications channel and closes it on exit.
func (s *Subscriber) connectionManager() {
	defer close(s.notifications)

	backoff := s.config.InitialBackoff
	isFirstConnect := true

	for {
		if s.stopping() {
			return
		}

		if err := s.connectAndSubscribe(); err != nil {
			s.logger.Warn("failed to connect", "error", err, "backoff", backoff)

			select {
			case <-s.done:
				return
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * s.config.BackoffFactor)
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
			continue
		}

		backoff = s.config.InitialBackoff
		s.lastMessage.Store(time.Now().UnixNano())

		if isFirstConnect {
			s.logger.Info("connected to slot feed")
		} else {
			s.reconnects.Add(1)
			s.logger.Info("reconnected to slot feed")
			if s.config.OnReconnect != nil {
				s.config.OnReconnect(s.ctx)
			}
		}
		isFirstConnect = false

		s.readLoop()

		if !s.stopping() {
			s.logger.Warn("slot feed connection lost, reconnecting")
		}
	}
}

func (s *Subscriber) stopping() bool {
	select {
	case <-s.done:
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// connectAndSubscribe dials the websocket and confirms the slotsUpdatesSubscribe subscription.
func (s *Subscriber) connectAndSubscribe() error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.config.WebSocketURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to slot feed: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	subscribeReq := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "slotsUpdatesSubscribe",
		Params:  []any{},
	}
	if err := conn.WriteJSON(subscribeReq); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send subscription request: %w", err)
	}

	var response jsonRPCResponse
	if err := conn.ReadJSON(&response); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read subscription response: %w", err)
	}
	if response.Error != nil {
		conn.Close()
		return fmt.Errorf("subscription failed: %w", response.Error)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return errors.New("subscriber is closed")
	}
	s.conn = conn
	return nil
}

// readLoop reads slot updates until the connection fails or the feed stops.
// Pings run on their own goroutine so the connection stays alive while
// deliver is blocked on a slow consumer.
func (s *Subscriber) readLoop() {
	readErr := make(chan error, 1)
	pingErr := make(chan error, 1)
	updates := make(chan entity.SlotNotification, 16)
	stop := make(chan struct{})
	defer close(stop)

	go s.pingLoop(stop, pingErr)

	go func() {
		for {
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				readErr <- errors.New("connection is nil")
				return
			}

			if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
				readErr <- fmt.Errorf("failed to set read deadline: %w", err)
				return
			}

			var msg jsonRPCResponse
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			s.lastMessage.Store(time.Now().UnixNano())

			if msg.Method != slotsUpdatesNotification || msg.Params == nil {
				continue
			}

			var params slotsUpdatesParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("failed to parse slot update", "error", err)
				continue
			}

			n, ok := toNotification(params.Result)
			if !ok {
				s.logger.Debug("ignoring slot update", "slot", params.Result.Slot, "type", params.Result.Type)
				continue
			}

			select {
			case updates <- n:
			case <-stop:
				return
			case <-s.done:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-s.done:
			s.closeConnection()
			return
		case <-s.ctx.Done():
			s.closeConnection()
			return
		case err := <-readErr:
			if !s.stopping() {
				s.logger.Warn("read error", "error", err)
			}
			s.closeConnection()
			return
		case err := <-pingErr:
			s.logger.Warn("ping failed", "error", err)
			s.closeConnection()
			return
		case n := <-updates:
			s.deliver(n)
		}
	}
}

// pingLoop pings the server every PingInterval until stop is closed.
func (s *Subscriber) pingLoop(stop <-chan struct{}, pingErr chan<- error) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.PongTimeout)); err != nil {
				pingErr <- err
				return
			}
		}
	}
}

// deliver hands n to the consumer. Finalized notifications wait for channel
// space, which stalls reads from the socket but not pings. Other statuses are
// dropped when the channel is full.
func (s *Subscriber) deliver(n entity.SlotNotification) {
	if n.Status.IsFinalized() {
		select {
		case s.notifications <- n:
		case <-s.done:
		case <-s.ctx.Done():
		}
		return
	}

	select {
	case s.notifications <- n:
	default:
		s.dropped.Add(1)
		s.logger.Debug("notification channel full, dropping update", "slot", n.Slot, "status", n.Status)
	}
}

// toNotification maps a slotsUpdatesSubscribe event onto a SlotNotification.
func toNotification(u slotUpdate) (entity.SlotNotification, bool) {
	var status entity.SlotStatus
	switch u.Type {
	case "firstShredReceived":
		status = entity.SlotFirstShredReceived
	case "completed":
		status = entity.SlotCompleted
	case "createdBank":
		status = entity.SlotCreatedBank
	case "frozen":
		status = entity.SlotProcessed
	case "optimisticConfirmation":
		status = entity.SlotConfirmed
	case "root":
		status = entity.SlotFinalized
	case "dead":
		status = entity.SlotDead
	default:
		return entity.SlotNotification{}, false
	}

	n := entity.SlotNotification{Slot: u.Slot, Status: status}
	if u.Parent != nil && *u.Parent < u.Slot {
		parent := *u.Parent
		n.Parent = &parent
	}
	if status == entity.SlotDead {
		n.DeadError = u.Err
	}
	return n, true
}

func (s *Subscriber) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Unsubscribe stops the feed and closes the connection.
func (s *Subscriber) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	if s.cancel != nil {
		s.cancel()
	}

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// HealthCheck reports whether the feed is connected and receiving messages.
func (s *Subscriber) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("subscriber is closed")
	}
	if !s.started {
		return errors.New("subscriber not started")
	}
	if s.conn == nil {
		return errors.New("not connected")
	}

	last := s.lastMessage.Load()
	if last > 0 {
		if since := time.Since(time.Unix(0, last)); since > s.config.HealthTimeout {
			return fmt.Errorf("no messages received for %v (threshold: %v)", since, s.config.HealthTimeout)
		}
	}
	return nil
}

// Reconnects returns how many times the feed has reconnected.
func (s *Subscriber) Reconnects() int64 {
	return s.reconnects.Load()
}

// Dropped returns how many non-finalized updates were dropped under backpressure.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}
