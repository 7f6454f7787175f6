// Package sns implements the EventSink port using AWS SNS.
//
// Each checkpointed slot is published as a JSON message. Message attributes
// allow subscribers to filter:
//   - eventType: always "slot"
//   - slot: the slot number
//   - backfilled: "true" when the slot was recovered from the historical source
//
// For FIFO topics every message shares one group ID and is deduplicated by slot,
// so consumers receive slots in checkpoint order. For testing, use the
// memory.EventSink adapter instead.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/archon-research/stl/stl-slots/internal/pkg/retry"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

const eventTypeSlot = "slot"

// SNSPublisher defines the subset of SNS client methods used by EventSink.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS event sink.
type Config struct {
	// TopicARN is the topic slot events are published to.
	TopicARN string

	// FIFO sets MessageGroupId and MessageDeduplicationId for FIFO topics.
	FIFO bool

	// MessageGroupID is the FIFO message group. Defaults to "slots".
	MessageGroupID string

	// Retry controls retries of throttled or transient publish failures.
	Retry retry.Config

	// Logger is the structured logger for the sink.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MessageGroupID: "slots",
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2.0,
		},
		Logger: slog.Default(),
	}
}

// EventSink publishes slot events to AWS SNS.
type EventSink struct {
	client    SNSPublisher
	config    Config
	logger    *slog.Logger
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// NewEventSink creates a new SNS event sink.
func NewEventSink(client SNSPublisher, config Config) (*EventSink, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	defaults := ConfigDefaults()
	if config.MessageGroupID == "" {
		config.MessageGroupID = defaults.MessageGroupID
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &EventSink{
		client: client,
		config: config,
		logger: config.Logger.With("component", "sns-eventsink"),
	}, nil
}

// Publish publishes a slot event to SNS.
func (s *EventSink) Publish(ctx context.Context, event outbound.SlotEvent) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("event sink is closed")
	}
	s.mu.RUnlock()

	messageBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	slot := strconv.FormatUint(event.Slot, 10)
	input := &sns.PublishInput{
		TopicArn: aws.String(s.config.TopicARN),
		Message:  aws.String(string(messageBytes)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventTypeSlot),
			},
			"slot": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(slot),
			},
			"backfilled": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(event.Backfilled)),
			},
		},
	}
	if s.config.FIFO {
		input.MessageGroupId = aws.String(s.config.MessageGroupID)
		input.MessageDeduplicationId = aws.String(slot)
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("publish failed, retrying",
			"attempt", attempt,
			"maxRetries", s.config.Retry.MaxRetries,
			"backoff", backoff,
			"slot", event.Slot,
			"error", err,
		)
	}

	err = retry.DoVoid(ctx, s.config.Retry, isRetryableError, onRetry, func() error {
		_, err := s.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish slot %d to SNS: %w", event.Slot, err)
	}
	return nil
}

// nonRetryableCodes are SNS error codes that will not clear on retry.
var nonRetryableCodes = map[string]bool{
	"InvalidParameter":      true,
	"InvalidParameterValue": true,
	"AuthorizationError":    true,
	"NotFound":              true,
	"InvalidSecurity":       true,
	"KMSDisabled":           true,
	"KMSNotFound":           true,
	"KMSAccessDenied":       true,
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var throttleErr *types.ThrottledException
	if errors.As(err, &throttleErr) {
		return true
	}
	var internalErr *types.InternalErrorException
	if errors.As(err, &internalErr) {
		return true
	}
	var kmsThrottleErr *types.KMSThrottlingException
	if errors.As(err, &kmsThrottleErr) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if nonRetryableCodes[apiErr.ErrorCode()] {
			return false
		}
		return apiErr.ErrorFault() != smithy.FaultClient
	}

	// Unknown errors are usually network failures.
	return true
}

// Close marks the sink as closed and prevents further publishing.
func (s *EventSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Info("SNS event sink closed")
	})
	return nil
}
