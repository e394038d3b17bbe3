package estop

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/telemetry"
)

// defaultBridgeBlock bounds each emergency-stream read.
const defaultBridgeBlock = 2 * time.Second

type (
	// BridgeOptions configures a StreamBridge.
	BridgeOptions struct {
		// Channel overrides the emergency stream. Defaults to
		// bus.EmergencyChannel().
		Channel string
		// Block bounds each stream read. Defaults to 2s.
		Block time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// StreamBridge trips the latch when anything lands on the emergency
	// stream. Every process runs its own bridge and reads plainly from the
	// stream tail, not through a consumer group: a stop must reach all
	// listeners, not one of them.
	StreamBridge struct {
		latch   *Latch
		client  *bus.Client
		channel string
		block   time.Duration
		logger  telemetry.Logger
	}
)

// NewStreamBridge constructs a bridge between the emergency stream and the
// latch.
func NewStreamBridge(latch *Latch, client *bus.Client, opts BridgeOptions) (*StreamBridge, error) {
	if latch == nil {
		return nil, errors.New("latch is required")
	}
	if client == nil {
		return nil, errors.New("stream client is required")
	}
	channel := opts.Channel
	if channel == "" {
		channel = bus.EmergencyChannel()
	}
	block := opts.Block
	if block <= 0 {
		block = defaultBridgeBlock
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &StreamBridge{
		latch:   latch,
		client:  client,
		channel: channel,
		block:   block,
		logger:  logger,
	}, nil
}

// Run consumes the emergency stream until ctx is canceled and returns
// ctx.Err(). Read failures are logged and retried after one block interval.
//
// The stream tail is resolved to a concrete entry ID once at startup:
// reading with "$" re-resolves the tail per call and drops entries that land
// between reads. Entries predating startup are stale stops and are skipped.
func (b *StreamBridge) Run(ctx context.Context) error {
	lastID, err := b.tailID(ctx)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rdb, err := b.client.Redis()
		if err != nil {
			return err
		}
		streams, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.channel, lastID},
			Count:   16,
			Block:   b.block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case err != nil:
			b.logger.Warn(ctx, "emergency stream read failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.block):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				b.latch.Trip(SourceStream, reasonFromValues(msg.Values))
			}
		}
	}
}

// tailID returns the ID of the newest stream entry, or "0-0" for a missing
// or empty stream.
func (b *StreamBridge) tailID(ctx context.Context) (string, error) {
	rdb, err := b.client.Redis()
	if err != nil {
		return "", err
	}
	entries, err := rdb.XRevRangeN(ctx, b.channel, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

// PublishStop appends a stop message to the emergency stream so every
// bridge-running process trips. Callers normally trip their local latch as
// well rather than waiting for their own bridge to read the entry back.
func PublishStop(ctx context.Context, client *bus.Client, channel, reason string) error {
	if client == nil {
		return errors.New("stream client is required")
	}
	if channel == "" {
		channel = bus.EmergencyChannel()
	}
	rdb, err := client.Redis()
	if err != nil {
		return err
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: channel,
		Values: map[string]any{
			"reason": reason,
			"at":     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

// Broadcast returns an OnTrip hook announcing the stop on the global system
// channel. Publish failures are logged and dropped: the local stop holds
// regardless of broker health.
func Broadcast(pub *bus.Publisher, logger telemetry.Logger) func(Record) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return func(rec Record) {
		evt, err := event.New(event.TypeEmergencyStop, map[string]any{
			"source": rec.Source,
			"reason": rec.Reason,
		}, event.WithPriority(event.PriorityCritical))
		if err != nil {
			logger.Warn(context.Background(), "emergency event build failed", "err", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := pub.Publish(ctx, evt, bus.WithChannel(bus.GlobalSystemChannel())); err != nil {
			logger.Warn(ctx, "emergency broadcast failed", "err", err)
		}
	}
}

// reasonFromValues extracts a human reason from a stream entry: a literal
// reason field first, then a reason inside a JSON payload field, then the
// payload itself.
func reasonFromValues(values map[string]any) string {
	if v, ok := values["reason"].(string); ok && v != "" {
		return v
	}
	if raw, ok := values["payload"].(string); ok && raw != "" {
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil && payload.Reason != "" {
			return payload.Reason
		}
		return raw
	}
	return "emergency stream message"
}
