package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/telemetry"
)

const (
	defaultReadCount = 10
	defaultReadBlock = 5 * time.Second
	defaultMinIdle   = 30 * time.Second
)

type (
	// SubscriberOptions configures a consumer-group subscriber.
	SubscriberOptions struct {
		// Client is the stream client. Required.
		Client *Client
		// Namespace scopes the DLQ channel. Required.
		Namespace Namespace
		// Group is the consumer-group name. Required.
		Group string
		// Consumer is this subscriber's unique name within the group.
		// Defaults to a generated name.
		Consumer string
		// ReadCount bounds entries per read. Defaults to 10.
		ReadCount int64
		// Block bounds how long a read waits for new entries. Defaults to 5s.
		Block time.Duration
		// MinIdle is the default pending-claim idle threshold. Defaults to 30s.
		MinIdle time.Duration
		// Halt, when set, is consulted at the top of every listen iteration
		// so a tripped emergency stop ends the loop.
		Halt func() error
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Subscriber reads a stream through a consumer group: new entries via
	// Read, crashed-consumer entries via ReadPending, with failed handlers
	// diverted to the project DLQ.
	Subscriber struct {
		client   *Client
		ns       Namespace
		group    string
		consumer string
		count    int64
		block    time.Duration
		minIdle  time.Duration
		halt     func() error
		logger   telemetry.Logger
	}

	// Delivery is one stream entry handed to a consumer: the broker entry ID
	// (needed for ack) plus the decoded event.
	Delivery struct {
		ID    string
		Event *event.Event
	}

	// Handler processes one delivery inside Listen.
	Handler func(ctx context.Context, d Delivery) error
)

// NewSubscriber constructs a Subscriber. Client and Group are required;
// Consumer defaults to a generated unique name.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("stream client is required")
	}
	if opts.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = defaultReadCount
	}
	if opts.Block <= 0 {
		opts.Block = defaultReadBlock
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = defaultMinIdle
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Subscriber{
		client:   opts.Client,
		ns:       opts.Namespace,
		group:    opts.Group,
		consumer: opts.Consumer,
		count:    opts.ReadCount,
		block:    opts.Block,
		minIdle:  opts.MinIdle,
		halt:     opts.Halt,
		logger:   opts.Logger,
	}, nil
}

// Consumer returns this subscriber's name within the group.
func (s *Subscriber) Consumer() string { return s.consumer }

// EnsureGroup creates the consumer group at stream start ("0"), creating the
// stream if absent. Idempotent: an existing group is not an error.
func (s *Subscriber) EnsureGroup(ctx context.Context, channel string) error {
	rdb, err := s.client.Redis()
	if err != nil {
		return err
	}
	err = rdb.XGroupCreateMkStream(ctx, channel, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.group, channel, err)
	}
	return nil
}

// Read fetches new entries for this consumer, blocking up to the configured
// window. Entries that fail to decode are diverted to the DLQ and
// acknowledged so they cannot wedge the group.
func (s *Subscriber) Read(ctx context.Context, channel string) ([]Delivery, error) {
	rdb, err := s.client.Redis()
	if err != nil {
		return nil, err
	}
	streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{channel, ">"},
		Count:    s.count,
		Block:    s.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s as %s/%s: %w", channel, s.group, s.consumer, err)
	}
	return s.decodeStreams(ctx, channel, streams), nil
}

// Ack acknowledges processed entries, removing them from the group's pending
// set.
func (s *Subscriber) Ack(ctx context.Context, channel string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	rdb, err := s.client.Redis()
	if err != nil {
		return err
	}
	if err := rdb.XAck(ctx, channel, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), channel, err)
	}
	return nil
}

// ReadPending claims entries that have been pending with any consumer of the
// group for at least minIdle. This is the crash-takeover primitive: a
// replacement consumer calls it to adopt a dead consumer's unacked work.
// A non-positive minIdle uses the configured default.
func (s *Subscriber) ReadPending(ctx context.Context, channel string, minIdle time.Duration, count int64) ([]Delivery, error) {
	if minIdle <= 0 {
		minIdle = s.minIdle
	}
	if count <= 0 {
		count = s.count
	}
	rdb, err := s.client.Redis()
	if err != nil {
		return nil, err
	}
	msgs, _, err := rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   channel,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending on %s: %w", channel, err)
	}
	return s.decodeMessages(ctx, channel, msgs), nil
}

// Listen runs the read-dispatch-ack loop until the context ends or the halt
// hook trips. A handler error diverts the entry to the DLQ; the entry is
// acknowledged either way. When filter types are given, entries of other
// types are acknowledged without invoking the handler.
func (s *Subscriber) Listen(ctx context.Context, channel string, handler Handler, filter ...event.Type) error {
	if err := s.EnsureGroup(ctx, channel); err != nil {
		return err
	}
	want := make(map[event.Type]struct{}, len(filter))
	for _, t := range filter {
		want[t] = struct{}{}
	}
	for {
		if s.halt != nil {
			if err := s.halt(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		deliveries, err := s.Read(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error(ctx, "listen read failed", "channel", channel, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		for _, d := range deliveries {
			if len(want) > 0 {
				if _, ok := want[d.Event.Type]; !ok {
					if err := s.Ack(ctx, channel, d.ID); err != nil {
						s.logger.Error(ctx, "ack skipped entry failed", "channel", channel, "id", d.ID, "err", err)
					}
					continue
				}
			}
			if err := s.handle(ctx, channel, d, handler); err != nil {
				s.divertToDLQ(ctx, channel, d, err)
			}
			if err := s.Ack(ctx, channel, d.ID); err != nil {
				s.logger.Error(ctx, "ack failed", "channel", channel, "id", d.ID, "err", err)
			}
		}
	}
}

// handle invokes the handler, converting panics into errors so one poisoned
// entry lands in the DLQ instead of killing the listen loop.
func (s *Subscriber) handle(ctx context.Context, channel string, d Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, d)
}

// divertToDLQ copies a failed entry onto the project dead-letter channel with
// the failure reason and original entry ID attached. DLQ write failures are
// logged only; losing the diversion must not wedge consumption.
func (s *Subscriber) divertToDLQ(ctx context.Context, channel string, d Delivery, cause error) {
	fields, err := d.Event.Fields()
	if err != nil {
		s.logger.Error(ctx, "dlq encode failed", "channel", channel, "id", d.ID, "err", err)
		return
	}
	fields["dlq_error"] = cause.Error()
	fields["dlq_original_id"] = d.ID
	rdb, err := s.client.Redis()
	if err != nil {
		s.logger.Error(ctx, "dlq divert failed", "channel", channel, "id", d.ID, "err", err)
		return
	}
	err = rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.ns.DLQ(),
		MaxLen: dlqMaxLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		s.logger.Error(ctx, "dlq divert failed", "channel", channel, "id", d.ID, "err", err)
		return
	}
	s.logger.Warn(ctx, "entry diverted to dlq", "channel", channel, "id", d.ID, "cause", cause.Error())
}

func (s *Subscriber) decodeStreams(ctx context.Context, channel string, streams []redis.XStream) []Delivery {
	var out []Delivery
	for _, str := range streams {
		out = append(out, s.decodeMessages(ctx, channel, str.Messages)...)
	}
	return out
}

// decodeMessages parses entries into deliveries. Undecodable entries go to
// the DLQ and are acked here because callers never see their IDs.
func (s *Subscriber) decodeMessages(ctx context.Context, channel string, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := event.FromFields(msg.Values)
		if err != nil {
			s.divertRaw(ctx, channel, msg, err)
			if ackErr := s.Ack(ctx, channel, msg.ID); ackErr != nil {
				s.logger.Error(ctx, "ack undecodable entry failed", "channel", channel, "id", msg.ID, "err", ackErr)
			}
			continue
		}
		out = append(out, Delivery{ID: msg.ID, Event: evt})
	}
	return out
}

// divertRaw copies an undecodable entry to the DLQ preserving its raw fields.
func (s *Subscriber) divertRaw(ctx context.Context, channel string, msg redis.XMessage, cause error) {
	fields := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		fields[k] = v
	}
	fields["dlq_error"] = cause.Error()
	fields["dlq_original_id"] = msg.ID
	rdb, err := s.client.Redis()
	if err != nil {
		s.logger.Error(ctx, "dlq divert failed", "channel", channel, "id", msg.ID, "err", err)
		return
	}
	err = rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.ns.DLQ(),
		MaxLen: dlqMaxLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		s.logger.Error(ctx, "dlq divert failed", "channel", channel, "id", msg.ID, "err", err)
	}
}
