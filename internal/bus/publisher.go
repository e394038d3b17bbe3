package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/coderwave/wave/internal/event"
)

const (
	// defaultStreamMaxLen caps regular channels; the broker trims
	// approximately, so the observed length can briefly exceed it.
	defaultStreamMaxLen = 10000
	// dlqMaxLen caps dead-letter channels.
	dlqMaxLen = 1000
)

type (
	// PublisherOptions configures a Publisher.
	PublisherOptions struct {
		// Client is the stream client. Required.
		Client *Client
		// Namespace scopes default channel selection. Required.
		Namespace Namespace
		// Source stamps events that do not carry their own source.
		Source string
		// MaxLen overrides the stream length cap. Defaults to 10000.
		MaxLen int64
	}

	// Publisher appends events to streams with an approximate length cap.
	Publisher struct {
		client *Client
		ns     Namespace
		source string
		maxLen int64
	}

	// PublishOption customizes a single publish call.
	PublishOption func(*publishConfig)

	publishConfig struct {
		channel string
	}
)

// WithChannel targets an explicit channel instead of the project signals
// channel.
func WithChannel(channel string) PublishOption {
	return func(c *publishConfig) { c.channel = channel }
}

// NewPublisher constructs a Publisher. The Client field in opts is required.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("stream client is required")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &Publisher{
		client: opts.Client,
		ns:     opts.Namespace,
		source: opts.Source,
		maxLen: maxLen,
	}, nil
}

// Publish appends one event and returns the broker-assigned stream ID. The
// default target is the project signals channel; the stream is trimmed
// approximately to the length cap so old entries age out.
func (p *Publisher) Publish(ctx context.Context, evt *event.Event, opts ...PublishOption) (string, error) {
	cfg := publishConfig{channel: p.ns.Signals()}
	for _, opt := range opts {
		opt(&cfg)
	}
	p.stamp(evt)
	fields, err := evt.Fields()
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", evt.Type, err)
	}
	var id string
	err = p.client.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		rdb, err := p.client.Redis()
		if err != nil {
			return err
		}
		res, err := rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: cfg.channel,
			MaxLen: p.maxLen,
			Approx: true,
			Values: fields,
		}).Result()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("publish %s to %s: %w", evt.Type, cfg.channel, err)
	}
	return id, nil
}

// PublishBatch appends events in one pipeline round-trip, preserving slice
// order on the stream. Returns the stream IDs in the same order.
func (p *Publisher) PublishBatch(ctx context.Context, evts []*event.Event, opts ...PublishOption) ([]string, error) {
	cfg := publishConfig{channel: p.ns.Signals()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cmds := make([]*redis.StringCmd, len(evts))
	err := p.client.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		rdb, err := p.client.Redis()
		if err != nil {
			return err
		}
		pipe := rdb.Pipeline()
		for i, evt := range evts {
			p.stamp(evt)
			fields, err := evt.Fields()
			if err != nil {
				return fmt.Errorf("encode event %s: %w", evt.Type, err)
			}
			cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: cfg.channel,
				MaxLen: p.maxLen,
				Approx: true,
				Values: fields,
			})
		}
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("publish batch to %s: %w", cfg.channel, err)
	}
	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	return ids, nil
}

// PublishToAgent targets the direct channel of one agent.
func (p *Publisher) PublishToAgent(ctx context.Context, agentID string, evt *event.Event) (string, error) {
	return p.Publish(ctx, evt, WithChannel(p.ns.Agent(agentID)))
}

// PublishGateEvent targets the channel of one gate.
func (p *Publisher) PublishGateEvent(ctx context.Context, gate string, evt *event.Event) (string, error) {
	return p.Publish(ctx, evt, WithChannel(p.ns.Gate(gate)))
}

// stamp fills project and source defaults so callers building bare events do
// not have to repeat them.
func (p *Publisher) stamp(evt *event.Event) {
	if evt.Project == "" {
		evt.Project = p.ns.Project()
	}
	if evt.Source == "" {
		evt.Source = p.source
	}
}
