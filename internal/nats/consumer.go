package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// ErrConnectionClosed is returned by Consumer.Run once the broker
// connection is gone for good.
var ErrConnectionClosed = errors.New("broker connection closed")

// Handler processes one delivery and settles it.
type Handler func(ctx context.Context, d core.Delivery)

// Consumer pulls one stage's messages. It fetches a single message and
// hands it to the handler before asking for the next one, so a process
// never has two messages mid-transform.
type Consumer struct {
	channel  *Channel
	stage    string
	consumer  jetstream.Consumer
	maxWait   time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewConsumer binds the durable consumer of stage to routes.
func (c *Channel) NewConsumer(ctx context.Context, stage string, routes []core.Route, opts ConsumerOptions) (*Consumer, error) {
	consumer, err := EnsureConsumer(ctx, c.js, stage, routes, opts)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		channel:   c,
		stage:     stage,
		consumer:  consumer,
		maxWait:   5 * time.Second,
		heartbeat: ackWaitOrDefault(opts.AckWait) / 3,
		logger:    c.logger.With("stage", stage),
	}, nil
}

// Pending returns how many messages wait for this stage.
func (c *Consumer) Pending(ctx context.Context) (uint64, error) {
	info, err := c.consumer.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.NumPending, nil
}

// Run consumes until ctx is cancelled or the connection closes.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	if pending, err := c.Pending(ctx); err == nil && pending > 0 {
		c.logger.Info("detected waiting messages", "count", pending)
	}
	c.logger.Info("waiting for messages", "consumer", ConsumerName(c.stage))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.channel.Closed() {
			return ErrConnectionClosed
		}

		batch, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(c.maxWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return ErrConnectionClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		for msg := range batch.Messages() {
			c.dispatch(ctx, msg, handle)
		}
		if err := batch.Error(); err != nil && !isIdle(err) {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return ErrConnectionClosed
			}
			c.logger.Warn("fetch batch error", "error", err)
		}
	}
}

// dispatch runs handle while marking msg in progress every heartbeat, so a
// transform may outlast AckWait without being redelivered. A crashed
// process stops heartbeating and the message comes back after AckWait.
func (c *Consumer) dispatch(ctx context.Context, msg jetstream.Msg, handle Handler) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(c.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					c.logger.Debug("heartbeat failed", "error", err)
				}
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()
	handle(ctx, newDelivery(msg))
}

func isIdle(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// delivery adapts a JetStream message to core.Delivery.
type delivery struct {
	msg jetstream.Msg
	env core.Envelope
}

func newDelivery(msg jetstream.Msg) *delivery {
	env := decodeEnvelope(msg.Headers())
	if env.Route == "" {
		env.Route = core.Route(strings.TrimPrefix(msg.Subject(), SubjectPrefix+"."))
	}
	return &delivery{msg: msg, env: env}
}

func (d *delivery) Envelope() core.Envelope { return d.env }
func (d *delivery) Payload() []byte         { return d.msg.Data() }

func (d *delivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *delivery) Ack() error {
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("ack %s: %w", d.env.MessageID, err)
	}
	return nil
}

func (d *delivery) Reject() error {
	if err := d.msg.Term(); err != nil {
		return fmt.Errorf("term %s: %w", d.env.MessageID, err)
	}
	return nil
}

func (d *delivery) Retry(delay time.Duration) error {
	if err := d.msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("nak %s: %w", d.env.MessageID, err)
	}
	return nil
}
