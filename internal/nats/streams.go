package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// StreamOptions tunes the JetStream resources.
type StreamOptions struct {
	// StatusTTL is the sliding inactivity window of status entries.
	StatusTTL time.Duration
	// MaxAge bounds how long undelivered and dead-lettered messages stay.
	MaxAge time.Duration
}

// SetupJetStream creates the pipeline stream and the status KV bucket.
func SetupJetStream(ctx context.Context, js jetstream.JetStream, opts StreamOptions) error {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	// Every route shares one work-queue stream; each stage filters its own
	// subjects so a message is removed once its consumer acknowledges it.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{AllSubject()},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     maxAge,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	if _, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  BucketStatus,
		Storage: jetstream.FileStorage,
		TTL:     opts.StatusTTL,
	}); err != nil {
		return fmt.Errorf("creating KV bucket %s: %w", BucketStatus, err)
	}

	return nil
}

// DefaultAckWait is the redelivery delay after a consumer stops heartbeating.
// It stays below the status window so a redelivered input still finds its job.
const DefaultAckWait = 30 * time.Second

// ConsumerOptions configures a stage's durable consumer.
type ConsumerOptions struct {
	// MaxDeliver caps redeliveries; the stage dead-letters on the last one.
	MaxDeliver int
	// AckWait plus the settle delay must stay below the status window. A
	// running handler extends it with heartbeats.
	AckWait time.Duration
}

// EnsureConsumer creates or updates the durable pull consumer of a stage.
// MaxAckPending is 1: a stage holds at most one unacknowledged message.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, stage string, routes []core.Route, opts ConsumerOptions) (jetstream.Consumer, error) {
	subjects := make([]string, 0, len(routes))
	for _, r := range routes {
		subjects = append(subjects, RouteSubject(r))
	}
	ackWait := ackWaitOrDefault(opts.AckWait)

	cfg := jetstream.ConsumerConfig{
		Durable:       ConsumerName(stage),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    opts.MaxDeliver,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if len(subjects) == 1 {
		cfg.FilterSubject = subjects[0]
	} else {
		cfg.FilterSubjects = subjects
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consumer for stage %s: %w", stage, err)
	}
	return consumer, nil
}

func ackWaitOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultAckWait
	}
	return d
}
